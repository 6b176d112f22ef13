package periods

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

// Handler exposes the period controller over HTTP.
type Handler struct {
	service     *Service
	logger      *slog.Logger
	validate    *validator.Validate
	idempotency *shared.IdempotencyStore
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, idempotency *shared.IdempotencyStore) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New(), idempotency: idempotency}
}

// MountRoutes attaches period routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/current", h.Current)
	r.Get("/{id}", h.Detail)
	r.Get("/{id}/close-preview", h.ClosePreview)
	r.Post("/{id}/close", h.Close)
	r.Post("/{id}/reopen", h.Reopen)
	r.Post("/{id}/lock", h.Lock)
	r.Post("/{id}/unlock", h.Unlock)
	r.Post("/{id}/roll-forward", h.RollForward)
}

type createPeriodRequest struct {
	Code       string `json:"code" validate:"required"`
	FiscalYear int    `json:"fiscalYear" validate:"required"`
	StartDate  string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate    string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

type periodResponse struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	FiscalYear int    `json:"fiscalYear"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
	Status     string `json:"status"`
}

func toPeriodResponse(p Period) periodResponse {
	return periodResponse{
		ID:         p.ID,
		Code:       p.Code,
		FiscalYear: p.FiscalYear,
		StartDate:  p.StartDate.Format("2006-01-02"),
		EndDate:    p.EndDate.Format("2006-01-02"),
		Status:     string(p.Status),
	}
}

func (h *Handler) guardIdempotency(w http.ResponseWriter, r *http.Request, module string) bool {
	key := httpx.IdempotencyKey(r)
	if key == "" {
		return true
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
		if err == shared.ErrIdempotencyConflict {
			httpx.Problem(w, http.StatusConflict, "Duplicate Request", "request with this idempotency key was already processed")
			return false
		}
		h.logger.Error("idempotency check", slog.Any("error", err))
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	fiscalYear, _ := strconv.Atoi(r.URL.Query().Get("fiscalYear"))
	status := PeriodStatus(r.URL.Query().Get("status"))
	list, err := h.service.List(r.Context(), fiscalYear, status)
	if err != nil {
		h.logger.Error("list periods", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPeriodResponse(p))
	}
	httpx.OK(w, out)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.guardIdempotency(w, r, "periods.create") {
		return
	}
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, _ := time.Parse("2006-01-02", req.StartDate)
	end, _ := time.Parse("2006-01-02", req.EndDate)
	period, err := h.service.Create(r.Context(), CreateInput{
		Code:       req.Code,
		FiscalYear: req.FiscalYear,
		StartDate:  start,
		EndDate:    end,
	})
	if err != nil {
		h.logger.Error("create period", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.Created(w, toPeriodResponse(period))
}

func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	asOf := time.Time{}
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid asOf date")
			return
		}
		asOf = parsed
	}
	period, err := h.service.Current(r.Context(), asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toPeriodResponse(period))
}

func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	period, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toPeriodResponse(period))
}

func (h *Handler) ClosePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	blockers, err := h.service.ClosePreview(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, map[string]any{
		"draftEntries":     blockers.DraftEntries,
		"submittedEntries": blockers.SubmittedEntries,
		"reconMismatches":  blockers.ReconMismatches,
		"canClose":         blockers.Empty(),
	})
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if !h.guardIdempotency(w, r, "periods.close") {
		return
	}
	var req struct {
		Override bool   `json:"override"`
		Reason   string `json:"reason"`
	}
	_ = httpx.DecodeJSON(r, &req)
	if req.Override && req.Reason == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "override requires a reason")
		return
	}
	period, err := h.service.Close(r.Context(), id, CloseOptions{Override: req.Override, Reason: req.Reason})
	if err != nil {
		h.logger.Error("close period", slog.Int64("period", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toPeriodResponse(period))
}

func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "periods.reopen", h.service.Reopen)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "periods.lock", h.service.Lock)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "periods.unlock", h.service.Unlock)
}

func (h *Handler) RollForward(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if !h.guardIdempotency(w, r, "periods.rollforward") {
		return
	}
	var req struct {
		Memo string `json:"memo"`
	}
	_ = httpx.DecodeJSON(r, &req)
	result, err := h.service.RollForward(r.Context(), id, RollForwardOptions{Memo: req.Memo})
	if err != nil {
		h.logger.Error("roll forward", slog.Int64("period", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, map[string]any{
		"sourcePeriodId":      result.SourcePeriodID,
		"destinationPeriodId": result.DestinationPeriodID,
		"entryId":             result.EntryID,
		"accountsCarried":     result.AccountsCarried,
		"netIncome":           shared.FormatAmount(result.NetIncome),
	})
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, module string, fn func(ctx context.Context, id int64) (Period, error)) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if !h.guardIdempotency(w, r, module) {
		return
	}
	period, err := fn(r.Context(), id)
	if err != nil {
		h.logger.Error(module, slog.Int64("period", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toPeriodResponse(period))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}
