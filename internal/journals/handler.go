package journals

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

// Handler exposes the journal engine over HTTP.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes attaches journal routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/batch-post", h.BatchPost)
	r.Get("/{id}", h.Detail)
	r.Post("/{id}/lines", h.AddLine)
	r.Put("/{id}/lines", h.ReplaceLines)
	r.Put("/{id}/lines/{lineId}", h.UpdateLine)
	r.Delete("/{id}/lines/{lineId}", h.DeleteLine)
	r.Post("/{id}/submit", h.Submit)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/post", h.Post)
	r.Post("/{id}/void", h.Void)
}

type lineRequest struct {
	AccountID   int64  `json:"accountId" validate:"required"`
	Description string `json:"description"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
}

func (req lineRequest) toInput() (LineInput, error) {
	in := LineInput{AccountID: req.AccountID, Description: req.Description}
	var err error
	if req.Debit != "" {
		if in.Debit, err = shared.ParseNonNegativeAmount(req.Debit); err != nil {
			return LineInput{}, err
		}
	}
	if req.Credit != "" {
		if in.Credit, err = shared.ParseNonNegativeAmount(req.Credit); err != nil {
			return LineInput{}, err
		}
	}
	return in, nil
}

type createEntryRequest struct {
	PeriodID  int64         `json:"periodId" validate:"required"`
	EntryDate string        `json:"entryDate" validate:"required,datetime=2006-01-02"`
	TypeCode  string        `json:"typeCode" validate:"required"`
	Memo      string        `json:"memo"`
	Lines     []lineRequest `json:"lines" validate:"required,min=2,dive"`
}

type lineResponse struct {
	ID          int64  `json:"id"`
	LineNo      int    `json:"lineNo"`
	AccountID   int64  `json:"accountId"`
	Description string `json:"description"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
}

type entryResponse struct {
	ID            int64          `json:"id"`
	PeriodID      int64          `json:"periodId"`
	EntryDate     string         `json:"entryDate"`
	TypeCode      string         `json:"typeCode"`
	Memo          string         `json:"memo"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	SourceEntryID *int64         `json:"sourceEntryId,omitempty"`
	TotalDebit    string         `json:"totalDebit"`
	TotalCredit   string         `json:"totalCredit"`
	Balanced      bool           `json:"balanced"`
	PostedAt      *time.Time     `json:"postedAt,omitempty"`
	Lines         []lineResponse `json:"lines,omitempty"`
}

func toEntryResponse(e JournalEntry) entryResponse {
	debit, credit := Totals(e.Lines)
	resp := entryResponse{
		ID:            e.ID,
		PeriodID:      e.PeriodID,
		EntryDate:     e.EntryDate.Format("2006-01-02"),
		TypeCode:      string(e.TypeCode),
		Memo:          e.Memo,
		Status:        string(e.Status),
		Reason:        e.Reason,
		SourceEntryID: e.SourceEntryID,
		TotalDebit:    shared.FormatAmount(debit),
		TotalCredit:   shared.FormatAmount(credit),
		Balanced:      debit == credit,
		PostedAt:      e.PostedAt,
	}
	for _, line := range e.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:          line.ID,
			LineNo:      line.LineNo,
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       shared.FormatAmount(line.Debit),
			Credit:      shared.FormatAmount(line.Credit),
		})
	}
	return resp
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	periodID, _ := strconv.ParseInt(r.URL.Query().Get("periodId"), 10, 64)
	filter := ListFilter{
		PeriodID: periodID,
		Status:   EntryStatus(r.URL.Query().Get("status")),
	}
	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list journals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	meta := shared.NewPagination(page, perPage, len(entries))
	start := (meta.Page - 1) * meta.PerPage
	if start > len(entries) {
		start = len(entries)
	}
	end := start + meta.PerPage
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]entryResponse, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, toEntryResponse(e))
	}
	httpx.OK(w, map[string]any{
		"entries": out,
		"pagination": map[string]int{
			"page":       meta.Page,
			"perPage":    meta.PerPage,
			"total":      meta.Total,
			"totalPages": meta.TotalPages,
		},
	})
}

func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.service.Detail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entryDate, _ := time.Parse("2006-01-02", req.EntryDate)
	lines := make([]LineInput, 0, len(req.Lines))
	for _, lr := range req.Lines {
		line, err := lr.toInput()
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		lines = append(lines, line)
	}
	key, ok := h.parseIdempotencyKey(w, r)
	if !ok {
		return
	}
	entry, err := h.service.Create(r.Context(), CreateInput{
		PeriodID:       req.PeriodID,
		EntryDate:      entryDate,
		TypeCode:       EntryType(req.TypeCode),
		Memo:           req.Memo,
		Lines:          lines,
		IdempotencyKey: key,
	})
	if err != nil {
		h.logger.Error("create journal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.Created(w, toEntryResponse(entry))
}

func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	line, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	entry, err := h.service.AddLine(r.Context(), id, line)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineId")
	if !ok {
		return
	}
	line, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	entry, err := h.service.UpdateLine(r.Context(), id, lineID, line)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

func (h *Handler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineId")
	if !ok {
		return
	}
	entry, err := h.service.DeleteLine(r.Context(), id, lineID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

func (h *Handler) ReplaceLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Lines []lineRequest `json:"lines" validate:"required,min=1,dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, lr := range req.Lines {
		line, err := lr.toInput()
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		lines = append(lines, line)
	}
	entry, err := h.service.ReplaceLines(r.Context(), id, lines)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submit journal", h.service.Submit)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve journal", h.service.Approve)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Reject(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("reject journal", slog.Int64("entry", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, map[string]any{
		"rejected": toEntryResponse(result.Rejected),
		"newDraft": toEntryResponse(result.NewDraft),
	})
}

func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "post journal", h.service.Post)
}

func (h *Handler) BatchPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryIDs []int64 `json:"entryIds" validate:"required,min=1"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	results := h.service.BatchPost(r.Context(), req.EntryIDs)
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		item := map[string]any{"entryId": res.EntryID, "posted": res.Posted}
		if res.Err != "" {
			item["error"] = res.Err
		}
		out = append(out, item)
	}
	httpx.OK(w, out)
}

func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Void(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("void journal", slog.Int64("entry", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, map[string]any{
		"voided":   toEntryResponse(result.Voided),
		"reversal": toEntryResponse(result.Reversal),
	})
}

func (h *Handler) decodeLine(w http.ResponseWriter, r *http.Request) (LineInput, bool) {
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return LineInput{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return LineInput{}, false
	}
	line, err := req.toInput()
	if err != nil {
		httpx.RespondError(w, err)
		return LineInput{}, false
	}
	return line, true
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id int64) (JournalEntry, error)) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	entry, err := fn(r.Context(), id)
	if err != nil {
		h.logger.Error(action, slog.Int64("entry", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toEntryResponse(entry))
}

// parseIdempotencyKey reads the optional Idempotency-Key header as a UUID.
func (h *Handler) parseIdempotencyKey(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := httpx.IdempotencyKey(r)
	if raw == "" {
		return nil, true
	}
	key, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Idempotency-Key must be a UUID")
		return nil, false
	}
	return &key, true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}
