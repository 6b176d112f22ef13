package recon

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

// Handler exposes the reconciliation engine over HTTP.
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

// MountRoutes attaches reconciliation routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/periods/{periodId}", h.Period)
	r.Get("/periods/{periodId}/accounts/{accountId}", h.AccountActivity)
	r.Post("/auto-correct", h.AutoCorrect)
}

type diffResponse struct {
	AccountID   int64  `json:"accountId"`
	AccountCode string `json:"accountCode"`
	AccountName string `json:"accountName"`
	AccountType string `json:"accountType"`
	GLBalance   string `json:"glBalance"`
	Recomputed  string `json:"recomputedBalance"`
	Difference  string `json:"balanceDifference"`
	IsMatch     bool   `json:"isMatch"`
}

func toDiffResponse(d Diff) diffResponse {
	return diffResponse{
		AccountID:   d.AccountID,
		AccountCode: d.AccountCode,
		AccountName: d.AccountName,
		AccountType: string(d.AccountType),
		GLBalance:   shared.FormatAmount(d.GLBalance),
		Recomputed:  shared.FormatAmount(d.Recomputed),
		Difference:  shared.FormatAmount(d.Difference),
		IsMatch:     d.IsMatch,
	}
}

func (h *Handler) Period(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.parseID(w, r, "periodId")
	if !ok {
		return
	}
	onlyMismatches := r.URL.Query().Get("onlyMismatches") == "true"
	diffs, err := h.service.ReconcilePeriod(r.Context(), periodID, onlyMismatches)
	if err != nil {
		h.logger.Error("reconcile period", slog.Int64("period", periodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]diffResponse, 0, len(diffs))
	mismatches := 0
	for _, d := range diffs {
		if !d.IsMatch {
			mismatches++
		}
		out = append(out, toDiffResponse(d))
	}
	httpx.OK(w, map[string]any{
		"periodId":   periodID,
		"mismatches": mismatches,
		"diffs":      out,
	})
}

func (h *Handler) AccountActivity(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.parseID(w, r, "periodId")
	if !ok {
		return
	}
	accountID, ok := h.parseID(w, r, "accountId")
	if !ok {
		return
	}
	lines, err := h.service.AccountActivity(r.Context(), periodID, accountID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"entryId":     line.EntryID,
			"entryDate":   line.EntryDate.Format("2006-01-02"),
			"description": line.Desc,
			"debit":       shared.FormatAmount(line.Debit),
			"credit":      shared.FormatAmount(line.Credit),
			"postedAt":    line.PostedAt.Format(time.RFC3339),
		})
	}
	httpx.OK(w, out)
}

func (h *Handler) AutoCorrect(w http.ResponseWriter, r *http.Request) {
	if key := httpx.IdempotencyKey(r); key != "" {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, "recon.auto_correct"); err != nil {
			if err == shared.ErrIdempotencyConflict {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "request with this idempotency key was already processed")
				return
			}
			httpx.RespondError(w, err)
			return
		}
	}
	var req struct {
		PeriodID  int64  `json:"periodId" validate:"required"`
		Threshold string `json:"threshold" validate:"required"`
		DryRun    bool   `json:"dryRun"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	threshold, err := shared.ParseNonNegativeAmount(req.Threshold)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.AutoCorrect(r.Context(), req.PeriodID, threshold, req.DryRun)
	if err != nil {
		h.logger.Error("auto-correct", slog.Int64("period", req.PeriodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	corrections := make([]map[string]any, 0, len(result.Corrections))
	for _, c := range result.Corrections {
		item := map[string]any{
			"accountId":  c.AccountID,
			"difference": shared.FormatAmount(c.Difference),
			"applied":    c.Applied,
		}
		if c.EntryID != 0 {
			item["entryId"] = c.EntryID
		}
		corrections = append(corrections, item)
	}
	skipped := make([]diffResponse, 0, len(result.Skipped))
	for _, d := range result.Skipped {
		skipped = append(skipped, toDiffResponse(d))
	}
	httpx.OK(w, map[string]any{
		"periodId":    result.PeriodID,
		"dryRun":      result.DryRun,
		"corrections": corrections,
		"skipped":     skipped,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}
