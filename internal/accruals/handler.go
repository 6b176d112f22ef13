package accruals

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

// Handler exposes the accrual scheduler over HTTP.
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

// MountRoutes attaches accrual routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/rules", h.ListRules)
	r.Post("/rules", h.CreateRule)
	r.Get("/rules/{id}", h.RuleDetail)
	r.Post("/run-due", h.RunDue)
	r.Post("/run-reversals", h.RunReversals)
	r.Post("/run-period-end", h.RunPeriodEnd)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.RunDetail)
}

type ruleLineRequest struct {
	AccountID      int64  `json:"accountId" validate:"required"`
	Side           string `json:"side" validate:"required,oneof=DEBIT CREDIT"`
	Description    string `json:"description"`
	Amount         string `json:"amount"`
	BasisAccountID *int64 `json:"basisAccountId"`
	BasisRateBps   int64  `json:"basisRateBps"`
}

type deferralRequest struct {
	TotalAmount   string `json:"totalAmount" validate:"required"`
	PeriodCount   int    `json:"periodCount" validate:"required,min=1"`
	StartPeriodID int64  `json:"startPeriodId" validate:"required"`
}

type createRuleRequest struct {
	Code      string            `json:"code" validate:"required"`
	Name      string            `json:"name" validate:"required"`
	RuleType  string            `json:"ruleType" validate:"required"`
	Frequency string            `json:"frequency" validate:"required"`
	Memo      string            `json:"memo"`
	Lines     []ruleLineRequest `json:"lines" validate:"required,min=2,dive"`
	Deferral  *deferralRequest  `json:"deferral"`
}

type ruleLineResponse struct {
	LineNo         int    `json:"lineNo"`
	AccountID      int64  `json:"accountId"`
	Side           string `json:"side"`
	Description    string `json:"description"`
	Amount         string `json:"amount"`
	BasisAccountID *int64 `json:"basisAccountId,omitempty"`
	BasisRateBps   int64  `json:"basisRateBps,omitempty"`
}

type ruleResponse struct {
	ID        int64              `json:"id"`
	Code      string             `json:"code"`
	Name      string             `json:"name"`
	RuleType  string             `json:"ruleType"`
	Frequency string             `json:"frequency"`
	Status    string             `json:"status"`
	Memo      string             `json:"memo,omitempty"`
	LastRunAt *time.Time         `json:"lastRunAt,omitempty"`
	Lines     []ruleLineResponse `json:"lines,omitempty"`
	Deferral  map[string]any     `json:"deferral,omitempty"`
}

func toRuleResponse(rule AccrualRule) ruleResponse {
	resp := ruleResponse{
		ID:        rule.ID,
		Code:      rule.Code,
		Name:      rule.Name,
		RuleType:  string(rule.RuleType),
		Frequency: string(rule.Frequency),
		Status:    string(rule.Status),
		Memo:      rule.Memo,
		LastRunAt: rule.LastRunAt,
	}
	for _, line := range rule.Lines {
		resp.Lines = append(resp.Lines, ruleLineResponse{
			LineNo:         line.LineNo,
			AccountID:      line.AccountID,
			Side:           string(line.Side),
			Description:    line.Description,
			Amount:         shared.FormatAmount(line.Amount),
			BasisAccountID: line.BasisAccountID,
			BasisRateBps:   line.BasisRateBps,
		})
	}
	if rule.Deferral != nil {
		resp.Deferral = map[string]any{
			"totalAmount":   shared.FormatAmount(rule.Deferral.TotalAmount),
			"periodCount":   rule.Deferral.PeriodCount,
			"startPeriodId": rule.Deferral.StartPeriodID,
		}
	}
	return resp
}

type runResponse struct {
	ID         int64            `json:"id"`
	Kind       string           `json:"kind"`
	AsOfDate   *string          `json:"asOfDate,omitempty"`
	PeriodID   *int64           `json:"periodId,omitempty"`
	Status     string           `json:"status"`
	Processed  int              `json:"processed"`
	Reused     int              `json:"reused"`
	Failed     int              `json:"failed"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Entries    []map[string]any `json:"entries,omitempty"`
	Failures   []map[string]any `json:"failures,omitempty"`
}

func toRunResponse(run AccrualRun) runResponse {
	resp := runResponse{
		ID:         run.ID,
		Kind:       string(run.Kind),
		PeriodID:   run.PeriodID,
		Status:     string(run.Status),
		Processed:  run.Processed,
		Reused:     run.Reused,
		Failed:     run.Failed,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.AsOfDate != nil {
		formatted := run.AsOfDate.Format("2006-01-02")
		resp.AsOfDate = &formatted
	}
	for _, e := range run.Entries {
		resp.Entries = append(resp.Entries, map[string]any{
			"ruleId":         e.RuleID,
			"targetPeriodId": e.TargetPeriodID,
			"entryId":        e.EntryID,
		})
	}
	for _, f := range run.Failures {
		resp.Failures = append(resp.Failures, map[string]any{
			"ruleId": f.RuleID,
			"reason": f.Reason,
		})
	}
	return resp
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

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	filter := RuleFilter{
		RuleType:  RuleType(r.URL.Query().Get("ruleType")),
		Frequency: Frequency(r.URL.Query().Get("frequency")),
		Status:    RuleStatus(r.URL.Query().Get("status")),
	}
	rules, err := h.service.ListRules(r.Context(), filter)
	if err != nil {
		h.logger.Error("list accrual rules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	httpx.OK(w, out)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.guardIdempotency(w, r, "accruals.create_rule") {
		return
	}
	var req createRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]RuleLine, 0, len(req.Lines))
	for _, lr := range req.Lines {
		amount, err := shared.ParseNonNegativeAmount(lr.Amount)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		lines = append(lines, RuleLine{
			AccountID:      lr.AccountID,
			Side:           LineSide(lr.Side),
			Description:    lr.Description,
			Amount:         amount,
			BasisAccountID: lr.BasisAccountID,
			BasisRateBps:   lr.BasisRateBps,
		})
	}
	var deferral *DeferralSchedule
	if req.Deferral != nil {
		total, err := shared.ParseAmount(req.Deferral.TotalAmount)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		deferral = &DeferralSchedule{
			TotalAmount:   total,
			PeriodCount:   req.Deferral.PeriodCount,
			StartPeriodID: req.Deferral.StartPeriodID,
		}
	}
	rule, err := h.service.CreateRule(r.Context(), CreateRuleInput{
		Code:      req.Code,
		Name:      req.Name,
		RuleType:  RuleType(req.RuleType),
		Frequency: Frequency(req.Frequency),
		Memo:      req.Memo,
		Lines:     lines,
		Deferral:  deferral,
	})
	if err != nil {
		h.logger.Error("create accrual rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.Created(w, toRuleResponse(rule))
}

func (h *Handler) RuleDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	rule, err := h.service.RuleDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toRuleResponse(rule))
}

func (h *Handler) RunDue(w http.ResponseWriter, r *http.Request) {
	if !h.guardIdempotency(w, r, "accruals.run_due") {
		return
	}
	var req struct {
		AsOfDate string `json:"asOfDate" validate:"required,datetime=2006-01-02"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	asOf, _ := time.Parse("2006-01-02", req.AsOfDate)
	run, err := h.service.RunDue(r.Context(), asOf)
	if err != nil {
		h.logger.Error("run due accruals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toRunResponse(run))
}

func (h *Handler) RunReversals(w http.ResponseWriter, r *http.Request) {
	if !h.guardIdempotency(w, r, "accruals.run_reversals") {
		return
	}
	var req struct {
		PeriodID int64 `json:"periodId" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	run, err := h.service.RunReversals(r.Context(), req.PeriodID)
	if err != nil {
		h.logger.Error("run accrual reversals", slog.Int64("period", req.PeriodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toRunResponse(run))
}

func (h *Handler) RunPeriodEnd(w http.ResponseWriter, r *http.Request) {
	if !h.guardIdempotency(w, r, "accruals.run_period_end") {
		return
	}
	var req struct {
		PeriodID int64  `json:"periodId" validate:"required"`
		AsOfDate string `json:"asOfDate" validate:"omitempty,datetime=2006-01-02"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var asOf *time.Time
	if req.AsOfDate != "" {
		parsed, _ := time.Parse("2006-01-02", req.AsOfDate)
		asOf = &parsed
	}
	run, err := h.service.RunPeriodEnd(r.Context(), req.PeriodID, asOf)
	if err != nil {
		h.logger.Error("run period-end accruals", slog.Int64("period", req.PeriodID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toRunResponse(run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	periodID, _ := strconv.ParseInt(r.URL.Query().Get("periodId"), 10, 64)
	filter := RunFilter{
		Kind:     RunKind(r.URL.Query().Get("kind")),
		Status:   RunStatus(r.URL.Query().Get("status")),
		PeriodID: periodID,
	}
	runs, err := h.service.ListRuns(r.Context(), filter)
	if err != nil {
		h.logger.Error("list accrual runs", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	httpx.OK(w, out)
}

func (h *Handler) RunDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	run, err := h.service.RunDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, toRunResponse(run))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}
