package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/assessment"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/riskconfig"
)

// Dependencies are the collaborators of the HTTP handlers. Repo, Cache and
// Bus are only used for health reporting and may be nil.
type Dependencies struct {
	Service  *assessment.Service
	Provider *riskconfig.Provider
	Configs  domain.ConfigStore
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Dependencies
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

// ResponseMetadata accompanies assessment responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// AssessmentResponse is an assessment with its three key factors pulled out.
type AssessmentResponse struct {
	*domain.CreditAssessment
	KeyFactors []domain.AssessmentFactor `json:"keyFactors"`
	Metadata   ResponseMetadata          `json:"metadata"`
}

// InvalidateRequest is the body of POST /assessments/{id}/invalidate.
type InvalidateRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ConfigResponse describes the configuration currently served.
type ConfigResponse struct {
	Version    string                         `json:"version"`
	LoadedAt   time.Time                      `json:"loadedAt"`
	RuleSet    *domain.RuleSet                `json:"ruleSet"`
	Thresholds *domain.ThresholdConfiguration `json:"thresholds"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAssessmentNotFound:
		return http.StatusNotFound
	case domain.KindInvalidStateTransition, domain.KindDualControlViolation, domain.KindConcurrentModification:
		return http.StatusConflict
	case domain.KindConfigurationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON request body"}
	}
	return nil
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, a *domain.CreditAssessment, start time.Time) {
	writeJSON(w, status, AssessmentResponse{
		CreditAssessment: a,
		KeyFactors:       a.KeyFactors(3),
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(r.Context()),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// CreateAssessment handles POST /assessments.
func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req domain.AssessmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.deps.Service.Assess(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, a, start)
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	a, err := h.deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, a, start)
}

// ReplayAssessment handles GET /assessments/{id}/replay.
func (h *Handler) ReplayAssessment(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Service.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OverrideAssessment handles POST /assessments/{id}/override.
func (h *Handler) OverrideAssessment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req domain.OverrideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.deps.Service.ApplyOverride(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, a, start)
}

// InvalidateAssessment handles POST /assessments/{id}/invalidate.
func (h *Handler) InvalidateAssessment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req InvalidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.deps.Service.Invalidate(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, a, start)
}

// ListLoanApplicationAssessments handles GET /loan-applications/{id}/assessments.
func (h *Handler) ListLoanApplicationAssessments(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": list,
		"count":       len(list),
	})
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Provider.Snapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Version:    snap.Version,
		LoadedAt:   snap.LoadedAt,
		RuleSet:    snap.RuleSet,
		Thresholds: snap.Thresholds,
	})
}

// ReloadConfig handles POST /config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	previous := h.deps.Provider.Version()
	if err := h.deps.Provider.Refresh(r.Context()); err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			err = errors.Join(domain.ErrConfigurationUnavailable, err)
		}
		writeError(w, r, err)
		return
	}

	slog.Info("risk config reloaded via API",
		"previous_version", previous,
		"config_version", h.deps.Provider.Version(),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"previousVersion": previous,
		"version":         h.deps.Provider.Version(),
	})
}

// PublishRuleSet handles POST /config/rules. The rule set is compiled before
// it is stored and becomes active on the next refresh, which is triggered
// immediately.
func (h *Handler) PublishRuleSet(w http.ResponseWriter, r *http.Request) {
	var rs domain.RuleSet
	if err := decode(r, &rs); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.deps.Provider.Compiler().Compile(&rs); err != nil {
		writeError(w, r, err)
		return
	}
	rs.CreatedAt = time.Now().UTC()
	if err := h.deps.Configs.SaveRuleSet(r.Context(), &rs); err != nil {
		writeError(w, r, err)
		return
	}
	h.published(w, r, "rule set", rs.Version)
}

// PublishThresholds handles POST /config/thresholds.
func (h *Handler) PublishThresholds(w http.ResponseWriter, r *http.Request) {
	var tc domain.ThresholdConfiguration
	if err := decode(r, &tc); err != nil {
		writeError(w, r, err)
		return
	}
	if err := tc.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	tc.CreatedAt = time.Now().UTC()
	if err := h.deps.Configs.SaveThresholds(r.Context(), &tc); err != nil {
		writeError(w, r, err)
		return
	}
	h.published(w, r, "thresholds", tc.Version)
}

func (h *Handler) published(w http.ResponseWriter, r *http.Request, what, version string) {
	slog.Info("risk config published", "document", what, "version", version)

	resp := map[string]string{"published": version}
	if err := h.deps.Provider.Refresh(r.Context()); err != nil {
		resp["refreshError"] = err.Error()
	}
	resp["activeVersion"] = h.deps.Provider.Version()
	writeJSON(w, http.StatusCreated, resp)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.deps.Repo != nil {
		checks["repository"] = check(h.deps.Repo.Ping(r.Context()))
	}
	if h.deps.Cache != nil {
		checks["cache"] = check(h.deps.Cache.Ping(r.Context()))
	}
	if h.deps.Bus != nil {
		checks["bus"] = check(h.deps.Bus.Ping(r.Context()))
	}
	for _, c := range checks {
		if c != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"configVersion": h.deps.Provider.Version(),
		"checks":        checks,
	})
}

func check(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// Ready handles GET /ready. The service is ready once a configuration
// snapshot is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Provider.Snapshot(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
