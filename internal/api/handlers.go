package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/applyflow/applyflow-analytics/internal/aggregate"
	"github.com/applyflow/applyflow-analytics/internal/ingest"
	"github.com/applyflow/applyflow-analytics/internal/insight"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/predict"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

// Handlers binds the analytics components to their HTTP surface.
type Handlers struct {
	logger     *slog.Logger
	collector  *ingest.Collector
	aggregator *aggregate.Engine
	insights   *insight.Generator
	predictor  *predict.Engine
	now        func() time.Time
}

// NewHandlers constructs the HTTP handler set. now may be nil for wall-clock
// time.
func NewHandlers(logger *slog.Logger, collector *ingest.Collector, aggregator *aggregate.Engine,
	insights *insight.Generator, predictor *predict.Engine, now func() time.Time) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		logger:     logger,
		collector:  collector,
		aggregator: aggregator,
		insights:   insights,
		predictor:  predictor,
		now:        now,
	}
}

// Routes assembles the versioned API router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/metrics", func(r chi.Router) {
			r.Post("/", h.submitMetric)
			r.Post("/batch", h.submitMetricBatch)
			r.Get("/query", h.queryMetrics)
		})

		r.Route("/aggregation", func(r chi.Router) {
			r.Post("/rules", h.createRule)
			r.Get("/rules", h.listRules)
			r.Patch("/rules/{id}/active", h.setRuleActive)
			r.Post("/run", h.runAggregation)
			r.Get("/data", h.aggregatedData)
		})

		r.Route("/insights", func(r chi.Router) {
			r.Post("/generate", h.generateInsights)
			r.Get("/", h.listInsights)
			r.Get("/trends", h.trends)
			r.Get("/anomalies", h.anomalies)
			r.Get("/correlations", h.correlations)
		})

		r.Route("/predictions", func(r chi.Router) {
			r.Get("/forecast", h.forecast)
			r.Get("/success/{studentID}", h.studentSuccess)
			r.Get("/benchmark/{studentID}", h.studentBenchmark)
			r.Post("/timeline", h.optimizeTimeline)
		})
	})

	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": h.collector.Pending(),
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// --- metrics ---

func (h *Handlers) submitMetric(w http.ResponseWriter, r *http.Request) {
	var obs models.MetricObservation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.collector.Submit(r.Context(), obs); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type batchRequest struct {
	Metrics []models.MetricObservation `json:"metrics"`
}

func (h *Handlers) submitMetricBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "metrics array is empty")
		return
	}
	if err := h.collector.SubmitBatch(r.Context(), req.Metrics); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"received": len(req.Metrics),
	})
}

func (h *Handlers) queryMetrics(w http.ResponseWriter, r *http.Request) {
	filter, err := observationFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if groupBy := r.URL.Query().Get("groupBy"); groupBy != "" {
		kind := models.AggregationKind(r.URL.Query().Get("aggregation"))
		if kind == "" {
			kind = models.AggregationAvg
		}
		groups, err := h.collector.QueryGrouped(r.Context(), filter, kind, strings.Split(groupBy, ","))
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"groups": emptySliceGrouped(groups)})
		return
	}

	observations, err := h.collector.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": emptySliceObservations(observations)})
}

func observationFilterFromQuery(r *http.Request) (models.ObservationFilter, error) {
	q := r.URL.Query()
	filter := models.ObservationFilter{
		StudentID: q.Get("studentId"),
	}
	if names := q.Get("names"); names != "" {
		filter.Names = strings.Split(names, ",")
	}
	if v := q.Get("start"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			return filter, err
		}
		filter.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			return filter, err
		}
		filter.End = t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// --- aggregation ---

func (h *Handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AggregationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.aggregator.CreateRule(r.Context(), rule)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) listRules(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("active") == "true"
	rules, err := h.aggregator.ListRules(r.Context(), onlyActive)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": emptySliceRules(rules)})
}

type ruleActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handlers) setRuleActive(w http.ResponseWriter, r *http.Request) {
	var req ruleActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.aggregator.SetRuleActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

type runAggregationRequest struct {
	RuleID string `json:"ruleId,omitempty"`
	Window string `json:"window,omitempty"`
}

func (h *Handlers) runAggregation(w http.ResponseWriter, r *http.Request) {
	var req runAggregationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	window := models.TimeWindow(req.Window)
	if req.Window != "" && !window.Valid() {
		writeError(w, http.StatusBadRequest, "unknown time window")
		return
	}
	if err := h.aggregator.RunAggregation(r.Context(), req.RuleID, window); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handlers) aggregatedData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AggregateFilter{
		MetricName: q.Get("metric"),
		Window:     models.TimeWindow(q.Get("window")),
	}
	if v := q.Get("start"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.End = t
	}
	records, err := h.aggregator.GetAggregatedData(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": emptySliceRecords(records)})
}

// --- insights ---

type generateRequest struct {
	Timeframe string `json:"timeframe,omitempty"`
}

func (h *Handlers) generateInsights(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	insights, err := h.insights.Generate(r.Context(), req.Timeframe)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"insights": emptySliceInsights(insights)})
}

func (h *Handlers) listInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	insights, err := h.insights.GetInsights(r.Context(), q.Get("category"), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"insights": emptySliceInsights(insights)})
}

func (h *Handlers) trends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	analysis, err := h.insights.AnalyzeTrends(r.Context(), q.Get("metric"), timeWindowParam(q.Get("period")))
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientData) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"trend": nil, "message": "insufficient data"})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trend": analysis})
}

func (h *Handlers) anomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	anomalies, err := h.insights.DetectAnomalies(r.Context(), q.Get("metric"), timeWindowParam(q.Get("period")))
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientData) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": []models.Anomaly{}, "message": "insufficient data"})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": anomalies})
}

func (h *Handlers) correlations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metricNames := strings.Split(q.Get("metrics"), ",")
	if q.Get("metrics") == "" {
		metricNames = nil
	}
	correlations, err := h.insights.FindCorrelations(r.Context(), metricNames, timeWindowParam(q.Get("period")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if correlations == nil {
		correlations = []models.Correlation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"correlations": correlations})
}

func timeWindowParam(v string) models.TimeWindow {
	if v == "" {
		return models.WindowDay
	}
	return models.TimeWindow(v)
}

// --- predictions ---

func (h *Handlers) forecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := 0
	if v := q.Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = parsed
	}
	kind, err := models.ParseModelKind(q.Get("model"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	predictions, err := h.predictor.PredictMetric(r.Context(), q.Get("metric"), days, kind)
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientData) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"predictions": []models.Prediction{}, "message": "insufficient data"})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"predictions": predictions})
}

func (h *Handlers) studentSuccess(w http.ResponseWriter, r *http.Request) {
	prediction, err := h.predictor.PredictStudentSuccess(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

func (h *Handlers) studentBenchmark(w http.ResponseWriter, r *http.Request) {
	benchmark, err := h.predictor.BenchmarkStudent(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientData) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"benchmark": nil, "message": "insufficient data"})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, benchmark)
}

type timelineRequest struct {
	StudentID string   `json:"studentId"`
	Deadline  string   `json:"deadline"`
	Tasks     []string `json:"tasks"`
}

func (h *Handlers) optimizeTimeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deadline, err := utils.ParseRFC3339(req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC3339")
		return
	}
	plan, err := h.predictor.OptimizeTimeline(r.Context(), req.StudentID, deadline, req.Tasks)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// --- shared helpers ---

// writeDomainError maps the error taxonomy onto status codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, utils.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func emptySliceObservations(in []models.MetricObservation) []models.MetricObservation {
	if in == nil {
		return []models.MetricObservation{}
	}
	return in
}

func emptySliceGrouped(in []models.GroupedSummary) []models.GroupedSummary {
	if in == nil {
		return []models.GroupedSummary{}
	}
	return in
}

func emptySliceRules(in []models.AggregationRule) []models.AggregationRule {
	if in == nil {
		return []models.AggregationRule{}
	}
	return in
}

func emptySliceRecords(in []models.AggregatedRecord) []models.AggregatedRecord {
	if in == nil {
		return []models.AggregatedRecord{}
	}
	return in
}

func emptySliceInsights(in []models.Insight) []models.Insight {
	if in == nil {
		return []models.Insight{}
	}
	return in
}
