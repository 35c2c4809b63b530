package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// MetricsHandler serves build performance metrics.
type MetricsHandler struct {
	collector metrics.BuildMetricsCollector
	logger    *slog.Logger
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(collector metrics.BuildMetricsCollector, logger *slog.Logger) *MetricsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsHandler{collector: collector, logger: logger}
}

// Aggregate handles GET /v1/metrics. Optional filters: project, status,
// success, since and until (RFC 3339).
func (h *MetricsHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMetricsFilter(r)
	if err != nil {
		WriteErr(w, r, h.logger, "invalid metrics filter", err)
		return
	}
	agg, err := h.collector.GetAggregateMetrics(r.Context(), filter)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to aggregate metrics", err)
		return
	}
	WriteJSON(w, http.StatusOK, agg)
}

// Build handles GET /v1/builds/{buildID}/metrics.
func (h *MetricsHandler) Build(w http.ResponseWriter, r *http.Request) {
	m, err := h.collector.GetMetrics(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		WriteErr(w, r, h.logger, "failed to get build metrics", err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

func parseMetricsFilter(r *http.Request) (metrics.MetricsFilter, error) {
	q := r.URL.Query()
	f := metrics.MetricsFilter{ProjectName: q.Get("project")}
	if s := q.Get("status"); s != "" {
		f.Status = models.BuildStatus(s)
		if !f.Status.Valid() {
			return f, validation.Errorf("status", "unknown build status %q", s)
		}
	}
	if s := q.Get("success"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return f, validation.Errorf("success", "must be true or false")
		}
		f.Success = &v
	}
	for _, tq := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.StartTime}, {"until", &f.EndTime}} {
		s := q.Get(tq.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, validation.Errorf(tq.name, "must be an RFC 3339 time")
		}
		*tq.dst = &t
	}
	return f, nil
}
