package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/circuitbreaker"
	"github.com/kjstillabower/epsgram-notifier/internal/lifecycle"
	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/service"
	"github.com/kjstillabower/epsgram-notifier/internal/traffic"
	"github.com/kjstillabower/epsgram-notifier/internal/validation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// suggestDistance bounds "did you mean" hints for unknown locations.
const suggestDistance = 3

// PlotAPI is the part of the plot service the handlers use.
type PlotAPI interface {
	GlobalBasetime() time.Time
	Status() []service.StationStatus
	StationStatus(name string) (service.StationStatus, error)
	PlotsFor(ctx context.Context, name string) ([]string, error)
}

// LocationIndex resolves request input to configured locations.
type LocationIndex interface {
	Lookup(name string) (models.Location, bool)
	Suggest(input string, maxDistance int) string
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// MinRequests is the number of upstream outcomes in the window below
	// which the error rate is not judged.
	MinRequests int
	// BreakerState, when set, reports the upstream circuit breaker.
	BreakerState func() circuitbreaker.State
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	plots            PlotAPI
	locations        LocationIndex
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(plots PlotAPI, locations LocationIndex, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		plots:        plots,
		locations:    locations,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

type locationsResponse struct {
	GlobalBasetime string                  `json:"globalBasetime,omitempty"`
	Locations      []service.StationStatus `json:"locations"`
}

// GetLocations handles GET /locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, locationsResponse{
		GlobalBasetime: models.FormatBasetime(h.plots.GlobalBasetime()),
		Locations:      h.plots.Status(),
	})
}

type plotsResponse struct {
	Location string   `json:"location"`
	Basetime string   `json:"basetime,omitempty"`
	Plots    []string `json:"plots"`
}

// GetPlots handles GET /plots/{location}: the charts of one location at its
// current run, fetched on demand. Broadcast state is not touched.
func (h *Handler) GetPlots(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateLocation(mux.Vars(r)["location"], validation.DefaultMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	loc, ok := h.locations.Lookup(name)
	if !ok {
		msg := "unknown location " + name
		if hint := h.locations.Suggest(name, suggestDistance); hint != "" {
			msg += "; did you mean " + hint + "?"
		}
		writeError(w, r, http.StatusNotFound, "UNKNOWN_LOCATION", msg)
		return
	}

	paths, err := h.plots.PlotsFor(r.Context(), loc.Name)
	if len(paths) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "PLOTS_UNAVAILABLE", "Unable to fetch charts for "+loc.Name)
		if logger := requestLogger(r); logger != nil {
			logger.Debug("on-demand plots unavailable", zap.String("location", loc.Name), zap.Error(err))
		}
		return
	}
	resp := plotsResponse{Location: loc.Name, Plots: paths}
	if st, err := h.plots.StationStatus(loc.Name); err == nil {
		resp.Basetime = st.Basetime
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["chartsApi"] = "unhealthy"
	} else {
		checks["chartsApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":         result.status,
		"service":        "epsgram-notifier",
		"version":        "dev",
		"checks":         checks,
		"globalBasetime": models.FormatBasetime(h.plots.GlobalBasetime()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates, in order: shutting-down > starting >
// breaker open > upstream error rate > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "init"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.BreakerState != nil && h.healthConfig.BreakerState() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && total >= h.healthConfig.MinRequests {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return logger
	}
	return nil
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
