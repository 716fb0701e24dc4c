package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/api/swagger"
	"github.com/bher20/sungrowbridge/internal/bridge"
	"github.com/bher20/sungrowbridge/internal/metrics"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const firstRunHint = ". If this is first run, visit GET /auth/start and complete OAuth."

// Bridge is the service surface the HTTP layer exposes.
type Bridge interface {
	AuthURL() string
	AuthorizeWithCode(ctx context.Context, code string) error
	GetRealtimeAll(ctx context.Context) (bridge.Realtime, error)
	GetRealtimeForPlant(ctx context.Context, name string) (bridge.Snapshot, error)
	KnownPlants() map[string]string
	RefreshPlants(ctx context.Context) (map[string]string, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewMux constructs the HTTP handler, wiring in the bridge service, metrics,
// docs and health endpoints. ready may be nil.
func NewMux(svc Bridge, ready Pinger, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Metrics endpoint.
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health / readiness / liveness.
	mux.HandleFunc("GET /health", instrument("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
	}))
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready.Ping(r.Context()); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readyz: state backend ping failed")
				http.Error(w, "state backend not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live"))
	})

	// OAuth.
	mux.HandleFunc("GET /auth/start", instrument("/auth/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"authorize_url": svc.AuthURL()})
	}))
	mux.HandleFunc("GET /auth/callback", instrument("/auth/callback", handleAuthCallback(svc)))

	// Realtime API.
	mux.HandleFunc("POST /realtime", instrument("/realtime", handleRealtime(svc, func(rt bridge.Realtime) any {
		return rt
	})))
	mux.HandleFunc("POST /sg/realtime", instrument("/sg/realtime", handleRealtime(svc, func(rt bridge.Realtime) any {
		return rt.Plants.SG
	})))
	mux.HandleFunc("POST /sh/realtime", instrument("/sh/realtime", handleRealtime(svc, func(rt bridge.Realtime) any {
		return rt.Plants.SH
	})))
	mux.HandleFunc("POST /realtime/loxone", instrument("/realtime/loxone", handleRealtime(svc, func(rt bridge.Realtime) any {
		return bridge.FlattenLoxone(rt)
	})))

	// Diagnostics.
	RegisterPlantHandlers(mux, svc)

	// API docs.
	mux.Handle("/docs/", http.StripPrefix("/docs", swagger.Handler()))

	return withRequestID(jsonFallback(mux), logger)
}

// jsonFallback lets the mux answer unmatched requests, but writes its 404 and
// 405 responses as {"detail": ...}. The Allow header set by the mux is kept.
func jsonFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(&detailWriter{ResponseWriter: w, r: r}, r)
	})
}

// detailWriter rewrites plain-text error responses into the JSON error shape
// and drops the original body.
type detailWriter struct {
	http.ResponseWriter
	r         *http.Request
	rewritten bool
}

func (d *detailWriter) WriteHeader(code int) {
	if code != http.StatusNotFound && code != http.StatusMethodNotAllowed {
		d.ResponseWriter.WriteHeader(code)
		return
	}
	d.rewritten = true
	d.Header().Del("X-Content-Type-Options")
	writeError(d.ResponseWriter, d.r, code, http.StatusText(code))
}

func (d *detailWriter) Write(b []byte) (int, error) {
	if d.rewritten {
		return len(b), nil
	}
	return d.ResponseWriter.Write(b)
}

func handleAuthCallback(svc Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			writeError(w, r, http.StatusBadRequest, "missing required query parameter: code")
			return
		}
		if err := svc.AuthorizeWithCode(r.Context(), code); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("authorization failed")
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"ok":      true,
			"message": "Authorized. You can now call POST /realtime",
		})
	}
}

// handleRealtime serves a view of the combined snapshot.
func handleRealtime(svc Bridge, view func(bridge.Realtime) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, err := svc.GetRealtimeAll(r.Context())
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, view(rt))
	}
}

// writeUpstreamError reports a failed realtime or plant operation as 500
// with the first-run hint.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ev := zerolog.Ctx(r.Context()).Error().Err(err)
	var up *bridge.UpstreamFetchError
	if errors.As(err, &up) {
		ev = ev.Bool("timeout", up.Timeout()).Bool("retryable", up.Retryable())
	}
	ev.Msg("realtime request failed")
	writeError(w, r, http.StatusInternalServerError, err.Error()+firstRunHint)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, r, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if status >= 400 {
		metrics.RequestErrorsTotal.WithLabelValues(metricPath(r), strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("encode response failed")
	}
}

// metricPath labels a request by its route. Requests no route matched share
// one label so unknown paths cannot grow the series set.
func metricPath(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.URL.Path
}

// instrument records request count and duration under path.
func instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			metrics.RequestDurationSeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
		}()
		metrics.RequestsTotal.WithLabelValues(path).Inc()
		h(w, r)
	}
}

// withRequestID propagates or assigns X-Request-ID and attaches a request
// scoped logger to the context.
func withRequestID(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		reqLogger := logger.With().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		next.ServeHTTP(w, r.WithContext(reqLogger.WithContext(r.Context())))
	})
}
