// Package httpapi exposes the per-user speaking-test runtimes over HTTP.
//
// All user routes live under /v1/users/{user}/. The client polls the
// current session for its state, the notices it has to show and the
// navigations it has to perform, and streams microphone audio over the
// /audio WebSocket bridge. An open bridge is what the server accepts as
// proof of a working microphone.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/health"
	"github.com/MrWong99/speakwell/internal/navguard"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/permission"
	"github.com/MrWong99/speakwell/internal/recorder"
	"github.com/MrWong99/speakwell/internal/results"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Runtimes hands out per-user runtimes.
type Runtimes interface {
	Runtime(ctx context.Context, userID string) (*app.Runtime, error)
	Lookup(userID string) (*app.Runtime, bool)
}

// Config configures a [Server].
type Config struct {
	Runtimes Runtimes        // required
	Results  results.Store   // required
	Checkers []health.Checker

	// AllowedOrigins lists the browser origins allowed to call the API and
	// open the audio bridge. Empty means same-origin only; "*" allows all.
	AllowedOrigins []string

	// Version is reported by /healthz.
	Version string

	// MetricsHandler serves GET /metrics. Default: the Prometheus default
	// registry.
	MetricsHandler http.Handler

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server routes HTTP requests to user runtimes.
type Server struct {
	runtimes Runtimes
	results  results.Store
	origins  []string
	health   *health.Handler
	scrape   http.Handler
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Runtimes == nil {
		return nil, errors.New("httpapi: runtimes are required")
	}
	if cfg.Results == nil {
		return nil, errors.New("httpapi: results store is required")
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		runtimes: cfg.Runtimes,
		results:  cfg.Results,
		origins:  cfg.AllowedOrigins,
		health:   health.New(cfg.Checkers, health.WithVersion(cfg.Version)),
		scrape:   cfg.MetricsHandler,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/users/{user}/sessions", s.withRuntime(s.startSession))
	mux.HandleFunc("GET /v1/users/{user}/sessions/current", s.withRuntime(s.currentSession))
	mux.HandleFunc("DELETE /v1/users/{user}/sessions/current", s.withRuntime(s.stopSession))
	mux.HandleFunc("POST /v1/users/{user}/sessions/current/finalize", s.withRuntime(s.finalizeSession))
	mux.HandleFunc("POST /v1/users/{user}/volume", s.withRuntime(s.setVolume))
	mux.HandleFunc("POST /v1/users/{user}/permissions/microphone", s.withRuntime(s.reportPermission))
	mux.HandleFunc("POST /v1/users/{user}/navigation", s.withRuntime(s.navigate))
	mux.HandleFunc("POST /v1/users/{user}/navigation/confirm", s.withRuntime(s.confirmNavigation))
	mux.HandleFunc("POST /v1/users/{user}/navigation/cancel", s.withRuntime(s.cancelNavigation))
	mux.HandleFunc("POST /v1/users/{user}/unload", s.withRuntime(s.unload))
	mux.HandleFunc("GET /v1/users/{user}/audio", s.withRuntime(s.audioBridge))
	mux.HandleFunc("GET /v1/users/{user}/results", s.listResults)
	mux.HandleFunc("GET /v1/users/{user}/results/{id}", s.getResult)

	s.health.Register(mux)
	mux.Handle("GET /metrics", s.scrape)

	return observe.Middleware(s.metrics)(s.cors(mux))
}

type runtimeHandler func(w http.ResponseWriter, r *http.Request, rt *app.Runtime)

// withRuntime resolves the {user} path segment to its runtime. The user is
// attached to the request context for spans and logs further down.
func (s *Server) withRuntime(h runtimeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(observe.WithUser(r.Context(), r.PathValue("user")))
		rt, err := s.runtimes.Runtime(r.Context(), r.PathValue("user"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, rt)
	}
}

// ── Responses ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps domain errors to an HTTP status and a stable error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, recorder.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, recorder.ErrFinalizing):
		return http.StatusConflict, "finalizing"
	case errors.Is(err, recorder.ErrUnfinishedTest):
		return http.StatusConflict, "unfinished_test"
	case errors.Is(err, app.ErrBridgeAttached):
		return http.StatusConflict, "audio_bridged"
	case errors.Is(err, navguard.ErrNoPendingNavigation):
		return http.StatusConflict, "no_pending_navigation"
	case errors.Is(err, recorder.ErrInvalidMode), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, recorder.ErrNoTest), errors.Is(err, results.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, recorder.ErrTranscriptTooShort):
		return http.StatusUnprocessableEntity, "transcript_too_short"
	case errors.Is(err, permission.ErrMicrophoneDenied):
		return http.StatusForbidden, "microphone_denied"
	case errors.Is(err, permission.ErrMicrophoneUnavailable):
		return http.StatusPreconditionFailed, "microphone_unavailable"
	case errors.Is(err, billing.ErrInsufficientMinutes):
		return http.StatusPaymentRequired, "insufficient_minutes"
	case errors.Is(err, app.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers with the mapped status. Internal errors are logged and
// never echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("httpapi: request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

var errBadRequest = errors.New("httpapi: bad request")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Join(errBadRequest, err)
	}
	return nil
}
