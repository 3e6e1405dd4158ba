package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "flowpulse/pkg/logx"
)

// NewRouter builds the control API. token, when set, guards every route
// except /healthz.
func NewRouter(d Deps, log logx.Logger, token string, pprof bool) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", h.healthz)

	r.Group(func(api chi.Router) {
		api.Use(bearer(token))

		api.Post("/session", h.signIn)
		api.Delete("/session", h.signOut)

		api.Get("/schedules", h.listSchedules)
		api.Get("/dispatches", h.listDispatches)

		api.Route("/workflows/{id}", func(wf chi.Router) {
			wf.Get("/", h.getWorkflow)
			wf.Put("/", h.putWorkflow)
			wf.Put("/schedule", h.putSchedule)
			wf.Delete("/schedule", h.deleteSchedule)
			wf.Post("/refresh", h.refresh)
			wf.Post("/run", h.run)
		})

		if pprof {
			api.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
