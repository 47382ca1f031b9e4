package weather

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// API exposes providers over HTTP.
type API struct {
	random   Provider
	external Provider
	logger   *slog.Logger
}

// NewAPI creates the weather API. random serves /api/weather/{city} and
// external serves /api/weather/external/{city}.
func NewAPI(random, external Provider, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{random: random, external: external, logger: logger}
}

// Routes returns the HTTP handler of the API.
func (a *API) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(a.logger))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/api/weather/external/{city}", a.handle(a.external))
	router.Get("/api/weather/{city}", a.handle(a.random))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})

	return router
}

func (a *API) handle(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		city := chi.URLParam(r, "city")
		if decoded, err := url.PathUnescape(city); err == nil {
			city = decoded
		}
		writeJSON(w, http.StatusOK, provider.Weather(r.Context(), city))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start),
			}
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				args = append(args, "request_id", reqID)
			}

			logger.Info("request completed", args...)
		})
	}
}

// Server runs the API on an address.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server for api on addr.
func NewServer(addr string, api *API) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      api.Routes(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
