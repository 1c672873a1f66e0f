package ipc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with scheduler-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. A non-nil
// registry is exposed on /metrics.
func NewServer(h *Handler, listenAddr string, reg *prometheus.Registry) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           NewRouter(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// NewRouter builds the API routes.
func NewRouter(h *Handler, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	// Health and status endpoints.
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)

	// Intake endpoints.
	mux.HandleFunc("POST /api/v1/tickets", h.SubmitTicket)
	mux.HandleFunc("GET /api/v1/backlog", h.ListBacklog)

	// Live bug endpoints.
	mux.HandleFunc("GET /api/v1/bugs", h.ListBugs)
	mux.HandleFunc("GET /api/v1/bugs/{bugID}", h.GetBug)
	mux.HandleFunc("POST /api/v1/bugs/{bugID}/entropy", h.RecordEntropy)

	// History endpoints.
	mux.HandleFunc("GET /api/v1/outcomes", h.ListOutcomes)
	mux.HandleFunc("GET /api/v1/bugs/{bugID}/outcome", h.GetOutcome)
	mux.HandleFunc("GET /api/v1/bugs/{bugID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/bugs/{bugID}/events/stream", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/bugs/{bugID}/audit", h.ListAudit)

	// Tuning endpoint.
	mux.HandleFunc("PUT /api/v1/tuning/ticks", h.SetTicks)

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FormatListenURL turns a listen address into a URL a local client can open.
// An empty or wildcard host becomes localhost.
func FormatListenURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
