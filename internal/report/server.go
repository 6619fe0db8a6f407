package report

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Source supplies the snapshot served at /report.
type Source interface {
	Snapshot() Snapshot
}

// StatusServer exposes the live report and a cancel action over HTTP.
type StatusServer struct {
	mu     sync.RWMutex
	source Source
	cancel *CancelSignal
	srv    *http.Server
	ln     net.Listener
}

// NewStatusServer creates a server for cancel. Attach sets the report once a
// run has started.
func NewStatusServer(cancel *CancelSignal) *StatusServer {
	return &StatusServer{cancel: cancel}
}

// Attach sets the report served at /report.
func (s *StatusServer) Attach(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Routes returns the router.
func (s *StatusServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/report", s.handleReport)
	r.Post("/cancel", s.handleCancel)
	return r
}

func (s *StatusServer) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no run in progress"})
		return
	}
	snap := src.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Snapshot
		Fraction        float64 `json:"fraction"`
		CancelRequested bool    `json:"cancel_requested"`
	}{snap, snap.Fraction(), s.cancel.Requested()})
}

func (s *StatusServer) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if s.cancel == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "cancellation not supported"})
		return
	}
	if s.cancel.Cancel() {
		zap.L().Info("cancellation requested over http")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on addr and serves until ctx is done or Shutdown is called.
func (s *StatusServer) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "report: listen %s", addr)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("status server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	zap.L().Info("status server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address after Start.
func (s *StatusServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return eris.Wrap(s.srv.Shutdown(ctx), "report: shutdown status server")
}
