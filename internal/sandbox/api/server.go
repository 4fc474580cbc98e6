// Package api is the orchestrator's HTTP surface: instance CRUD plus /health
// and /status.
//
//	POST   /instances                 launch an instance
//	GET    /instances                 list live instances
//	GET    /instances/{id}            fetch one record
//	POST   /instances/{id}/metadata   merge metadata
//	DELETE /instances/{id}            kill an instance
//
// Every response is {ok, message, data?}. Business outcomes are carried by ok
// and message; the status code mirrors them for clients that only look there.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sandboxlab/sandboxd/common/trace"
	"github.com/sandboxlab/sandboxd/common/version"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Launcher is the lifecycle surface the API drives.
type Launcher interface {
	Launch(ctx context.Context, req *instance.CreateRequest) (*instance.Instance, error)
	Kill(ctx context.Context, instanceID string) (*instance.Instance, error)
}

// Store is the registry surface the API reads and patches.
type Store interface {
	Get(ctx context.Context, instanceID string) (*instance.Instance, error)
	List(ctx context.Context) ([]*instance.Instance, error)
	Count(ctx context.Context) (int, error)
	UpdateMetadata(ctx context.Context, instanceID string, patch map[string]string) error
}

// Server serves the orchestrator API.
type Server struct {
	addr      string
	launcher  Launcher
	store     Store
	backend   string
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// NewServer creates and configures the HTTP server (does not start it).
// backendName is reported by /status.
func NewServer(addr string, l Launcher, st Store, backendName string) *Server {
	s := &Server{
		addr:      addr,
		launcher:  l,
		store:     st,
		backend:   backendName,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /instances", s.handleCreate)
	s.mux.HandleFunc("GET /instances", s.handleList)
	s.mux.HandleFunc("GET /instances/{id}", s.handleGet)
	s.mux.HandleFunc("POST /instances/{id}/metadata", s.handleMetadata)
	s.mux.HandleFunc("DELETE /instances/{id}", s.handleDelete)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trace.Middleware(s.mux).ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener is
// open and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	// Launches block on provisioning, so there is no write timeout.
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	Backend       string    `json:"backend"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	InstanceCount int       `json:"instance_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count := 0
	if n, err := s.store.Count(r.Context()); err == nil {
		count = n
	} else {
		slog.Warn("status: instance count unavailable", "err", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.GitCommit,
		BuildTime:     version.BuildTime,
		Backend:       s.backend,
		StartedAt:     s.startedAt,
		UptimeSecs:    time.Since(s.startedAt).Seconds(),
		InstanceCount: count,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
