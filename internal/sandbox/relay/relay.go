// Package relay exposes instance nodes to external callers without revealing
// where they run.
//
//	GET  /                               liveness
//	POST /{external_id}/{node_id}        JSON-RPC request or batch
//	GET  /{external_id}/{node_id}/ws     JSON-RPC over WebSocket
//
// Requests are validated before they are forwarded: only the web3, eth and
// net namespaces are open to everyone, signing methods are closed to
// everyone, and anything else needs the admin bearer secret.
//
// An HTTP batch with invalid entries is still forwarded: those entries are
// swapped for harmless calls and their errors are spliced back into the
// node's reply. A WebSocket batch with any invalid entry is instead
// answered by the relay alone, one error per entry, and nothing from it
// reaches the node.
package relay

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlab/sandboxd/common/logging"
	"github.com/sandboxlab/sandboxd/common/redact"
	"github.com/sandboxlab/sandboxd/common/trace"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

const (
	// maxBodyBytes caps inbound request bodies and WebSocket frames.
	maxBodyBytes = 1 * 1024 * 1024 // 1 MiB
	// maxUpstreamBytes caps node responses; log queries can be large.
	maxUpstreamBytes = 32 * 1024 * 1024
)

var (
	errUnknownInstance = errors.New("invalid rpc url, instance not found")
	errUnknownNode     = errors.New("invalid rpc url, chain not found")
)

// Resolver finds the record behind an external id.
type Resolver interface {
	GetByExternalID(ctx context.Context, externalID string) (*instance.Instance, error)
}

// Options tune a Server. The zero value is usable.
type Options struct {
	// AdminSecret unlocks namespaces outside the allow-list when presented
	// as "Authorization: Bearer <secret>". Empty disables the privileged path.
	AdminSecret string
	// RateLimit is the number of requests allowed per external id per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// HTTPClient forwards unary requests. Defaults to a client with a 30s
	// timeout.
	HTTPClient *http.Client
	// Dialer opens upstream WebSocket connections.
	Dialer *websocket.Dialer
}

// Server is the relay's HTTP handler.
type Server struct {
	addr     string
	resolver Resolver
	secret   string
	client   *http.Client
	limiter  *rateLimiter
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	server   *http.Server
	mux      *http.ServeMux
}

// NewServer creates the relay (does not start it).
func NewServer(addr string, res Resolver, opts Options) *Server {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	s := &Server{
		addr:     addr,
		resolver: res,
		secret:   opts.AdminSecret,
		client:   opts.HTTPClient,
		limiter:  newRateLimiter(opts.RateLimit, opts.RateWindow),
		dialer:   opts.Dialer,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Wallets and dapps connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("POST /{external_id}/{node_id}", s.handleRPC)
	s.mux.HandleFunc("GET /{external_id}/{node_id}/ws", s.handleWS)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trace.Middleware(s.mux).ServeHTTP(w, r)
}

// Start begins listening in the background and shuts down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.addr, err)
	}
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("relay listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("relay stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server. Hijacked WebSocket sessions are not
// tracked by http.Server and end when their peers go away.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("relay shutdown error", "err", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, "rpc proxy running")
}

// privileged reports whether r carries the admin bearer secret.
func (s *Server) privileged(r *http.Request) bool {
	if s.secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

// resolve maps (externalID, nodeID) to the node's host:port.
func (s *Server) resolve(ctx context.Context, externalID, nodeID string) (string, error) {
	inst, err := s.resolver.GetByExternalID(ctx, externalID)
	if errors.Is(err, instance.ErrNotFound) {
		return "", errUnknownInstance
	}
	if err != nil {
		logging.WithTrace(ctx).Error("relay: registry lookup failed", "external_id", externalID, "err", err)
		return "", errUnknownInstance
	}
	h, ok := inst.Nodes[nodeID]
	if !ok || h.Host == "" {
		return "", errUnknownNode
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port)), nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	externalID, nodeID := r.PathValue("external_id"), r.PathValue("node_id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, failure(nil, CodeInvalidRequest, "request body too large"))
		return
	}
	if !json.Valid(body) {
		writeJSON(w, failure(nil, CodeInvalidRequest, "expected json body"))
		return
	}
	if !s.limiter.Allow(externalID) {
		writeJSON(w, failure(nil, CodeLimitExceeded, "rate limit exceeded"))
		return
	}
	privileged := s.privileged(r)

	if isBatch(body) {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, failure(nil, CodeInvalidRequest, "expected json body"))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, failure(nil, CodeInvalidRequest, "empty batch"))
			return
		}
		writeJSON(w, s.relayBatch(ctx, externalID, nodeID, batch, privileged))
		return
	}

	if resp := validate(body, privileged); resp != nil {
		writeJSON(w, resp)
		return
	}
	id := requestID(body)
	target, err := s.resolve(ctx, externalID, nodeID)
	if err != nil {
		writeJSON(w, failure(id, CodeInvalidParams, err.Error()))
		return
	}
	out, err := s.forward(ctx, target, body)
	if err != nil {
		logging.WithTrace(ctx).Warn("relay: upstream request failed",
			"external_id", externalID, "node", nodeID, "err", err)
		writeJSON(w, failure(id, CodeInvalidParams, redact.Endpoint(err.Error(), "http://"+target)))
		return
	}
	writeRaw(w, out)
}

// relayBatch forwards the valid entries of batch in one upstream call and
// returns one response per entry, in order. Invalid entries are swapped for a
// harmless call before forwarding and answered with their validation error.
func (s *Server) relayBatch(ctx context.Context, externalID, nodeID string, batch []json.RawMessage, privileged bool) []json.RawMessage {
	out := make([]json.RawMessage, len(batch))
	forwarded := make([]json.RawMessage, len(batch))
	valid := 0
	for i, entry := range batch {
		if resp := validate(entry, privileged); resp != nil {
			out[i] = resp.encode()
			forwarded[i] = neutered(i)
			continue
		}
		forwarded[i] = entry
		valid++
	}
	if valid == 0 {
		return out
	}

	fill := func(resp json.RawMessage) {
		for i := range out {
			if out[i] == nil {
				out[i] = resp
			}
		}
	}

	target, err := s.resolve(ctx, externalID, nodeID)
	if err != nil {
		fill(failure(nil, CodeInvalidParams, err.Error()).encode())
		return out
	}
	payload, _ := json.Marshal(forwarded)
	body, err := s.forward(ctx, target, payload)
	if err != nil {
		logging.WithTrace(ctx).Warn("relay: upstream batch failed",
			"external_id", externalID, "node", nodeID, "err", err)
		fill(failure(nil, CodeInvalidParams, redact.Endpoint(err.Error(), "http://"+target)).encode())
		return out
	}

	var upstream []json.RawMessage
	if err := json.Unmarshal(body, &upstream); err != nil {
		// The node answered the whole batch with a single object.
		fill(body)
		return out
	}
	for i := range out {
		if out[i] != nil {
			continue
		}
		if i < len(upstream) {
			out[i] = upstream[i]
		} else {
			out[i] = failure(requestID(batch[i]), CodeInvalidParams, "upstream response missing").encode()
		}
	}
	return out
}

// forward POSTs body to the node and returns its JSON response unmodified.
func (s *Server) forward(ctx context.Context, target string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("upstream returned a non-JSON response (HTTP %d)", resp.StatusCode)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("relay: failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, b)
}

func writeRaw(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b) //nolint:errcheck
}
