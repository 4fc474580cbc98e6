package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxlab/sandboxd/common/logging"
	"github.com/sandboxlab/sandboxd/common/redact"
)

const msgBatchRejected = "batch rejected: it contains invalid requests"

// handleWS relays a WebSocket session between a caller and a node. Each client
// frame is validated like a unary request before it is forwarded; node frames
// are relayed verbatim. When either side ends, both connections are closed and
// the handler returns only after both loops have exited.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.WithTrace(ctx)
	externalID, nodeID := r.PathValue("external_id"), r.PathValue("node_id")

	target, err := s.resolve(ctx, externalID, nodeID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(failure(nil, CodeInvalidParams, err.Error())) //nolint:errcheck
		return
	}

	upstreamURL := "ws://" + target
	upstream, resp, err := s.dialer.DialContext(ctx, upstreamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Warn("relay: upstream websocket dial failed",
			"external_id", externalID, "node", nodeID, "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(failure(nil, CodeInvalidParams, redact.Endpoint(err.Error(), upstreamURL))) //nolint:errcheck
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the caller.
		upstream.Close()
		log.Info("relay: websocket upgrade failed", "external_id", externalID, "err", err)
		return
	}
	client.SetReadLimit(maxBodyBytes)
	upstream.SetReadLimit(maxUpstreamBytes)

	sess := &session{
		client:     client,
		upstream:   upstream,
		privileged: s.privileged(r),
		limiter:    s.limiter,
		externalID: externalID,
	}
	err = sess.run(ctx)
	log.Debug("relay: websocket session ended", "external_id", externalID, "node", nodeID, "err", err)
}

// session couples one client connection with one upstream connection.
type session struct {
	client     *websocket.Conn
	upstream   *websocket.Conn
	privileged bool
	limiter    *rateLimiter
	externalID string

	// clientMu serialises writes to client; both loops write to it.
	clientMu sync.Mutex
}

var errSessionEnded = errors.New("session ended")

func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.client.Close()
		s.upstream.Close()
		return nil
	})
	g.Go(func() error { return ended(s.clientToUpstream()) })
	g.Go(func() error { return ended(s.upstreamToClient()) })

	err := g.Wait()
	if errors.Is(err, errSessionEnded) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// ended makes sure a finished loop always cancels its sibling.
func ended(err error) error {
	if err == nil {
		return errSessionEnded
	}
	return err
}

func (s *session) clientToUpstream() error {
	for {
		_, frame, err := s.client.ReadMessage()
		if err != nil {
			return err
		}
		if reply := s.check(frame); reply != nil {
			if err := s.writeClient(reply); err != nil {
				return err
			}
			continue
		}
		if err := s.upstream.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
}

func (s *session) upstreamToClient() error {
	for {
		kind, frame, err := s.upstream.ReadMessage()
		if err != nil {
			return err
		}
		s.clientMu.Lock()
		err = s.client.WriteMessage(kind, frame)
		s.clientMu.Unlock()
		if err != nil {
			return err
		}
	}
}

// check returns the local answer for a frame that must not be forwarded, or
// nil when the frame may go upstream. A batch with any invalid entry is
// answered entirely here, one error per entry.
func (s *session) check(frame []byte) []byte {
	if !json.Valid(frame) {
		return failure(nil, CodeInvalidRequest, "expected json body").encode()
	}
	if !s.limiter.Allow(s.externalID) {
		return failure(nil, CodeLimitExceeded, "rate limit exceeded").encode()
	}
	if !isBatch(frame) {
		if resp := validate(frame, s.privileged); resp != nil {
			return resp.encode()
		}
		return nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(frame, &batch); err != nil {
		return failure(nil, CodeInvalidRequest, "expected json body").encode()
	}
	if len(batch) == 0 {
		return failure(nil, CodeInvalidRequest, "empty batch").encode()
	}
	out := make([]json.RawMessage, len(batch))
	rejected := false
	for i, entry := range batch {
		if resp := validate(entry, s.privileged); resp != nil {
			out[i] = resp.encode()
			rejected = true
			continue
		}
		out[i] = failure(requestID(entry), CodeInvalidRequest, msgBatchRejected).encode()
	}
	if !rejected {
		return nil
	}
	b, _ := json.Marshal(out)
	return b
}

func (s *session) writeClient(b []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client.WriteMessage(websocket.TextMessage, b)
}
