package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeResolver struct {
	instances map[string]*instance.Instance
}

func (f *fakeResolver) GetByExternalID(_ context.Context, ext string) (*instance.Instance, error) {
	inst, ok := f.instances[ext]
	if !ok {
		return nil, instance.ErrNotFound
	}
	return inst, nil
}

// fakeNode answers every JSON-RPC request with result "echo:<method>" and
// echoes WebSocket frames, hanging up on a web3_close frame. It records the
// bodies it received.
type fakeNode struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	upgrader := websocket.Upgrader{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			for {
				kind, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				n.record(string(msg))
				if strings.Contains(string(msg), "web3_close") {
					return
				}
				if err := c.WriteMessage(kind, msg); err != nil {
					return
				}
			}
		}

		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		n.record(string(raw))
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
			var batch []map[string]any
			json.Unmarshal(raw, &batch) //nolint:errcheck
			out := make([]map[string]any, len(batch))
			for i, req := range batch {
				out[i] = echo(req)
			}
			json.NewEncoder(w).Encode(out) //nolint:errcheck
			return
		}
		var req map[string]any
		json.Unmarshal(raw, &req)            //nolint:errcheck
		json.NewEncoder(w).Encode(echo(req)) //nolint:errcheck
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func echo(req map[string]any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "echo:" + req["method"].(string)}
}

func (n *fakeNode) record(body string) {
	n.mu.Lock()
	n.bodies = append(n.bodies, body)
	n.mu.Unlock()
}

func (n *fakeNode) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.bodies...)
}

func (n *fakeNode) handle(t *testing.T) instance.Handle {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(n.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split node address: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return instance.Handle{ID: "main", Host: host, Port: p}
}

const testSecret = "s3cret-admin-token"

func newTestRelay(t *testing.T, node *fakeNode, opts Options) *httptest.Server {
	t.Helper()
	res := &fakeResolver{instances: map[string]*instance.Instance{}}
	if node != nil {
		res.instances["ext"] = &instance.Instance{
			InstanceID: "inst",
			ExternalID: "ext",
			Nodes:      map[string]instance.Handle{"main": node.handle(t)},
		}
	}
	srv := httptest.NewServer(NewServer("", res, opts))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header map[string]string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return string(raw)
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result string          `json:"result"`
	Error  *Error          `json:"error"`
}

func decodeReply(t *testing.T, raw string) rpcReply {
	t.Helper()
	var r rpcReply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("decode reply %s: %v", raw, err)
	}
	return r
}

func decodeBatch(t *testing.T, raw string) []rpcReply {
	t.Helper()
	var out []rpcReply
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode batch %s: %v", raw, err)
	}
	return out
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	cases := []struct {
		name       string
		req        string
		privileged bool
		wantMsg    string
		wantID     string
	}{
		{"allowed eth", `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`, false, "", ""},
		{"allowed web3", `{"id":"a","method":"web3_clientVersion"}`, false, "", ""},
		{"allowed net", `{"id":2,"method":"net_version"}`, false, "", ""},
		{"bare namespace", `{"id":2,"method":"eth"}`, false, "", ""},
		{"not an object", `[1]`, false, "expected json object", "null"},
		{"string", `"eth_call"`, false, "expected json object", "null"},
		{"missing id", `{"method":"eth_blockNumber"}`, false, "invalid jsonrpc id", "null"},
		{"null id", `{"id":null,"method":"eth_blockNumber"}`, false, "invalid jsonrpc id", "null"},
		{"missing method", `{"id":7}`, false, "invalid jsonrpc method", "7"},
		{"null method", `{"id":7,"method":null}`, false, "invalid jsonrpc method", "7"},
		{"numeric method", `{"id":7,"method":5}`, false, "invalid jsonrpc method", "7"},
		{"denied", `{"id":3,"method":"eth_sendTransaction"}`, false, "forbidden jsonrpc method", "3"},
		{"denied even when privileged", `{"id":3,"method":"eth_signTypedData_v4"}`, true, "forbidden jsonrpc method", "3"},
		{"foreign namespace", `{"id":4,"method":"anvil_setBalance"}`, false, "forbidden jsonrpc method", "4"},
		{"foreign namespace privileged", `{"id":4,"method":"anvil_setBalance"}`, true, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := validate(json.RawMessage(tc.req), tc.privileged)
			if tc.wantMsg == "" {
				if resp != nil {
					t.Fatalf("validate = %+v, want nil", resp.Error)
				}
				return
			}
			if resp == nil {
				t.Fatalf("validate = nil, want %q", tc.wantMsg)
			}
			if resp.Error.Code != CodeInvalidRequest || resp.Error.Message != tc.wantMsg {
				t.Errorf("error = %+v, want %d %q", resp.Error, CodeInvalidRequest, tc.wantMsg)
			}
			var got struct {
				ID json.RawMessage `json:"id"`
			}
			json.Unmarshal(resp.encode(), &got) //nolint:errcheck
			if string(got.ID) != tc.wantID {
				t.Errorf("id = %s, want %s", got.ID, tc.wantID)
			}
		})
	}
}

// ── unary ────────────────────────────────────────────────────────────────────

func TestRoot(t *testing.T) {
	srv := newTestRelay(t, nil, Options{})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	var msg string
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg != "rpc proxy running" {
		t.Errorf("body = %q", msg)
	}
}

func TestUnaryForwardsVerbatim(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	body := `{"jsonrpc":"2.0","id":11,"method":"eth_chainId","params":[]}`
	got := decodeReply(t, post(t, srv.URL+"/ext/main", body, nil))
	if got.Result != "echo:eth_chainId" || string(got.ID) != "11" {
		t.Errorf("reply = %+v", got)
	}
	if rec := node.received(); len(rec) != 1 || rec[0] != body {
		t.Errorf("node received %q, want %q", rec, body)
	}
}

func TestUnaryRejectsWithoutForwarding(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{AdminSecret: testSecret})

	got := decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":1,"method":"eth_sign"}`, nil))
	if got.Error == nil || got.Error.Code != CodeInvalidRequest {
		t.Fatalf("reply = %+v, want -32600", got)
	}
	got = decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":2,"method":"anvil_mine"}`,
		map[string]string{"Authorization": "Bearer wrong"}))
	if got.Error == nil || got.Error.Message != "forbidden jsonrpc method" {
		t.Fatalf("reply = %+v, want forbidden", got)
	}
	if rec := node.received(); len(rec) != 0 {
		t.Errorf("node received %q, want nothing", rec)
	}
}

func TestUnaryAdminSecret(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{AdminSecret: testSecret})

	got := decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":2,"method":"anvil_setBalance","params":[]}`,
		map[string]string{"Authorization": "Bearer " + testSecret}))
	if got.Result != "echo:anvil_setBalance" {
		t.Errorf("reply = %+v, want forwarded", got)
	}

	// Signing stays closed even with the admin secret.
	before := len(node.received())
	got = decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":3,"method":"eth_sendTransaction","params":[{}]}`,
		map[string]string{"Authorization": "Bearer " + testSecret}))
	if got.Error == nil || got.Error.Code != CodeInvalidRequest || string(got.ID) != "3" {
		t.Errorf("reply = %+v, want -32600", got)
	}
	if n := len(node.received()); n != before {
		t.Errorf("node received %d new requests for a signing call", n-before)
	}
}

func TestEmptySecretDisablesPrivilege(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	got := decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":2,"method":"anvil_mine"}`,
		map[string]string{"Authorization": "Bearer "}))
	if got.Error == nil {
		t.Errorf("reply = %+v, want forbidden", got)
	}
}

func TestUnaryLookupErrors(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	cases := map[string]string{
		"/nope/main": "invalid rpc url, instance not found",
		"/ext/other": "invalid rpc url, chain not found",
	}
	for path, want := range cases {
		got := decodeReply(t, post(t, srv.URL+path, `{"id":5,"method":"eth_blockNumber"}`, nil))
		if got.Error == nil || got.Error.Code != CodeInvalidParams || got.Error.Message != want {
			t.Errorf("%s: reply = %+v, want -32602 %q", path, got.Error, want)
		}
		if string(got.ID) != "5" {
			t.Errorf("%s: id = %s, want 5", path, got.ID)
		}
	}
}

func TestMalformedBodies(t *testing.T) {
	srv := newTestRelay(t, newFakeNode(t), Options{})

	for body, want := range map[string]string{
		"not json": "expected json body",
		"[]":       "empty batch",
	} {
		got := decodeReply(t, post(t, srv.URL+"/ext/main", body, nil))
		if got.Error == nil || got.Error.Code != CodeInvalidRequest || got.Error.Message != want {
			t.Errorf("%q: reply = %+v, want %q", body, got.Error, want)
		}
		if string(got.ID) != "null" {
			t.Errorf("%q: id = %s, want null", body, got.ID)
		}
	}
}

func TestUpstreamFailureIsRedacted(t *testing.T) {
	node := newFakeNode(t)
	h := node.handle(t)
	node.srv.Close()

	res := &fakeResolver{instances: map[string]*instance.Instance{
		"ext": {ExternalID: "ext", Nodes: map[string]instance.Handle{"main": h}},
	}}
	srv := httptest.NewServer(NewServer("", res, Options{HTTPClient: &http.Client{Timeout: 2 * time.Second}}))
	defer srv.Close()

	got := decodeReply(t, post(t, srv.URL+"/ext/main", `{"id":1,"method":"eth_blockNumber"}`, nil))
	if got.Error == nil || got.Error.Code != CodeInvalidParams {
		t.Fatalf("reply = %+v, want -32602", got)
	}
	if strings.Contains(got.Error.Message, h.Host+":"+strconv.Itoa(h.Port)) || strings.Contains(got.Error.Message, h.Host) {
		t.Errorf("message leaks the node address: %q", got.Error.Message)
	}
}

// ── batch ────────────────────────────────────────────────────────────────────

func TestBatchWithInvalidEntry(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	body := `[{"jsonrpc":"2.0","id":"a","method":"eth_blockNumber"},
	          {"jsonrpc":"2.0","id":"b"},
	          {"jsonrpc":"2.0","id":"c","method":"net_version"}]`
	got := decodeBatch(t, post(t, srv.URL+"/ext/main", body, nil))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Result != "echo:eth_blockNumber" || string(got[0].ID) != `"a"` {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Error == nil || got[1].Error.Code != CodeInvalidRequest || string(got[1].ID) != `"b"` {
		t.Errorf("entry 1 = %+v, want -32600 for id b", got[1])
	}
	if got[2].Result != "echo:net_version" {
		t.Errorf("entry 2 = %+v", got[2])
	}

	// The node saw a same-length batch with the bad entry neutered.
	rec := node.received()
	if len(rec) != 1 {
		t.Fatalf("node calls = %d, want 1", len(rec))
	}
	var sent []map[string]any
	if err := json.Unmarshal([]byte(rec[0]), &sent); err != nil {
		t.Fatalf("decode forwarded batch: %v", err)
	}
	if len(sent) != 3 || sent[1]["method"] != "web3_clientVersion" || sent[1]["id"] != float64(1) {
		t.Errorf("forwarded batch = %v", sent)
	}
}

func TestBatchAllInvalidSkipsUpstream(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	got := decodeBatch(t, post(t, srv.URL+"/ext/main", `[{"id":1,"method":"eth_sign"}, 5]`, nil))
	if len(got) != 2 || got[0].Error == nil || got[1].Error == nil {
		t.Fatalf("reply = %+v", got)
	}
	if len(node.received()) != 0 {
		t.Error("node was called for an all-invalid batch")
	}
}

func TestBatchUnknownInstance(t *testing.T) {
	srv := newTestRelay(t, newFakeNode(t), Options{})

	got := decodeBatch(t, post(t, srv.URL+"/nope/main",
		`[{"id":1,"method":"eth_blockNumber"},{"id":2,"method":"eth_sign"}]`, nil))
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Error == nil || got[0].Error.Message != "invalid rpc url, instance not found" {
		t.Errorf("entry 0 = %+v", got[0].Error)
	}
	if got[1].Error == nil || got[1].Error.Message != "forbidden jsonrpc method" {
		t.Errorf("entry 1 = %+v", got[1].Error)
	}
}

// ── rate limit ───────────────────────────────────────────────────────────────

func TestRateLimitPerExternalID(t *testing.T) {
	srv := newTestRelay(t, newFakeNode(t), Options{RateLimit: 2, RateWindow: time.Hour})

	req := `{"id":1,"method":"eth_blockNumber"}`
	for i := 0; i < 2; i++ {
		if got := decodeReply(t, post(t, srv.URL+"/ext/main", req, nil)); got.Error != nil {
			t.Fatalf("call %d limited early: %+v", i, got.Error)
		}
	}
	got := decodeReply(t, post(t, srv.URL+"/ext/main", req, nil))
	if got.Error == nil || got.Error.Code != CodeLimitExceeded {
		t.Errorf("third call = %+v, want %d", got, CodeLimitExceeded)
	}
	// Other ids keep their own budget.
	got = decodeReply(t, post(t, srv.URL+"/other/main", req, nil))
	if got.Error == nil || got.Error.Code != CodeInvalidParams {
		t.Errorf("other id = %+v, want lookup error", got.Error)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("expected one call per window")
	}
	now = now.Add(2 * time.Minute)
	if !rl.Allow("a") {
		t.Error("window did not reset")
	}
	if newRateLimiter(0, time.Minute) != nil {
		t.Error("zero limit should disable limiting")
	}
	var disabled *rateLimiter
	if !disabled.Allow("x") {
		t.Error("nil limiter must allow")
	}
}

func TestRateLimiterSweepsOncePerWindow(t *testing.T) {
	rl := newRateLimiter(5, time.Minute)
	start := time.Unix(1_700_000_000, 0)
	at := func(d time.Duration, key string) {
		rl.now = func() time.Time { return start.Add(d) }
		rl.Allow(key)
	}

	at(0, "a")
	at(10*time.Second, "b")
	at(65*time.Second, "c") // sweeps: "a" is stale
	if _, ok := rl.buckets["a"]; ok || len(rl.buckets) != 2 {
		t.Fatalf("buckets after first sweep = %v", keys(rl.buckets))
	}

	at(80*time.Second, "d") // "b" is stale but a sweep ran under a window ago
	if len(rl.buckets) != 3 {
		t.Fatalf("buckets = %v, want b, c and d", keys(rl.buckets))
	}

	at(130*time.Second, "e") // sweeps: "b" and "c" are stale
	if got := keys(rl.buckets); len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Errorf("buckets after second sweep = %v, want [d e]", got)
	}
}

func keys(m map[string]*windowBucket) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ── websocket ────────────────────────────────────────────────────────────────

func dialRelay(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readFrame(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(msg)
}

func TestWebSocketRelay(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	c, _, err := dialRelay(t, srv, "/ext/main/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ok := `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(ok)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrame(t, c); got != ok {
		t.Errorf("echo = %s, want %s", got, ok)
	}

	bad := `{"jsonrpc":"2.0","id":2,"method":"eth_sendTransaction"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(bad)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := decodeReply(t, readFrame(t, c))
	if got.Error == nil || got.Error.Code != CodeInvalidRequest || string(got.ID) != "2" {
		t.Errorf("reply = %+v, want local -32600", got)
	}

	batch := `[{"id":3,"method":"eth_blockNumber"},{"id":4,"method":"eth_sign"}]`
	if err := c.WriteMessage(websocket.TextMessage, []byte(batch)); err != nil {
		t.Fatalf("write: %v", err)
	}
	replies := decodeBatch(t, readFrame(t, c))
	if len(replies) != 2 || replies[0].Error == nil || replies[1].Error == nil {
		t.Fatalf("batch reply = %+v, want two errors", replies)
	}
	if replies[0].Error.Message != msgBatchRejected || string(replies[0].ID) != "3" {
		t.Errorf("valid entry reply = %+v, want %q", replies[0], msgBatchRejected)
	}

	for _, body := range node.received() {
		if strings.Contains(body, "eth_send") || strings.Contains(body, "eth_sign") || strings.Contains(body, "eth_blockNumber") {
			t.Errorf("node received a rejected frame: %s", body)
		}
	}
}

func TestWebSocketUnknownRoute(t *testing.T) {
	srv := newTestRelay(t, newFakeNode(t), Options{})

	_, resp, err := dialRelay(t, srv, "/nope/main/ws")
	if err == nil {
		t.Fatal("dial succeeded for an unknown instance")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("resp = %v, want 404", resp)
	}
}

func TestWebSocketUpstreamCloseEndsSession(t *testing.T) {
	node := newFakeNode(t)
	srv := newTestRelay(t, node, Options{})

	c, _, err := dialRelay(t, srv, "/ext/main/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"web3_close"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("client connection stayed open after the node went away")
	}
}
