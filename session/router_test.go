package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/ggoodman/mcp-edge-go/internal/engine"
	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/ggoodman/mcp-edge-go/mcpservice"
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/ggoodman/mcp-edge-go/storage/memory"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testSession = "sess-1"

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	reg := mcpservice.NewRegistry()
	require.NoError(t, reg.Tool("calculate_sum", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}, func(ctx context.Context, s mcpservice.Session, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	}))
	e := engine.NewEngine(mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"}),
		mcpservice.WithRegistry(reg),
	))
	t.Cleanup(e.Close)
	return e
}

func newRouter(t *testing.T, eng transport.Engine, store storage.Object, opts ...Option) *Router {
	t.Helper()
	rt := New(testSession, eng, store, nil, append([]Option{WithKeepAlive(time.Hour)}, opts...)...)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func serveRouter(t *testing.T, rt *Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)
	// Runs before srv.Close so blocked stream handlers return.
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return srv
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func rpc(t *testing.T, id any, method string, params any) []byte {
	t.Helper()
	m := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		m["id"] = id
	}
	if params != nil {
		m["params"] = params
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		Content []mcp.ContentBlock `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sseEvent struct {
	name  string
	data  string
	retry string
}

func readEvents(t *testing.T, body io.Reader) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		var ev sseEvent
		seen := false
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				if seen {
					out <- ev
				}
				ev, seen = sseEvent{}, false
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				ev.name = value
			case "data":
				if ev.data != "" {
					ev.data += "\n"
				}
				ev.data += value
			case "retry":
				ev.retry = value
			}
			seen = true
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func nextNamed(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	for {
		if ev := nextEvent(t, events); ev.name == name {
			return ev
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse?"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	return readEvents(t, res.Body)
}

func post(t *testing.T, target string, body []byte) *http.Response {
	t.Helper()
	res, err := http.Post(target, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	return res
}

func TestRouteMatching(t *testing.T) {
	rt := New(testSession, newEngine(t), nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   Route
	}{
		{"upgrade on root", http.MethodGet, "/", map[string]string{"Upgrade": "websocket"}, RouteWebSocket},
		{"upgrade on ws path", http.MethodGet, "/ws", map[string]string{"Upgrade": "WebSocket"}, RouteWebSocket},
		{"upgrade preempts event stream", http.MethodGet, "/", map[string]string{"Upgrade": "websocket", "Accept": "text/event-stream"}, RouteWebSocket},
		{"upgrade on message path", http.MethodGet, "/message", map[string]string{"Upgrade": "websocket"}, routeNotFound},
		{"bare root", http.MethodGet, "/", nil, RouteSSE},
		{"wildcard accept", http.MethodGet, "/", map[string]string{"Accept": "*/*"}, RouteSSE},
		{"event stream anywhere", http.MethodGet, "/anything", map[string]string{"Accept": "text/event-stream"}, RouteSSE},
		{"sse path", http.MethodGet, "/sse", nil, RouteSSE},
		{"post message", http.MethodPost, "/message", nil, RouteMessage},
		{"post root", http.MethodPost, "/", nil, RouteMessage},
		{"post sse", http.MethodPost, "/sse", nil, routeNotFound},
		{"json discovery", http.MethodGet, "/", map[string]string{"Accept": "application/json"}, RouteDiscovery},
		{"json elsewhere", http.MethodGet, "/message", map[string]string{"Accept": "application/json"}, routeNotFound},
		{"delete", http.MethodDelete, "/", nil, routeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			require.Equal(t, tt.want, rt.match(req))
		})
	}
}

func TestRouteOrderIsConfigurable(t *testing.T) {
	rt := New(testSession, newEngine(t), nil, nil, WithRouteOrder(RouteDiscovery, RouteSSE))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json, text/event-stream")
	require.Equal(t, RouteSSE, rt.match(req), "explicit event-stream still selects SSE")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	require.Equal(t, routeNotFound, rt.match(req), "websocket route is disabled")
}

func TestSSEGetWithoutSessionRedirects(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)

	rec := do(t, rt, http.MethodGet, "/?foo=bar&key=secret", nil, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/", loc.Path)
	q := loc.Query()
	require.Equal(t, "bar", q.Get("foo"))
	require.Equal(t, "secret", q.Get("key"))
	require.Equal(t, testSession, q.Get(SessionIDParam))
	require.Nil(t, rt.SSE(), "no stream is opened before the redirect")
}

func TestDiscoveryDocument(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)

	rec := do(t, rt, http.MethodGet, "/?key=abc", nil, map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc Discovery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "ok", doc.Status)
	require.Equal(t, testSession, doc.SessionID)
	require.Equal(t, "http://example.com/sse?key=abc&sessionId=sess-1", doc.TransportOptions.SSE.URL)
	require.Equal(t, "http://example.com/message?key=abc&sessionId=sess-1", doc.TransportOptions.SSE.MessageURL)
	require.Equal(t, "ws://example.com/ws?key=abc&sessionId=sess-1", doc.TransportOptions.WebSocket.URL)
	require.Equal(t, "http://example.com/?key=abc&sessionId=sess-1", doc.BackwardCompatibility.SSE)
	require.Equal(t, "ws://example.com/?key=abc&sessionId=sess-1", doc.BackwardCompatibility.WebSocket)
	require.Equal(t, "http://example.com/?key=abc&sessionId=sess-1", doc.BackwardCompatibility.Message)
}

func TestDiscoveryHonoursBaseURL(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil, WithBaseURL("https://mcp.example.org/edge"))

	rec := do(t, rt, http.MethodGet, "/", nil, map[string]string{"Accept": "application/json"})
	var doc Discovery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "https://mcp.example.org/edge/sse?sessionId=sess-1", doc.TransportOptions.SSE.URL)
	require.Equal(t, "wss://mcp.example.org/edge/ws?sessionId=sess-1", doc.TransportOptions.WebSocket.URL)
}

func TestNotFound(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/"},
		{http.MethodPut, "/message"},
		{http.MethodGet, "/message"},
	} {
		rec := do(t, rt, tc.method, tc.path, nil, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		require.Contains(t, rec.Body.String(), `"code":404`)
	}
}

func TestSSEEndToEnd(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	srv := serveRouter(t, rt)

	events := openStream(t, srv, "sessionId="+testSession+"&key=abc")

	retry := nextEvent(t, events)
	require.Equal(t, "3000", retry.retry)
	session := nextEvent(t, events)
	require.Equal(t, "session", session.name)
	require.JSONEq(t, `{"sessionId":"sess-1"}`, session.data)

	endpoint := nextNamed(t, events, "endpoint")
	msgURL, err := url.Parse(endpoint.data)
	require.NoError(t, err)
	require.Equal(t, "/message", msgURL.Path)
	require.Equal(t, testSession, msgURL.Query().Get(SessionIDParam))
	require.Equal(t, "abc", msgURL.Query().Get("key"))
	nextNamed(t, events, "ready")

	res := post(t, endpoint.data, rpc(t, 1, "initialize", map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	}))
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	nextNamed(t, events, "message")

	res = post(t, endpoint.data, rpc(t, nil, "notifications/initialized", nil))
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res = post(t, endpoint.data, rpc(t, 2, "tools/call", map[string]any{
		"name":      "calculate_sum",
		"arguments": map[string]any{"a": 2, "b": 3},
	}))
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var reply rpcReply
	require.NoError(t, json.Unmarshal([]byte(nextNamed(t, events, "message").data), &reply))
	require.JSONEq(t, "2", string(reply.ID))
	require.Nil(t, reply.Error)
	require.Len(t, reply.Result.Content, 1)
	require.Equal(t, "5", reply.Result.Content[0].Text)
}

func TestSSEPostValidation(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	srv := serveRouter(t, rt)
	target := srv.URL + "/message?sessionId=" + testSession

	// A POST before any stream lazily creates the transport.
	res := post(t, target, rpc(t, 1, "ping", nil))
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	first := rt.SSE()
	require.NotNil(t, first)

	res = post(t, target, []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = post(t, target, []byte(`{"id":1,"method":"ping"}`))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, "missing jsonrpc field")

	rec := do(t, rt, http.MethodPost, "/message?sessionId="+testSession,
		bytes.NewReader(bytes.Repeat([]byte(" "), transport.MaxMessageBytes+1)),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	wrongType, err := http.Post(target, "text/plain", strings.NewReader(string(rpc(t, 1, "ping", nil))))
	require.NoError(t, err)
	_ = wrongType.Body.Close()
	require.Equal(t, http.StatusBadRequest, wrongType.StatusCode)

	res = post(t, target, []byte(`{"type":"ping","timestamp":1}`))
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res = post(t, target, rpc(t, 2, "ping", nil))
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Same(t, first, rt.SSE(), "transport is reused after rejected posts")
	require.Equal(t, transport.Open, first.State())
}

func TestClosedSSEIsReplaced(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	target := "/message?sessionId=" + testSession

	rec := do(t, rt, http.MethodPost, target, bytes.NewReader(rpc(t, 1, "ping", nil)), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := rt.SSE()
	require.NoError(t, first.Close(context.Background()))
	require.Nil(t, rt.SSE())

	rec = do(t, rt, http.MethodPost, target, bytes.NewReader(rpc(t, 2, "ping", nil)), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := rt.SSE()
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	require.Equal(t, transport.Open, second.State())
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := ws.Dial(ctx, u, nil)
	require.NoError(t, err)
	conn.SetReadLimit(8 << 20)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readReply(t *testing.T, conn *ws.Conn, id string) rpcReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var reply rpcReply
		require.NoError(t, json.Unmarshal(data, &reply))
		if string(reply.ID) == id {
			return reply
		}
	}
}

func writeWS(t *testing.T, conn *ws.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, ws.MessageText, data))
}

func TestWebSocketEndToEnd(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	srv := serveRouter(t, rt)

	a := dialWS(t, srv, "/ws?sessionId="+testSession)
	b := dialWS(t, srv, "/?sessionId="+testSession)
	require.Eventually(t, func() bool { return rt.WebSockets() == 2 }, 3*time.Second, 10*time.Millisecond)

	writeWS(t, a, []byte(`{"type":"ping","timestamp":1}`))
	writeWS(t, a, rpc(t, 1, "tools/call", map[string]any{
		"name":      "calculate_sum",
		"arguments": map[string]any{"a": 2, "b": 3},
	}))
	reply := readReply(t, a, "1")
	require.Nil(t, reply.Error)
	require.Equal(t, "5", reply.Result.Content[0].Text)

	writeWS(t, b, rpc(t, "b-1", "tools/call", map[string]any{
		"name":      "calculate_sum",
		"arguments": map[string]any{"a": 2, "b": "three"},
	}))
	require.Equal(t, `"b-1"`, string(readReply(t, b, `"b-1"`).ID))

	writeWS(t, b, []byte(`{bad`))
	bad := readReply(t, b, "null")
	require.NotNil(t, bad.Error)
	require.Equal(t, -32700, bad.Error.Code)

	require.NoError(t, a.Close(ws.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return rt.WebSockets() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketUpgradeFailure(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)

	// Upgrade without Connection: Upgrade is refused by the upgrader.
	rec := do(t, rt, http.MethodGet, "/ws?sessionId="+testSession, nil, map[string]string{"Upgrade": "websocket"})
	require.Equal(t, http.StatusUpgradeRequired, rec.Code)
	require.Zero(t, rt.WebSockets())
}

func TestCloseClosesEverything(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	srv := serveRouter(t, rt)

	events := openStream(t, srv, "sessionId="+testSession)
	nextNamed(t, events, "ready")
	conn := dialWS(t, srv, "/ws?sessionId="+testSession)
	require.Eventually(t, func() bool { return rt.WebSockets() == 1 }, 3*time.Second, 10*time.Millisecond)
	sseT := rt.SSE()

	require.NoError(t, rt.Close(context.Background()))
	require.NoError(t, rt.Close(context.Background()), "close is idempotent")
	require.Equal(t, Closed, rt.State())
	require.Equal(t, transport.Closed, sseT.State())
	require.ErrorIs(t, sseT.Send(context.Background(), rpc(t, nil, "notifications/ping", nil)), transport.ErrNotConnected)

	nextNamed(t, events, "close")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			require.Equal(t, ws.StatusNormalClosure, ws.CloseStatus(err))
			break
		}
	}

	rec := do(t, rt, http.MethodGet, "/", nil, map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestSnapshotColdStart(t *testing.T) {
	st, err := memory.New(16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	obj := storage.Scope(st, testSession)
	require.NoError(t, storage.NewSnapshot(obj).Save(context.Background(), []byte("doc-v1")))

	rt := newRouter(t, newEngine(t), obj)
	require.Equal(t, Uninitialized, rt.State())
	require.Nil(t, rt.Restored())

	do(t, rt, http.MethodGet, "/", nil, map[string]string{"Accept": "application/json"})
	require.Equal(t, Active, rt.State())
	require.Equal(t, []byte("doc-v1"), rt.Restored())

	require.NoError(t, rt.SaveSnapshot(context.Background(), []byte("doc-v2")))
	got, err := rt.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("doc-v2"), got)
}

func TestSnapshotWithoutStorage(t *testing.T) {
	rt := newRouter(t, newEngine(t), nil)
	got, err := rt.Snapshot(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
	require.Error(t, rt.SaveSnapshot(context.Background(), []byte("x")))
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("storage offline") }
func (failingStore) Put(context.Context, string, []byte) error   { return errors.New("storage offline") }

type panicEngine struct{}

func (panicEngine) Connect(context.Context, transport.Transport) (transport.Conn, error) {
	panic("engine exploded")
}

type refusingEngine struct{}

func (refusingEngine) Connect(context.Context, transport.Transport) (transport.Conn, error) {
	return nil, errors.New("engine: closed")
}

func TestInternalFailuresBecome500(t *testing.T) {
	post := func(rt *Router) *httptest.ResponseRecorder {
		return do(t, rt, http.MethodPost, "/message?sessionId="+testSession, bytes.NewReader(rpc(t, 1, "ping", nil)), map[string]string{"Content-Type": "application/json"})
	}

	rec := post(newRouter(t, panicEngine{}, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "engine exploded")

	rec = post(newRouter(t, refusingEngine{}, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "engine: closed")

	rec = post(newRouter(t, newEngine(t), failingStore{}))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "storage offline")
}

func TestRouteSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	rt := newRouter(t, newEngine(t), nil, WithTracerProvider(tp))

	do(t, rt, http.MethodGet, "/", nil, map[string]string{"Accept": "application/json"})
	do(t, rt, http.MethodGet, "/nope", nil, map[string]string{"Accept": "application/json"})

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for i, want := range []Route{RouteDiscovery, routeNotFound} {
		require.Equal(t, "session.route", spans[i].Name())
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range spans[i].Attributes() {
			attrs[kv.Key] = kv.Value
		}
		require.Equal(t, testSession, attrs["mcp.session_id"].AsString())
		require.Equal(t, string(want), attrs["mcp.route"].AsString())
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory(newEngine(t), WithPaths(Paths{Message: "/rpc"}))
	rt := f("abc", nil, nil)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	require.Equal(t, "abc", rt.SessionID())

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	require.Equal(t, RouteMessage, rt.match(req))
	req = httptest.NewRequest(http.MethodPost, "/message", nil)
	require.Equal(t, routeNotFound, rt.match(req))
}
