package sdkbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	sent chan jsonrpc.Message
}

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Send(_ context.Context, msg jsonrpc.Message) error {
	f.sent <- msg
	return nil
}
func (f *fakeTransport) Close(context.Context) error { return nil }
func (f *fakeTransport) SessionID() string           { return "sess-1" }
func (f *fakeTransport) ID() string                  { return "sess-1-ws" }
func (f *fakeTransport) Kind() transport.Kind        { return transport.KindWebSocket }

func (f *fakeTransport) next(t *testing.T) *jsonrpc.AnyMessage {
	t.Helper()
	select {
	case msg := <-f.sent:
		m, err := jsonrpc.Decode(msg)
		require.NoError(t, err)
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func message(t *testing.T, id any, method string, params any) *jsonrpc.AnyMessage {
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
	msg, err := jsonrpc.Decode(b)
	require.NoError(t, err)
	return msg
}

type sumArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func newServer() *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "sdk-server", Version: "1.0.0"}, nil)
	mcp.AddTool(s, &mcp.Tool{Name: "calculate_sum", Description: "Add two numbers"},
		func(ctx context.Context, req *mcp.CallToolRequest, in sumArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprint(in.A + in.B)}},
			}, nil, nil
		})
	return s
}

func connect(t *testing.T) (*fakeTransport, transport.Conn) {
	t.Helper()
	ft := &fakeTransport{sent: make(chan jsonrpc.Message, 16)}
	c, err := New(newServer()).Connect(context.Background(), ft)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return ft, c
}

func initialize(t *testing.T, ft *fakeTransport, c transport.Conn) {
	t.Helper()
	ctx := context.Background()
	c.Deliver(ctx, message(t, 1, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	}))
	res := ft.next(t)
	require.Nil(t, res.Error)

	var init struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &init))
	require.Equal(t, "sdk-server", init.ServerInfo.Name)

	c.Deliver(ctx, message(t, nil, "notifications/initialized", map[string]any{}))
}

func TestToolCallThroughServer(t *testing.T) {
	ft, c := connect(t)
	initialize(t, ft, c)

	c.Deliver(context.Background(), message(t, 2, "tools/call", map[string]any{
		"name":      "calculate_sum",
		"arguments": map[string]any{"a": 2, "b": 3},
	}))
	res := ft.next(t)
	require.Nil(t, res.Error)

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &out))
	require.Len(t, out.Content, 1)
	require.Equal(t, "5", out.Content[0].Text)
}

func TestToolsList(t *testing.T) {
	ft, c := connect(t)
	initialize(t, ft, c)

	c.Deliver(context.Background(), message(t, 2, "tools/list", map[string]any{}))
	res := ft.next(t)
	require.Nil(t, res.Error)
	require.Contains(t, string(res.Result), `"calculate_sum"`)
}

func TestDeliverAfterCloseDoesNotBlock(t *testing.T) {
	_, c := connect(t)
	c.Close()

	msg := message(t, 1, "ping", nil)
	done := make(chan struct{})
	go func() {
		c.Deliver(context.Background(), msg)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a closed connection")
	}
}
