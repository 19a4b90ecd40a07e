package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-edge-go/mcp"
)

type testSession struct{}

func (testSession) SessionID() string                  { return "s1" }
func (testSession) ConnectionID() string               { return "s1-sse" }
func (testSession) Transport() string                  { return "sse" }
func (testSession) ProtocolVersion() string            { return mcp.LatestProtocolVersion }
func (testSession) ClientInfo() mcp.ImplementationInfo { return mcp.ImplementationInfo{Name: "test"} }

var sumSchema = map[string]any{
	"type":        "object",
	"description": "Add two numbers",
	"properties": map[string]any{
		"a": map[string]any{"type": "number"},
		"b": map[string]any{"type": "number"},
	},
	"required": []string{"a", "b"},
}

func sum(ctx context.Context, s Session, args map[string]any) (any, error) {
	return args["a"].(float64) + args["b"].(float64), nil
}

func callTool(t *testing.T, reg *Registry, name, args string) *mcp.CallToolResult {
	t.Helper()
	res, err := reg.Tools().CallTool(context.Background(), testSession{}, &mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(args),
	})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 || res.Content[0].Type != mcp.ContentTypeText {
		b, _ := json.Marshal(res)
		t.Fatalf("expected a single text block, got %s", b)
	}
	return res.Content[0].Text
}

func TestToolRequiresSchema(t *testing.T) {
	reg := NewRegistry()
	var fn ToolFunc = sum

	cases := map[string]func() error{
		"handler only":  func() error { return reg.Tool("a", fn) },
		"func literal":  func() error { return reg.Tool("b", sum) },
		"nil schema":    func() error { return reg.Tool("c", nil, sum) },
		"empty raw":     func() error { return reg.Tool("d", json.RawMessage(nil), sum) },
		"unknown shape": func() error { return reg.Tool("e", 42, sum) },
	}
	for name, register := range cases {
		t.Run(name, func(t *testing.T) {
			if err := register(); !errors.Is(err, ErrMissingSchema) {
				t.Fatalf("expected ErrMissingSchema, got %v", err)
			}
		})
	}
	if len(reg.Tools().Snapshot()) != 0 {
		t.Fatalf("no tool should have been registered")
	}
}

func TestToolRequiresHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Tool("sum", sumSchema); !errors.Is(err, ErrMissingHandler) {
		t.Fatalf("expected ErrMissingHandler, got %v", err)
	}
}

func TestToolCallValidatesAndNormalizes(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Tool("calculate_sum", sumSchema, sum); err != nil {
		t.Fatalf("register: %v", err)
	}

	tools := reg.Tools().Snapshot()
	if len(tools) != 1 || tools[0].Description != "Add two numbers" {
		t.Fatalf("unexpected descriptor: %+v", tools)
	}

	res := callTool(t, reg, "calculate_sum", `{"a":2,"b":3}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if got := textOf(t, res); got != "5" {
		t.Fatalf("expected 5, got %q", got)
	}
}

func TestToolInvalidArgumentsSkipHandler(t *testing.T) {
	reg := NewRegistry()
	called := false
	err := reg.Tool("calculate_sum", sumSchema, func(ctx context.Context, s Session, args map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, args := range []string{`{"a":"two","b":3}`, `{"a":2}`, ``, `[1]`} {
		res := callTool(t, reg, "calculate_sum", args)
		if !res.IsError {
			t.Fatalf("%q: expected isError result", args)
		}
	}
	if called {
		t.Fatalf("handler must not run for invalid arguments")
	}
}

func TestToolHandlerErrorPropagates(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	err := reg.Tool("fail", map[string]any{"type": "object"}, func(context.Context, Session, map[string]any) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = reg.Tools().CallTool(context.Background(), testSession{}, &mcp.CallToolParams{Name: "fail"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestToolUnknownName(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Tools().CallTool(context.Background(), testSession{}, &mcp.CallToolParams{Name: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestToolDuplicateName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Tool("sum", sumSchema, sum); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Tool("sum", sumSchema, sum); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestToolSchemaForms(t *testing.T) {
	raw := `{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`
	echo := func(ctx context.Context, s Session, args map[string]any) (any, error) {
		return args["msg"], nil
	}
	attached, err := AttachSchema(raw, echo)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	cases := map[string]func(reg *Registry) error{
		"raw message":    func(reg *Registry) error { return reg.Tool("echo", json.RawMessage(raw), echo) },
		"bytes":          func(reg *Registry) error { return reg.Tool("echo", []byte(raw), echo) },
		"string":         func(reg *Registry) error { return reg.Tool("echo", raw, echo) },
		"schema handler": func(reg *Registry) error { return reg.Tool("echo", attached) },
	}
	for name, register := range cases {
		t.Run(name, func(t *testing.T) {
			reg := NewRegistry()
			if err := register(reg); err != nil {
				t.Fatalf("register: %v", err)
			}
			if got := textOf(t, callTool(t, reg, "echo", `{"msg":"hi"}`)); got != "hi" {
				t.Fatalf("expected hi, got %q", got)
			}
			if res := callTool(t, reg, "echo", `{}`); !res.IsError {
				t.Fatalf("expected missing msg to be rejected")
			}
		})
	}
}

func TestNormalizeResult(t *testing.T) {
	envelope := &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("as is")}, IsError: true}

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", "hello"},
		{"number", 5.0, "5"},
		{"bool", true, "true"},
		{"nil", nil, "null"},
		{"struct", struct {
			X int `json:"x"`
		}{X: 1}, `{"x":1}`},
		{"plain map", map[string]any{"k": "v"}, `{"k":"v"}`},
		{"envelope map", map[string]any{"content": []any{map[string]any{"type": "text", "text": "inner"}}}, "inner"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := NormalizeResult(tc.in)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got := textOf(t, res); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}

	res, err := NormalizeResult(envelope)
	if err != nil || res != envelope {
		t.Fatalf("envelope must pass through unchanged")
	}
	res, err = NormalizeResult(*envelope)
	if err != nil || !res.IsError || textOf(t, res) != "as is" {
		t.Fatalf("value envelope must pass through, got %+v", res)
	}
	if _, err := NormalizeResult(make(chan int)); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestResourceContents(t *testing.T) {
	reg := NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Resource("info://text", func(context.Context, Session, string) (any, error) {
		return "plain", nil
	}))
	must(reg.Resource("info://md", func(context.Context, Session, string) (any, error) {
		return "# title", nil
	}, WithMimeType("text/markdown"), WithResourceName("readme")))
	must(reg.Resource("info://json", func(context.Context, Session, string) (any, error) {
		return map[string]any{"ok": true}, nil
	}))

	cases := []struct {
		uri, mime, text string
	}{
		{"info://text", mcp.MimeTypeText, "plain"},
		{"info://md", "text/markdown", "# title"},
		{"info://json", mcp.MimeTypeJSON, `{"ok":true}`},
	}
	for _, tc := range cases {
		contents, err := reg.Resources().ReadResource(context.Background(), testSession{}, tc.uri)
		if err != nil {
			t.Fatalf("read %s: %v", tc.uri, err)
		}
		if len(contents) != 1 {
			t.Fatalf("%s: expected one content, got %d", tc.uri, len(contents))
		}
		c := contents[0]
		if c.URI != tc.uri || c.MimeType != tc.mime || c.Text != tc.text {
			t.Fatalf("%s: unexpected contents %+v", tc.uri, c)
		}
	}

	list := reg.Resources().Snapshot()
	if len(list) != 3 || list[0].Name != "info://text" || list[1].Name != "readme" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	if _, err := reg.Resources().ReadResource(context.Background(), testSession{}, "info://missing"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	if err := reg.Resource("info://text", func(context.Context, Session, string) (any, error) { return "", nil }); !errors.Is(err, ErrDuplicateResource) {
		t.Fatalf("expected ErrDuplicateResource, got %v", err)
	}
}

func TestListToolsPagination(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := reg.Tool(name, sumSchema, sum); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	reg.Tools().SetPageSize(2)

	page, err := reg.Tools().ListTools(context.Background(), testSession{}, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == nil || *page.NextCursor != "2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = reg.Tools().ListTools(context.Background(), testSession{}, page.NextCursor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "c" || page.NextCursor != nil {
		t.Fatalf("unexpected second page: %+v", page)
	}

	bogus := "zzz"
	page, _ = reg.Tools().ListTools(context.Background(), testSession{}, &bogus)
	if page.Items[0].Name != "a" {
		t.Fatalf("bogus cursor should restart at first page")
	}
}

func TestListChangedNotifications(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lc, ok, err := reg.Tools().GetListChangedCapability(ctx, testSession{})
	if err != nil || !ok {
		t.Fatalf("expected list changed support, ok=%v err=%v", ok, err)
	}
	fired := make(chan struct{}, 4)
	if ok, err := lc.Register(ctx, testSession{}, func(context.Context, Session) { fired <- struct{}{} }); err != nil || !ok {
		t.Fatalf("register: ok=%v err=%v", ok, err)
	}

	if err := reg.Tool("sum", sumSchema, sum); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for list changed callback")
	}

	if !reg.Tools().Remove("sum") {
		t.Fatalf("expected remove to succeed")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for list changed callback after remove")
	}
	if reg.Tools().Remove("sum") {
		t.Fatalf("second remove should report false")
	}
}
