package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	ws "github.com/coder/websocket"
	"github.com/ggoodman/mcp-edge-go/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "mcp-edge dev ("))
}

func TestServeFlagsOverrideEnvironment(t *testing.T) {
	cfg := loadConfig(t)
	var f serveFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	f.bind(fs)
	require.NoError(t, fs.Parse([]string{"--addr", ":9999", "--token", "flag-token", "--engine", "sdk"}))

	f.apply(fs, cfg)
	require.Equal(t, ":9999", cfg.Addr)
	require.Equal(t, "flag-token", cfg.Auth.Token)
	require.Equal(t, config.EngineSDK, cfg.Engine)
	require.Equal(t, config.StorageMemory, cfg.Storage.Backend, "unset flags leave the environment value")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", slog.LevelInfo).Info("hello", slog.String("k", "v"))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])

	buf.Reset()
	l := newLogger(&buf, "text", slog.LevelWarn)
	l.Info("dropped")
	l.Warn("kept")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "kept")
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t)

	st, err := openStorage(ctx, cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	mr := miniredis.RunT(t)
	cfg.Storage.Backend = config.StorageRedis
	cfg.Storage.RedisAddr = mr.Addr()
	st, err = openStorage(ctx, cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg.Storage.RedisAddr = "127.0.0.1:1"
	_, err = openStorage(ctx, cfg.Storage)
	require.Error(t, err)

	cfg.Storage.Backend = "etcd"
	_, err = openStorage(ctx, cfg.Storage)
	require.Error(t, err)
}

func TestBuildAuth(t *testing.T) {
	ctx := context.Background()

	got, err := buildAuth(ctx, config.Auth{})
	require.NoError(t, err)
	require.False(t, got.Enabled())

	got, err = buildAuth(ctx, config.Auth{Token: "secret"})
	require.NoError(t, err)
	require.Equal(t, "secret", got.Token)
	require.Nil(t, got.Authenticator)

	got, err = buildAuth(ctx, config.Auth{JWTSecret: "0123456789abcdef0123456789abcdef", Audiences: []string{"edge"}})
	require.NoError(t, err)
	require.NotNil(t, got.Authenticator)
}

func TestNewUpgrader(t *testing.T) {
	require.NotNil(t, newUpgrader(nil))
	require.NotNil(t, newUpgrader([]string{"https://app.example.com", "*.example.org"}))
	require.NotNil(t, newUpgrader([]string{"*"}))
}

func TestResourceMetadata(t *testing.T) {
	var cfg config.Config
	cfg.Auth.JWKSURL = "https://keys.example.com/jwks.json"
	require.Nil(t, resourceMetadata(cfg), "no base URL, nothing to name")

	cfg.BaseURL = "https://edge.example.com"
	h := resourceMetadata(cfg)
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Contains(t, rec.Body.String(), `"jwks_uri":"https://keys.example.com/jwks.json"`)

	cfg.Auth.JWKSURL = ""
	require.Nil(t, resourceMetadata(cfg))
}

func callSum(t *testing.T, ctx context.Context, conn *ws.Conn, initialize bool) string {
	t.Helper()
	write := func(v map[string]any) {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, ws.MessageText, b))
	}
	read := func(id string) json.RawMessage {
		for {
			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			var msg struct {
				ID     json.RawMessage `json:"id"`
				Result json.RawMessage `json:"result"`
			}
			require.NoError(t, json.Unmarshal(data, &msg))
			if string(msg.ID) == id {
				return msg.Result
			}
		}
	}

	if initialize {
		write(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "0"},
		}})
		read("1")
		write(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized", "params": map[string]any{}})
	}

	write(map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/call", "params": map[string]any{
		"name":      "calculate_sum",
		"arguments": map[string]any{"a": 2, "b": 3},
	}})
	var res struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(read("2"), &res))
	require.Len(t, res.Content, 1)
	return res.Content[0].Text
}

func TestBuildServesBothEngines(t *testing.T) {
	for _, kind := range []string{config.EngineNative, config.EngineSDK} {
		t.Run(kind, func(t *testing.T) {
			cfg := loadConfig(t)
			cfg.Engine = kind
			cfg.Auth.Token = "secret"

			srv, cleanup, err := build(context.Background(), cfg, discardLogger())
			require.NoError(t, err)
			t.Cleanup(cleanup)
			ts := httptest.NewServer(srv.http.Handler)
			t.Cleanup(ts.Close)
			t.Cleanup(func() { _ = srv.host.Close(context.Background()) })

			res, err := http.Get(ts.URL + "/metrics")
			require.NoError(t, err)
			_ = res.Body.Close()
			require.Equal(t, http.StatusOK, res.StatusCode)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?sessionId=s1&key=secret", nil)
			require.NoError(t, err)
			defer conn.CloseNow()

			require.Equal(t, "5", callSum(t, ctx, conn, kind == config.EngineSDK))
		})
	}
}

func TestBuildServesResourceMetadata(t *testing.T) {
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"keys":[]}`)
	}))
	t.Cleanup(jwks.Close)

	cfg := loadConfig(t)
	cfg.BaseURL = "https://edge.example.com"
	cfg.Auth.JWKSURL = jwks.URL + "/jwks.json"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, cleanup, err := build(ctx, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	t.Cleanup(func() { _ = srv.host.Close(context.Background()) })

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"resource":"https://edge.example.com"`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := loadConfig(t)
	srv, cleanup, err := build(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, srv, ln, time.Second, discardLogger()) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
