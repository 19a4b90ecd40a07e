package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-edge-go/auth"
	"github.com/ggoodman/mcp-edge-go/host"
	"github.com/ggoodman/mcp-edge-go/internal/config"
	"github.com/ggoodman/mcp-edge-go/internal/engine"
	"github.com/ggoodman/mcp-edge-go/internal/wellknown"
	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/ggoodman/mcp-edge-go/mcpservice"
	"github.com/ggoodman/mcp-edge-go/metrics"
	"github.com/ggoodman/mcp-edge-go/sdkbridge"
	"github.com/ggoodman/mcp-edge-go/session"
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/ggoodman/mcp-edge-go/storage/memory"
	storageredis "github.com/ggoodman/mcp-edge-go/storage/redis"
	storages3 "github.com/ggoodman/mcp-edge-go/storage/s3"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/ggoodman/mcp-edge-go/transport/websocket"
	"github.com/hashicorp/go-multierror"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// serveFlags override the environment when set on the command line.
type serveFlags struct {
	envFiles  []string
	addr      string
	baseURL   string
	token     string
	storage   string
	engine    string
	logFormat string
	logLevel  string
}

func (f *serveFlags) bind(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.envFiles, "env-file", nil, "dotenv files to load before reading the environment (default .env)")
	fs.StringVar(&f.addr, "addr", "", "listen address (MCP_EDGE_ADDR)")
	fs.StringVar(&f.baseURL, "base-url", "", "public base URL used in announced endpoints (MCP_EDGE_BASE_URL)")
	fs.StringVar(&f.token, "token", "", "fixed access token (MCP_EDGE_TOKEN)")
	fs.StringVar(&f.storage, "storage", "", "snapshot storage: memory, redis or s3 (MCP_EDGE_STORAGE)")
	fs.StringVar(&f.engine, "engine", "", "protocol engine: native or sdk (MCP_EDGE_ENGINE)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json (MCP_EDGE_LOG_FORMAT)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (MCP_EDGE_LOG_LEVEL)")
}

func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("addr", &cfg.Addr, f.addr)
	set("base-url", &cfg.BaseURL, f.baseURL)
	set("token", &cfg.Auth.Token, f.token)
	set("storage", &cfg.Storage.Backend, f.storage)
	set("engine", &cfg.Engine, f.engine)
	set("log-format", &cfg.LogFormat, f.logFormat)
	set("log-level", &cfg.LogLevel, f.logLevel)
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP sessions over SSE and WebSocket",
		Example: `  mcp-edge serve
  mcp-edge serve --addr :9000 --token s3cret
  MCP_EDGE_STORAGE=redis MCP_EDGE_REDIS_ADDR=redis:6379 mcp-edge serve --log-format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.envFiles...)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

// serve runs the server until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	log := newLogger(logOut, cfg.LogFormat, level)
	slog.SetDefault(log)

	srv, cleanup, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return run(ctx, srv, ln, cfg.ShutdownTimeout, log)
}

// server bundles the HTTP server with the host it fronts.
type server struct {
	http *http.Server
	host *host.Host
}

func run(ctx context.Context, srv *server, ln net.Listener, timeout time.Duration, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", ln.Addr().String()))
		if err := srv.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()

		log.InfoContext(sctx, "server.shutdown")
		var result *multierror.Error
		// Sessions first: open streams would otherwise hold Shutdown until
		// the deadline.
		if err := srv.host.Close(sctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := srv.http.Shutdown(sctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
		return result.ErrorOrNil()
	})
	return g.Wait()
}

// build assembles storage, the access gate, the engine, metrics and the
// host. cleanup releases what build opened.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	st, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { _ = st.Close() })

	authCfg, err := buildAuth(ctx, cfg.Auth)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	eng, closeEngine, err := buildEngine(cfg.Engine, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, closeEngine)

	var collector *metrics.Collector
	sessionOpts := []session.Option{
		session.WithLogger(log),
		session.WithTracerProvider(otel.GetTracerProvider()),
		session.WithKeepAlive(cfg.KeepAlive),
	}
	if cfg.BaseURL != "" {
		sessionOpts = append(sessionOpts, session.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Metrics {
		collector = metrics.New(metrics.WithRuntimeMetrics())
		sessionOpts = append(sessionOpts, session.WithObserver(collector))
	}

	h, err := host.New(host.Config{
		Factory:          session.NewFactory(eng, sessionOpts...),
		Storage:          st,
		SnapshotTTL:      cfg.Sessions.SnapshotTTL,
		Auth:             authCfg,
		Upgrader:         newUpgrader(cfg.AllowedOrigins),
		ResourceMetadata: resourceMetadata(*cfg),
		AllowedOrigins:   cfg.AllowedOrigins,
		MaxSessions:      cfg.Sessions.MaxSessions,
		IdleTimeout:      cfg.Sessions.IdleTimeout,
		Metrics:          collector,
		Logger:           log,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		},
		host: h,
	}, cleanup, nil
}

func openStorage(ctx context.Context, cfg config.Storage) (storage.Storage, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return memory.New(cfg.MaxItems)
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return storageredis.New(storageredis.Config{Client: client, KeyPrefix: cfg.RedisPrefix})
	case config.StorageS3:
		client, err := storages3.NewClient(ctx, storages3.ClientConfig{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return storages3.New(storages3.Config{Client: client, Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// buildAuth maps the configured credentials onto the gate. A rich
// authenticator takes precedence over the fixed token inside the gate.
func buildAuth(ctx context.Context, cfg config.Auth) (auth.Config, error) {
	out := auth.Config{Token: cfg.Token}

	switch {
	case cfg.OIDCIssuer != "":
		a, err := auth.NewFromDiscovery(ctx, auth.DiscoveryConfig{
			Issuer:         cfg.OIDCIssuer,
			Audience:       cfg.Audiences[0],
			ExtraAudiences: cfg.Audiences[1:],
			RequiredScopes: cfg.RequiredScopes,
		})
		if err != nil {
			return auth.Config{}, err
		}
		out.Authenticator = a
	case cfg.JWTSecret != "" || cfg.JWKSURL != "":
		a, err := auth.NewJWT(ctx, auth.JWTConfig{
			Secret:         []byte(cfg.JWTSecret),
			JWKSURL:        cfg.JWKSURL,
			Issuer:         cfg.Issuer,
			Audiences:      cfg.Audiences,
			RequiredScopes: cfg.RequiredScopes,
		})
		if err != nil {
			return auth.Config{}, err
		}
		out.Authenticator = a
	}
	return out, nil
}

// resourceMetadata advertises the token issuer to OAuth clients. It needs a
// public base URL to name the resource.
func resourceMetadata(cfg config.Config) http.Handler {
	if cfg.BaseURL == "" {
		return nil
	}
	switch {
	case cfg.Auth.OIDCIssuer != "":
		return wellknown.NewProtectedResourceMetadata(cfg.BaseURL, cfg.Auth.OIDCIssuer, "", cfg.Auth.RequiredScopes).Handler()
	case cfg.Auth.JWKSURL != "":
		return wellknown.NewProtectedResourceMetadata(cfg.BaseURL, cfg.Auth.Issuer, cfg.Auth.JWKSURL, cfg.Auth.RequiredScopes).Handler()
	}
	return nil
}

func buildEngine(kind string, log *slog.Logger) (transport.Engine, func(), error) {
	switch kind {
	case config.EngineSDK:
		srv := demoSDKServer(&sdkmcp.ServerOptions{Logger: log, Instructions: instructions})
		return sdkbridge.New(srv, sdkbridge.WithLogger(log)), func() {}, nil
	case config.EngineNative:
		reg, err := demoRegistry()
		if err != nil {
			return nil, nil, err
		}
		e := engine.NewEngine(
			mcpservice.NewServer(
				mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: version}),
				mcpservice.WithInstructions(instructions),
				mcpservice.WithRegistry(reg),
			),
			engine.WithLogger(log),
			engine.WithTracerProvider(otel.GetTracerProvider()),
		)
		return e, e.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown engine %q", kind)
}

// newUpgrader turns allowed origins into coder/websocket host patterns.
func newUpgrader(origins []string) websocket.Upgrader {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return websocket.NewUpgrader(websocket.WithInsecureSkipVerify())
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return websocket.NewUpgrader(websocket.WithOriginPatterns(patterns...))
}
