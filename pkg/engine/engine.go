package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/germanamz/portbridge/pkg/bridge"
	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/hoststore/sqlitestore"
	"github.com/germanamz/portbridge/pkg/router"
	"github.com/germanamz/portbridge/pkg/server"
	"github.com/germanamz/portbridge/pkg/tools/mcpserver"
	"github.com/germanamz/portbridge/pkg/tools/toolbox"
)

// Version is reported to MCP clients.
var Version = "dev"

// ToolNamespace prefixes the names of the store tools.
const ToolNamespace = "host"

// Engine assembles the host store, bridges, MCP tools and HTTP server from
// configuration.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	store  hoststore.Store
	tools  *toolbox.ToolBox
	mcp    *mcpserver.MCPServer
	server *server.Server

	closeOnce sync.Once
	closeErr  error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger replaces the logger built from Config.Log.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithStore uses store instead of opening the configured driver. The engine
// takes ownership and closes it on Close.
func WithStore(store hoststore.Store) Option {
	return func(e *Engine) { e.store = store }
}

// New validates cfg, opens the host store and builds the MCP server and HTTP
// server.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		log, err := NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		e.log = log
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if e.store == nil {
		store, err := e.openStore()
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.tools = hoststore.Tools(e.store, ToolNamespace)

	e.mcp = mcpserver.New("portbridge", Version, mcpserver.Options{
		Instructions: "Read and write the portbridge host store. Writes reach every connected runtime that watches the key.",
		Logger:       e.log.With("component", "mcp"),
	})
	e.mcp.RegisterToolBox(e.tools)

	e.server = server.New(e.store, func(sink router.Sink) (*bridge.Bridge, error) {
		return e.NewBridge(sink)
	}, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		TagPrefix:      cfg.TagPrefix,
		MCP:            e.mcp.HTTPHandler(),
	}, e.log.With("component", "http"))

	e.log.DebugContext(ctx, "engine ready", "store", cfg.Store.Driver, "tools", len(e.tools.Tools()))

	return e, nil
}

func (e *Engine) openStore() (hoststore.Store, error) {
	switch e.cfg.Store.Driver {
	case DriverSQLite:
		s, err := sqlitestore.Open(e.cfg.Store.Path,
			sqlitestore.WithPollInterval(e.cfg.Store.PollInterval),
			sqlitestore.WithRetention(e.cfg.Store.Retention),
			sqlitestore.WithLogger(e.log.With("component", "store")),
		)
		if err != nil {
			return nil, fmt.Errorf("engine: open store: %w", err)
		}
		return s, nil
	default:
		return hoststore.NewMemory(hoststore.WithLogger(e.log.With("component", "store"))), nil
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.log }

// Store returns the host store.
func (e *Engine) Store() hoststore.Store { return e.store }

// Tools returns the store tools exposed over MCP.
func (e *Engine) Tools() *toolbox.ToolBox { return e.tools }

// NewBridge creates a bridge over the engine's store that answers through
// sink, using the configured defaults. opts are applied after the defaults.
func (e *Engine) NewBridge(sink router.Sink, opts ...bridge.Option) (*bridge.Bridge, error) {
	defaults := []bridge.Option{
		bridge.WithLogger(e.log.With("component", "bridge")),
		bridge.WithAnnounceOnWatch(e.cfg.AnnounceOnWatch),
		bridge.WithFeedBuffer(e.cfg.FeedBuffer),
	}

	return bridge.New(e.store, sink, append(defaults, opts...)...)
}

// Handler returns the HTTP handler serving bridges, the KV API and MCP.
func (e *Engine) Handler() http.Handler { return e.server.Handler() }

// Serve listens on the configured address until ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	return e.server.ListenAndServe(ctx, e.cfg.Addr)
}

// ServeMCP serves the store tools over MCP on in/out until ctx is done or
// the transport closes.
func (e *Engine) ServeMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := e.mcp.Serve(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine: serve mcp: %w", err)
	}

	return nil
}

// Close ends all bridges and closes the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.server.Close()
		if err := e.store.Close(); err != nil {
			e.closeErr = fmt.Errorf("engine: close store: %w", err)
		}
	})

	return e.closeErr
}
