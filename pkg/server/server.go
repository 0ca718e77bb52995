// Package server is the HTTP face of the host: it accepts application
// runtimes on a websocket, each getting its own bridge, and exposes the host
// store over REST and MCP so other writers can change it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/germanamz/portbridge/pkg/bridge"
	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/router"
	"github.com/germanamz/portbridge/pkg/transport/wsconn"
)

// BridgeFactory builds the bridge for one connection.
type BridgeFactory func(sink router.Sink) (*bridge.Bridge, error)

// Config holds the HTTP-facing settings.
type Config struct {
	// AllowedOrigins lists browser origins such as "http://localhost:5173".
	// "*" allows any origin.
	AllowedOrigins []string
	// TagPrefix is the tag namespace used on the websocket.
	TagPrefix string
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

// Server routes HTTP requests to bridges and the host store.
type Server struct {
	engine    *gin.Engine
	store     hoststore.Store
	newBridge BridgeFactory
	cfg       Config
	log       *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds the gin engine. A nil logger uses slog.Default.
func New(store hoststore.Store, newBridge BridgeFactory, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:    gin.New(),
		store:     store,
		newBridge: newBridge,
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery())
	if cfg, ok := corsConfig(s.cfg.AllowedOrigins); ok {
		r.Use(cors.New(cfg))
	}
	r.Use(requestLogger(s.log))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "portbridge host")
	})
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.GET("/bridge", s.handleBridge)
		v1.GET("/kv", s.listKV)
		v1.GET("/kv/*key", s.getKV)
		v1.PUT("/kv/*key", s.putKV)
		v1.DELETE("/kv/*key", s.deleteKV)
	}

	if s.cfg.MCP != nil {
		r.Any("/mcp", gin.WrapH(s.cfg.MCP))
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Close ends every running bridge and waits for them to return. Bridge
// requests arriving afterwards are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// track registers a bridge with the wait group unless Close has started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)

	return true
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully and closes all bridges.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	return nil
}

func (s *Server) health(c *gin.Context) {
	if _, err := s.store.Keys(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleBridge upgrades to a websocket and runs one bridge until the peer
// disconnects or the server closes.
func (s *Server) handleBridge(c *gin.Context) {
	if !s.track() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer s.wg.Done()

	patterns, anyOrigin := originPatterns(s.cfg.AllowedOrigins)
	conn, err := wsconn.Accept(c.Writer, c.Request, wsconn.Options{
		Codec:              wsconn.Codec{Prefix: s.cfg.TagPrefix},
		OriginPatterns:     patterns,
		InsecureSkipVerify: anyOrigin,
		Logger:             s.log,
	})
	if err != nil {
		s.log.WarnContext(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	b, err := s.newBridge(conn)
	if err != nil {
		s.log.ErrorContext(c.Request.Context(), "create bridge failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.log.InfoContext(ctx, "bridge connected", "origin", b.Origin(), "remote", c.Request.RemoteAddr)
	err = b.Run(ctx, conn.Pump(ctx))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.WarnContext(ctx, "bridge stopped", "origin", b.Origin(), "error", err)
	}
	s.log.InfoContext(ctx, "bridge disconnected", "origin", b.Origin(), "watched", b.Watched())
}

// corsConfig builds the CORS settings for origins. It reports false when no
// origin is configured.
func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}

	cfg := cors.Config{
		AllowMethods:  []string{"GET", "PUT", "DELETE", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposeHeaders: []string{"Content-Length", "Mcp-Session-Id"},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}

	return cfg, true
}

// originPatterns converts configured origins into websocket host patterns.
func originPatterns(origins []string) ([]string, bool) {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return nil, true
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}

	return patterns, false
}
