package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/portbridge/pkg/bridgetest"
	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/hoststore/sqlitestore"
	"github.com/germanamz/portbridge/pkg/wire"
)

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()

	log, _ := bridgetest.NewLogger()
	e, err := New(context.Background(), cfg, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "redis"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewMemoryStore(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	_, ok := e.Store().(*hoststore.Memory)
	assert.True(t, ok)

	names := make([]string, 0)
	for _, tool := range e.Tools().Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"host_storage_delete", "host_storage_get", "host_storage_keys", "host_storage_set"}, names)
}

func TestNewSQLiteStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = DriverSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "host.db")
	cfg.Store.PollInterval = 10 * time.Millisecond

	e := newTestEngine(t, cfg)

	_, ok := e.Store().(*sqlitestore.Store)
	require.True(t, ok)
	require.NoError(t, e.Store().Set(context.Background(), "k", "1", hoststore.OriginCLI))
}

func TestNewBridgeUsesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnnounceOnWatch = true
	store := hoststore.NewMemory()
	require.NoError(t, store.Set(context.Background(), "settings", `"X"`, "other"))

	e := newTestEngine(t, cfg, WithStore(store))

	rec := &bridgetest.Recorder{}
	b, err := e.NewBridge(rec)
	require.NoError(t, err)

	b.HandleMessage(context.Background(), wire.Message{Tag: wire.TagStorageWatch, Payload: json.RawMessage(`"settings"`)})

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TagStorageChange, msgs[0].Tag)
}

func TestHandlerServesKV(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	ts := httptest.NewServer(e.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/kv/theme", strings.NewReader(`"dark"`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, ok, err := e.Store().Get(context.Background(), "theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"dark"`, v)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	e := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeMCPCancelled(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in, w := io.Pipe()
	defer w.Close()

	assert.NoError(t, e.ServeMCP(ctx, in, io.Discard))
}

func TestCloseIsIdempotent(t *testing.T) {
	log, _ := bridgetest.NewLogger()
	e, err := New(context.Background(), DefaultConfig(), WithLogger(log))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, _, err = e.Store().Get(context.Background(), "k")
	assert.ErrorIs(t, err, hoststore.ErrClosed)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "key", "theme")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "theme", rec["key"])
	assert.Equal(t, slog.LevelWarn.String(), rec["level"])

	_, err = NewLogger(LogConfig{Level: "nope"}, &buf)
	assert.Error(t, err)
}
