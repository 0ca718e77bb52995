package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/tools/toolbox"
)

func echoHandler(_ context.Context, input json.RawMessage) (string, error) {
	return string(input), nil
}

func errorHandler(_ context.Context, _ json.RawMessage) (string, error) {
	return "", errors.New("tool failed")
}

func newTestTool(name string) toolbox.Tool {
	return toolbox.Tool{
		Name:        name,
		Description: "Test tool: " + name,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler:     echoHandler,
	}
}

func connect(t *testing.T, transport mcp.Transport) *mcp.ClientSession {
	t.Helper()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// setupTestClient runs s over in-memory transports and returns a connected
// client session.
func setupTestClient(t *testing.T, s *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- s.run(ctx, serverTransport)
	}()
	t.Cleanup(func() {
		cancel()
		<-serverDone
	})

	return connect(t, clientTransport)
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	return tc.Text
}

func TestListStoreTools(t *testing.T) {
	s := New("portbridge", "test", Options{})
	s.RegisterToolBox(hoststore.Tools(hoststore.NewMemory(), "host"))
	session := setupTestClient(t, s)

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"host_storage_get",
		"host_storage_set",
		"host_storage_delete",
		"host_storage_keys",
	}, names)
}

func TestStoreToolsWriteWithMCPOrigin(t *testing.T) {
	store := hoststore.NewMemory()
	sub := store.Subscribe(4)
	defer store.Unsubscribe(sub)

	s := New("portbridge", "test", Options{})
	s.RegisterToolBox(hoststore.Tools(store, "host"))
	session := setupTestClient(t, s)
	ctx := context.Background()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "host_storage_set",
		Arguments: map[string]any{"key": "theme", "value": "dark"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	c := <-sub.C
	assert.Equal(t, hoststore.OriginMCP, c.Origin)
	assert.Equal(t, `"dark"`, *c.NewValue)

	result, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "host_storage_get",
		Arguments: map[string]any{"key": "theme"},
	})
	require.NoError(t, err)
	assert.Equal(t, `"dark"`, textOf(t, result))
}

func TestToolCallSuccess(t *testing.T) {
	s := New("srv", "1.0.0", Options{})
	s.Register(newTestTool("echo"))
	session := setupTestClient(t, s)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"msg": "hello"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"msg":"hello"}`, textOf(t, result))
}

func TestToolCallHandlerError(t *testing.T) {
	s := New("srv", "1.0.0", Options{})
	s.Register(toolbox.Tool{
		Name:        "fail",
		Description: "Always fails",
		Handler:     errorHandler,
	})
	session := setupTestClient(t, s)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "fail",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool failed", textOf(t, result))
}

func TestToolCallNotFound(t *testing.T) {
	session := setupTestClient(t, New("srv", "1.0.0", Options{}))

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "missing",
		Arguments: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestHTTPHandler(t *testing.T) {
	store := hoststore.NewMemory()
	require.NoError(t, store.Set(context.Background(), "a", "1", "test"))

	s := New("portbridge", "test", Options{Instructions: "host store"})
	s.RegisterToolBox(hoststore.Tools(store, "host"))

	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	session := connect(t, &mcp.StreamableClientTransport{Endpoint: srv.URL, DisableStandaloneSSE: true})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "host_storage_keys",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, textOf(t, result))
}

func TestContextCancellation(t *testing.T) {
	s := New("srv", "1.0.0", Options{})
	serverTransport, _ := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.run(ctx, serverTransport)
	assert.ErrorIs(t, err, context.Canceled)
}
