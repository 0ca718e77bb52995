package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/tools/mcpserver"
	"github.com/germanamz/portbridge/pkg/tools/toolbox"
)

// setupStoreServer serves the store tools of a fresh memory store over
// streamable HTTP and returns a connected client.
func setupStoreServer(t *testing.T) (*MCPClient, *hoststore.Memory) {
	t.Helper()

	store := hoststore.NewMemory()
	s := mcpserver.New("test-server", "1.0.0", mcpserver.Options{})
	s.RegisterToolBox(hoststore.Tools(store, "host"))

	srv := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(srv.Close)

	client, err := Dial(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, store
}

func TestListTools(t *testing.T) {
	client, _ := setupStoreServer(t)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 4)

	for _, tool := range tools {
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotNil(t, tool.Handler, tool.Name)
	}
}

func TestToolBoxRoundTrip(t *testing.T) {
	client, store := setupStoreServer(t)
	ctx := context.Background()

	tb, err := client.ToolBox(ctx)
	require.NoError(t, err)

	res := tb.Call(ctx, "host_storage_set", json.RawMessage(`{"key":"theme","value":"dark"}`))
	require.False(t, res.IsError, res.Content)

	v, ok, err := store.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"dark"`, v)

	res = tb.Call(ctx, "host_storage_get", json.RawMessage(`{"key":"theme"}`))
	assert.Equal(t, toolbox.Result{Content: `"dark"`}, res)
}

func TestCallToolError(t *testing.T) {
	client, _ := setupStoreServer(t)

	text, err := client.CallTool(context.Background(), "host_storage_get", json.RawMessage(`{"key":"missing"}`))
	require.Error(t, err)
	assert.Empty(t, text)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "host_storage_get", toolErr.Tool)
	assert.Equal(t, "key not found", toolErr.Message)
}

func TestCallToolBadArguments(t *testing.T) {
	client, _ := setupStoreServer(t)

	_, err := client.CallTool(context.Background(), "host_storage_get", json.RawMessage(`[1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal arguments")
}

func TestCallToolMultipleContent(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "test-server",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcp.Tool{
		Name:        "multi",
		Description: "Returns multiple content items",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: "line 1"},
				&mcp.TextContent{Text: "line 2"},
			},
		}, nil
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Run(ctx, serverTransport)
	}()
	defer func() {
		cancel()
		<-serverDone
	}()

	client, err := newFromTransport(ctx, clientTransport)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	text, err := client.CallTool(context.Background(), "multi", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2", text)
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "http://127.0.0.1:1/mcp", nil)
	assert.Error(t, err)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		result *mcp.CallToolResult
		want   string
	}{
		{
			name:   "single text",
			result: &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "hello"}}},
			want:   "hello",
		},
		{
			name: "multiple text",
			result: &mcp.CallToolResult{Content: []mcp.Content{
				&mcp.TextContent{Text: "a"},
				&mcp.TextContent{Text: "b"},
			}},
			want: "a\nb",
		},
		{
			name:   "empty content",
			result: &mcp.CallToolResult{Content: []mcp.Content{}},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractText(tt.result))
		})
	}
}

func TestFromSDKTool(t *testing.T) {
	sdkTool := &mcp.Tool{
		Name:        "host_storage_get",
		Description: "Get a value",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string"},
			},
		},
	}

	tool, err := fromSDKTool(sdkTool, &MCPClient{})
	require.NoError(t, err)
	assert.Equal(t, "host_storage_get", tool.Name)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(tool.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
}
