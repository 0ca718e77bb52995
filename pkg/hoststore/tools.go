package hoststore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/germanamz/portbridge/pkg/tools/toolbox"
)

// Tools returns a ToolBox exposing s under the given namespace. Tool names
// are {namespace}_storage_get, {namespace}_storage_set,
// {namespace}_storage_delete and {namespace}_storage_keys. Writes are made
// with origin OriginMCP, so connected bridges see them as external changes.
func Tools(s Store, namespace string) *toolbox.ToolBox {
	h := toolHandlers{store: s}
	tb := toolbox.New()

	tb.Register(
		toolbox.Tool{
			Name:        fmt.Sprintf("%s_storage_get", namespace),
			Description: "Get the JSON value stored under a key in the host store.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Handler:     h.get,
		},
		toolbox.Tool{
			Name:        fmt.Sprintf("%s_storage_set", namespace),
			Description: "Store a JSON value under a key in the host store. Connected runtimes watching the key are notified.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{}},"required":["key","value"]}`),
			Handler:     h.set,
		},
		toolbox.Tool{
			Name:        fmt.Sprintf("%s_storage_delete", namespace),
			Description: "Remove a key from the host store.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Handler:     h.delete,
		},
		toolbox.Tool{
			Name:        fmt.Sprintf("%s_storage_keys", namespace),
			Description: "List all keys in the host store.",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Handler:     h.keys,
		},
	)

	return tb
}

type toolHandlers struct {
	store Store
}

type keyInput struct {
	Key string `json:"key"`
}

type setInput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (h toolHandlers) get(ctx context.Context, input json.RawMessage) (string, error) {
	var in keyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	v, ok, err := h.store.Get(ctx, in.Key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("key not found")
	}

	return v, nil
}

func (h toolHandlers) set(ctx context.Context, input json.RawMessage) (string, error) {
	var in setInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if len(in.Value) == 0 {
		return "", errors.New("value is required")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, in.Value); err != nil {
		return "", fmt.Errorf("invalid value: %w", err)
	}

	if err := h.store.Set(ctx, in.Key, buf.String(), OriginMCP); err != nil {
		return "", err
	}

	return "ok", nil
}

func (h toolHandlers) delete(ctx context.Context, input json.RawMessage) (string, error) {
	var in keyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if err := h.store.Delete(ctx, in.Key, OriginMCP); err != nil {
		return "", err
	}

	return "ok", nil
}

func (h toolHandlers) keys(ctx context.Context, _ json.RawMessage) (string, error) {
	keys, err := h.store.Keys(ctx)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("failed to encode keys: %w", err)
	}

	return string(b), nil
}
