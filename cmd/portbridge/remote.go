package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/germanamz/portbridge/pkg/engine"
	"github.com/germanamz/portbridge/pkg/tools/mcpclient"
)

// kvStore is the part of hoststore.Store the store subcommands use.
type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value, origin string) error
	Delete(ctx context.Context, key, origin string) error
	Keys(ctx context.Context) ([]string, error)
}

// remoteStore runs store commands against a host's MCP endpoint. The host
// records these writes with origin mcp; the origin argument is ignored.
type remoteStore struct {
	client *mcpclient.MCPClient
}

func toolName(op string) string {
	return engine.ToolNamespace + "_storage_" + op
}

func (r remoteStore) call(ctx context.Context, op string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", op, err)
	}

	return r.client.CallTool(ctx, toolName(op), raw)
}

func (r remoteStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.call(ctx, "get", map[string]string{"key": key})
	if err != nil {
		var toolErr *mcpclient.ToolError
		if errors.As(err, &toolErr) && toolErr.Message == "key not found" {
			return "", false, nil
		}
		return "", false, err
	}

	return v, true, nil
}

func (r remoteStore) Set(ctx context.Context, key, value, _ string) error {
	_, err := r.call(ctx, "set", map[string]any{"key": key, "value": json.RawMessage(value)})
	return err
}

func (r remoteStore) Delete(ctx context.Context, key, _ string) error {
	_, err := r.call(ctx, "delete", map[string]string{"key": key})
	return err
}

func (r remoteStore) Keys(ctx context.Context) ([]string, error) {
	v, err := r.call(ctx, "keys", struct{}{})
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := json.Unmarshal([]byte(v), &keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}

	return keys, nil
}

// withRemote connects to the MCP endpoint at url for the duration of fn.
func withRemote(ctx context.Context, url string, fn func(kvStore) error) error {
	client, err := mcpclient.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	return fn(remoteStore{client: client})
}
