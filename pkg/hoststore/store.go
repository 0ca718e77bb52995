// Package hoststore is the host-side persistent key-value store the bridge
// delegates to. Values are serialized JSON text keyed by string. Every
// mutation is published as a Change carrying the origin of the writer, so
// bridges can forward changes made by other execution contexts and ignore
// their own.
package hoststore

import (
	"context"
	"errors"
	"time"
)

// Well-known origins for writers that are not bridges.
const (
	OriginHTTP = "http"
	OriginMCP  = "mcp"
	OriginCLI  = "cli"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = errors.New("key is required")
)

// Change describes one mutation of a key. OldValue and NewValue are nil when
// the key was absent before or removed by the change.
type Change struct {
	Key      string
	OldValue *string
	NewValue *string
	Origin   string
	At       time.Time
}

// Store is the host key-value store consumed by the bridge.
type Store interface {
	// Get returns the stored text for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key on behalf of origin.
	Set(ctx context.Context, key, value, origin string) error
	// Delete removes key on behalf of origin. Deleting an absent key is not
	// an error and publishes nothing.
	Delete(ctx context.Context, key, origin string) error
	// Keys returns all keys, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Subscribe registers for change notifications.
	Subscribe(bufSize int) *Subscription
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(sub *Subscription)
	// Close releases the store.
	Close() error
}

func strPtr(s string) *string { return &s }
