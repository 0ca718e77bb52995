// Package changelistener forwards external changes of watched keys to the
// application runtime. Changes made by the listener's own execution context
// and changes of keys nobody watches are dropped.
package changelistener

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/router"
	"github.com/germanamz/portbridge/pkg/wire"
)

// Listener holds the key watch set of one bridge.
type Listener struct {
	mu       sync.RWMutex
	watched  map[string]struct{}
	router   *router.Router
	store    hoststore.Store
	origin   string
	announce bool
	log      *slog.Logger
}

// Option configures a Listener.
type Option func(*Listener)

// AnnounceOnWatch makes the first Watch of a key emit the key's current
// value on LocalStorage.onChange. It needs a store to read from.
func AnnounceOnWatch(store hoststore.Store) Option {
	return func(l *Listener) {
		l.store = store
		l.announce = store != nil
	}
}

// New creates a Listener that ignores changes made by origin.
func New(r *router.Router, origin string, opts ...Option) *Listener {
	l := &Listener{
		watched: make(map[string]struct{}),
		router:  r,
		origin:  origin,
		log:     r.Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Register installs handlers for LocalStorage.watch and LocalStorage.unwatch.
func (l *Listener) Register() error {
	if err := router.On(l.router, func(ctx context.Context, in wire.StorageWatch) {
		if l.Watch(in.Key) && l.announce {
			l.announceCurrent(ctx, in.Key)
		}
	}); err != nil {
		return fmt.Errorf("changelistener: %w", err)
	}

	if err := router.On(l.router, func(_ context.Context, in wire.StorageUnwatch) {
		l.Unwatch(in.Key)
	}); err != nil {
		return fmt.Errorf("changelistener: %w", err)
	}

	return nil
}

// Watch adds key to the watch set. It reports false when the key was
// already watched.
func (l *Listener) Watch(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watched[key]; ok {
		return false
	}
	l.watched[key] = struct{}{}

	return true
}

// Unwatch removes key from the watch set. It reports whether the key was
// watched.
func (l *Listener) Unwatch(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watched[key]; !ok {
		return false
	}
	delete(l.watched, key)

	return true
}

// Watched reports whether key is in the watch set.
func (l *Listener) Watched(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.watched[key]
	return ok
}

// Keys returns the watched keys in ascending order.
func (l *Listener) Keys() []string {
	l.mu.RLock()
	keys := make([]string, 0, len(l.watched))
	for k := range l.watched {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

// Notify handles one host store change.
func (l *Listener) Notify(ctx context.Context, c hoststore.Change) {
	if !l.Watched(c.Key) {
		return
	}
	if c.Origin == l.origin {
		return
	}

	l.router.Emit(ctx, wire.StorageChange{Key: c.Key, NewValue: c.NewValue})
}

func (l *Listener) announceCurrent(ctx context.Context, key string) {
	v, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.log.WarnContext(ctx, "read watched key failed",
			"key", key,
			"error", fmt.Errorf("%w: %w", wire.ErrStorageUnavailable, err),
		)
		return
	}

	change := wire.StorageChange{Key: key}
	if ok {
		change.NewValue = &v
	}

	l.router.Emit(ctx, change)
}
