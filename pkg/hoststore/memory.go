package hoststore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu     sync.RWMutex
	once   sync.Once
	feed   *Feed
	data   map[string]string
	closed bool
	log    *slog.Logger
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithLogger sets the logger that reports subscribers falling behind.
func WithLogger(log *slog.Logger) MemoryOption {
	return func(m *Memory) { m.log = log }
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{}
	for _, opt := range opts {
		opt(m)
	}
	m.init()

	return m
}

// init ensures internal structures are allocated.
func (m *Memory) init() {
	m.once.Do(func() {
		m.data = make(map[string]string)
		m.feed = NewFeed()
		if m.log == nil {
			m.log = slog.Default()
		}
	})
}

// publish must be called with m.mu held.
func (m *Memory) publish(ctx context.Context, c Change) {
	if held := m.feed.Publish(c); held > 0 {
		m.log.WarnContext(ctx, "change held back for slow subscribers", "key", c.Key, "subscribers", held)
	}
}

// Get returns the value for key and whether it was found.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.init()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}

	v, ok := m.data[key]

	return v, ok, nil
}

// Set stores value under key. A change is published only when the stored
// value actually differs.
func (m *Memory) Set(ctx context.Context, key, value, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	m.init()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	old, existed := m.data[key]
	if existed && old == value {
		return nil
	}

	m.data[key] = value

	c := Change{Key: key, NewValue: strPtr(value), Origin: origin, At: time.Now()}
	if existed {
		c.OldValue = strPtr(old)
	}
	m.publish(ctx, c)

	return nil
}

// Delete removes key. Removing an absent key publishes nothing.
func (m *Memory) Delete(ctx context.Context, key, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.init()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	old, existed := m.data[key]
	if !existed {
		return nil
	}

	delete(m.data, key)
	m.publish(ctx, Change{Key: key, OldValue: strPtr(old), Origin: origin, At: time.Now()})

	return nil
}

// Keys returns a sorted slice of all keys in the store.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.init()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys, nil
}

// Subscribe registers for change notifications.
func (m *Memory) Subscribe(bufSize int) *Subscription {
	m.init()
	return m.feed.Subscribe(bufSize)
}

// Unsubscribe removes a subscription.
func (m *Memory) Unsubscribe(sub *Subscription) {
	m.init()
	m.feed.Unsubscribe(sub)
}

// Close marks the store closed and ends all subscriptions.
func (m *Memory) Close() error {
	m.init()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.feed.Close()

	return nil
}
