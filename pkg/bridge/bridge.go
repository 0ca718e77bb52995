// Package bridge ties the router, storage port and change listener of one
// execution context together. A Bridge is the explicit context object every
// handler works on; nothing is looked up globally.
//
// All work for a bridge runs on the goroutine that calls Run: inbound
// messages and host store changes are handled one at a time, in arrival
// order, and each handler runs to completion before the next event.
package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/germanamz/portbridge/pkg/changelistener"
	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/router"
	"github.com/germanamz/portbridge/pkg/storageport"
	"github.com/germanamz/portbridge/pkg/wire"
)

const defaultFeedBuffer = 64

// Bridge is one execution context's end of the tagged channel.
type Bridge struct {
	origin     string
	store      hoststore.Store
	router     *router.Router
	port       *storageport.Port
	listener   *changelistener.Listener
	log        *slog.Logger
	announce   bool
	feedBuffer int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOrigin overrides the random origin that tags this bridge's writes.
func WithOrigin(origin string) Option {
	return func(b *Bridge) {
		if origin != "" {
			b.origin = origin
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithAnnounceOnWatch makes the first watch of a key emit its current value.
func WithAnnounceOnWatch(on bool) Option {
	return func(b *Bridge) { b.announce = on }
}

// WithFeedBuffer sets the buffer size of the store subscription used by Run.
func WithFeedBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.feedBuffer = n
		}
	}
}

// New builds a bridge over store that answers through sink. A nil sink is
// allowed; every outbound message then becomes a diagnostic.
func New(store hoststore.Store, sink router.Sink, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		origin:     uuid.NewString(),
		store:      store,
		log:        slog.Default(),
		feedBuffer: defaultFeedBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.log = b.log.With("origin", b.origin)
	b.router = router.New(sink, b.log)
	b.port = storageport.New(store, b.router, b.origin)

	var lopts []changelistener.Option
	if b.announce {
		lopts = append(lopts, changelistener.AnnounceOnWatch(store))
	}
	b.listener = changelistener.New(b.router, b.origin, lopts...)

	if err := b.port.Register(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if err := b.listener.Register(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if err := router.On(b.router, b.relayLog); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	for _, tag := range wire.InboundTags() {
		if !b.router.Handles(tag) {
			return nil, fmt.Errorf("bridge: no handler for %s", tag)
		}
	}

	return b, nil
}

// Origin returns the identifier attached to this bridge's writes.
func (b *Bridge) Origin() string { return b.origin }

// Watched returns the watched keys in ascending order.
func (b *Bridge) Watched() []string { return b.listener.Keys() }

// Router exposes the bridge's router, e.g. to register extra handlers.
func (b *Bridge) Router() *router.Router { return b.router }

// HandleMessage dispatches one inbound message.
func (b *Bridge) HandleMessage(ctx context.Context, m wire.Message) {
	b.router.Dispatch(ctx, m)
}

// HandleChange passes one host store change to the change listener.
func (b *Bridge) HandleChange(ctx context.Context, c hoststore.Change) {
	b.listener.Notify(ctx, c)
}

// Run processes inbound messages and store changes until ctx is done or
// inbound is closed. A closed inbound channel ends Run without error.
func (b *Bridge) Run(ctx context.Context, inbound <-chan wire.Message) error {
	if b.store == nil {
		return b.runMessages(ctx, inbound)
	}

	sub := b.store.Subscribe(b.feedBuffer)
	defer b.store.Unsubscribe(sub)

	b.log.DebugContext(ctx, "bridge started")
	defer b.log.DebugContext(ctx, "bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-inbound:
			if !ok {
				return nil
			}
			b.HandleMessage(ctx, m)
		case c, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("bridge: %w", hoststore.ErrClosed)
			}
			b.HandleChange(ctx, c)
		case <-sub.Overflow:
			if err := b.catchUp(ctx, sub); err != nil {
				return err
			}
		}
	}
}

// catchUp handles what is left in sub.C and then the changes the feed held
// back while the buffer was full, newest per key.
func (b *Bridge) catchUp(ctx context.Context, sub *hoststore.Subscription) error {
	drained := 0
	for done := false; !done; {
		select {
		case c, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("bridge: %w", hoststore.ErrClosed)
			}
			b.HandleChange(ctx, c)
			drained++
		default:
			done = true
		}
	}

	pending := sub.Pending()
	b.log.WarnContext(ctx, "bridge fell behind store changes; catching up",
		"buffered", drained,
		"coalesced", len(pending),
	)
	for _, c := range pending {
		b.HandleChange(ctx, c)
	}

	return nil
}

func (b *Bridge) runMessages(ctx context.Context, inbound <-chan wire.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-inbound:
			if !ok {
				return nil
			}
			b.HandleMessage(ctx, m)
		}
	}
}

func (b *Bridge) relayLog(ctx context.Context, in wire.LogLine) {
	b.log.InfoContext(ctx, in.Text, "source", "app")
}
