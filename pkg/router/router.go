// Package router demultiplexes tagged messages from the application runtime to
// host-side handlers and sends host responses back out. Every failure path is
// a diagnostic on the router's logger; nothing here returns an error to the
// caller or panics into the host.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/germanamz/portbridge/pkg/wire"
)

// Sink is the outbound side of the tagged channel.
type Sink interface {
	Send(ctx context.Context, m wire.Message) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, m wire.Message) error

// Send calls the underlying function.
func (f SinkFunc) Send(ctx context.Context, m wire.Message) error {
	return f(ctx, m)
}

// Handler receives a decoded inbound record.
type Handler func(ctx context.Context, in wire.Inbound)

// Router owns the handler table for one bridge.
type Router struct {
	mu       sync.RWMutex
	handlers map[wire.Tag]Handler
	sink     Sink
	log      *slog.Logger
}

// New creates a Router that writes to sink. A nil sink is allowed: every Send
// then degrades to a diagnostic. A nil logger uses slog.Default.
func New(sink Sink, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}

	return &Router{
		handlers: make(map[wire.Tag]Handler),
		sink:     sink,
		log:      log,
	}
}

// Logger returns the router's diagnostic logger.
func (r *Router) Logger() *slog.Logger { return r.log }

// Register installs h for tag, replacing any previous handler. The tag must
// belong to the inbound vocabulary.
func (r *Router) Register(tag wire.Tag, h Handler) error {
	if tag == "" {
		return fmt.Errorf("router: register: tag is required")
	}
	if !wire.IsInbound(tag) {
		return fmt.Errorf("router: register %q: %w", tag, wire.ErrUnknownTag)
	}
	if h == nil {
		return fmt.Errorf("router: register %q: handler is required", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[tag] = h

	return nil
}

// On registers fn for the tag of T.
func On[T wire.Inbound](r *Router, fn func(ctx context.Context, in T)) error {
	var zero T

	return r.Register(zero.Tag(), func(ctx context.Context, in wire.Inbound) {
		typed, ok := in.(T)
		if !ok {
			r.log.ErrorContext(ctx, "handler received unexpected record",
				"tag", zero.Tag(),
				"type", fmt.Sprintf("%T", in),
			)
			return
		}
		fn(ctx, typed)
	})
}

// Handles reports whether a handler is registered for tag.
func (r *Router) Handles(tag wire.Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[tag]
	return ok
}

// Dispatch routes m to its handler. Unknown tags and malformed payloads are
// logged and dropped. A panicking handler is recovered and logged.
func (r *Router) Dispatch(ctx context.Context, m wire.Message) {
	r.mu.RLock()
	h, ok := r.handlers[m.Tag]
	r.mu.RUnlock()

	if !ok {
		r.log.WarnContext(ctx, "received message with unrecognized tag",
			"tag", m.Tag,
			"payload", string(m.Payload),
			"error", wire.ErrUnknownTag,
		)
		return
	}

	in, err := wire.DecodeInbound(m)
	if err != nil {
		r.log.WarnContext(ctx, "dropped message with malformed payload",
			"tag", m.Tag,
			"payload", string(m.Payload),
			"error", err,
		)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "handler panicked",
				"tag", m.Tag,
				"panic", fmt.Sprint(rec),
			)
		}
	}()

	h(ctx, in)
}

// Send forwards (tag, payload) to the sink verbatim. Without a sink, or when
// encoding or writing fails, it logs a diagnostic naming the tag.
func (r *Router) Send(ctx context.Context, tag wire.Tag, payload any) {
	if r.sink == nil {
		r.log.WarnContext(ctx, "outbound channel not wired; message dropped",
			"tag", tag,
			"error", wire.ErrMissingChannel,
		)
		return
	}

	m, err := wire.NewMessage(tag, payload)
	if err != nil {
		r.log.ErrorContext(ctx, "encode outbound message failed", "tag", tag, "error", err)
		return
	}

	if err := r.sink.Send(ctx, m); err != nil {
		r.log.WarnContext(ctx, "send outbound message failed", "tag", tag, "error", err)
	}
}

// Emit sends a typed outbound record.
func (r *Router) Emit(ctx context.Context, out wire.Outbound) {
	r.Send(ctx, out.Tag(), out.Payload())
}
