// Package bridgetest provides recording sinks and log capture for tests of
// the bridge packages.
package bridgetest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/germanamz/portbridge/pkg/wire"
)

// Recorder is a router sink that records every outbound message.
type Recorder struct {
	mu   sync.Mutex
	msgs []wire.Message
	err  error
}

// Send records m, or returns the error set with Fail.
func (r *Recorder) Send(_ context.Context, m wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.msgs = append(r.msgs, m)

	return nil
}

// Fail makes every later Send return err. A nil err restores recording.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.err = err
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.Message, len(r.msgs))
	copy(out, r.msgs)

	return out
}

// Tagged returns the recorded messages carrying tag.
func (r *Recorder) Tagged(tag wire.Tag) []wire.Message {
	var out []wire.Message
	for _, m := range r.Messages() {
		if m.Tag == tag {
			out = append(out, m)
		}
	}

	return out
}

// Reset forgets all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = nil
}

// Decode unmarshals the payload of m into v, panicking on failure.
func Decode[T any](m wire.Message) T {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		panic(errors.Join(errors.New("bridgetest: decode payload"), err))
	}

	return v
}

// Entry is one captured log record.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Logs captures log records written through the logger returned by NewLogger.
type Logs struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLogger returns a logger at debug level whose records are captured.
func NewLogger() (*slog.Logger, *Logs) {
	logs := &Logs{}

	return slog.New(&captureHandler{logs: logs}), logs
}

// Entries returns a copy of the captured records.
func (l *Logs) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)

	return out
}

// AtLeast returns the records at level or above.
func (l *Logs) AtLeast(level slog.Level) []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.Level >= level {
			out = append(out, e)
		}
	}

	return out
}

func (l *Logs) add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
}

type captureHandler struct {
	logs  *Logs
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[a.Key] = a.Value.Resolve().Any()
		return true
	})
	h.logs.add(e)

	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	return &captureHandler{logs: h.logs, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
