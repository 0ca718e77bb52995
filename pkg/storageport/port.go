// Package storageport answers storage requests from the application runtime
// against the host store. Every save is followed by a canonical read-back, so
// the runtime always sees what the store actually holds.
package storageport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/router"
	"github.com/germanamz/portbridge/pkg/wire"
)

// Port implements request and save for one bridge.
type Port struct {
	store  hoststore.Store
	router *router.Router
	origin string
	log    *slog.Logger
}

// New creates a Port that writes with the given origin and answers through r.
func New(store hoststore.Store, r *router.Router, origin string) *Port {
	return &Port{
		store:  store,
		router: r,
		origin: origin,
		log:    r.Logger(),
	}
}

// Register installs the port's handlers for LocalStorage.request and
// LocalStorage.save.
func (p *Port) Register() error {
	if err := router.On(p.router, func(ctx context.Context, in wire.StorageRequest) {
		p.Request(ctx, in.Key)
	}); err != nil {
		return fmt.Errorf("storageport: %w", err)
	}

	if err := router.On(p.router, p.Save); err != nil {
		return fmt.Errorf("storageport: %w", err)
	}

	return nil
}

// Request emits the current value of key on its listen tag. Absent keys,
// unreadable values and store failures all answer null.
func (p *Port) Request(ctx context.Context, key string) {
	p.router.Emit(ctx, wire.StorageValue{Key: key, Value: p.read(ctx, key)})
}

func (p *Port) read(ctx context.Context, key string) json.RawMessage {
	if p.store == nil {
		p.log.WarnContext(ctx, "storage read failed", "key", key, "error", wire.ErrStorageUnavailable)
		return nil
	}

	stored, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.log.WarnContext(ctx, "storage read failed",
			"key", key,
			"error", fmt.Errorf("%w: %w", wire.ErrStorageUnavailable, err),
		)
		return nil
	}
	if !ok {
		return nil
	}

	if !json.Valid([]byte(stored)) {
		p.log.WarnContext(ctx, "stored value is not valid JSON",
			"key", key,
			"value", stored,
			"error", wire.ErrMalformedPayload,
		)
		return nil
	}

	return json.RawMessage(stored)
}

// Save writes the value of in under its key and then runs Request for that
// key, whether or not the write succeeded.
func (p *Port) Save(ctx context.Context, in wire.StorageSave) {
	if in.Key == "" {
		p.log.WarnContext(ctx, "save without key dropped", "error", wire.ErrMalformedPayload)
		return
	}

	p.write(ctx, in)
	p.Request(ctx, in.Key)
}

func (p *Port) write(ctx context.Context, in wire.StorageSave) {
	value := in.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	compact, err := wire.CompactJSON(value)
	if err != nil {
		p.log.WarnContext(ctx, "save value is not valid JSON", "key", in.Key, "error", err)
		return
	}

	if p.store == nil {
		p.log.WarnContext(ctx, "storage write failed", "key", in.Key, "error", wire.ErrStorageUnavailable)
		return
	}

	if err := p.store.Set(ctx, in.Key, string(compact), p.origin); err != nil {
		p.log.WarnContext(ctx, "storage write failed",
			"key", in.Key,
			"origin", p.origin,
			"error", fmt.Errorf("%w: %w", wire.ErrStorageUnavailable, err),
		)
	}
}
