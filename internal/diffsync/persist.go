package diffsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// writeBehind batches authoritative values for the Store. The sync path
// only records the latest value per entity; flush writes them out.
type writeBehind struct {
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	dirty map[EntityKey]string

	flushMu sync.Mutex
}

func newWriteBehind(store Store, log *slog.Logger) *writeBehind {
	return &writeBehind{
		store: store,
		log:   log,
		dirty: make(map[EntityKey]string),
	}
}

func (w *writeBehind) mark(key EntityKey, value string) {
	w.mu.Lock()
	w.dirty[key] = value
	w.mu.Unlock()
}

// load returns the newest value for key, preferring an unflushed one.
func (w *writeBehind) load(ctx context.Context, key EntityKey) (string, error) {
	w.mu.Lock()
	v, ok := w.dirty[key]
	w.mu.Unlock()
	if ok {
		return v, nil
	}
	return w.store.Load(ctx, key)
}

// flush saves every dirty value. A value that changes while it is being
// saved stays dirty for the next flush.
func (w *writeBehind) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := make(map[EntityKey]string, len(w.dirty))
	for k, v := range w.dirty {
		batch[k] = v
	}
	w.mu.Unlock()

	var errs []error
	for k, v := range batch {
		if err := w.store.Save(ctx, k, v); err != nil {
			w.log.Error("failed to save entity", "entity", k.String(), "err", err)
			errs = append(errs, fmt.Errorf("save %s: %w", k, err))
			continue
		}
		w.mu.Lock()
		if cur, ok := w.dirty[k]; ok && cur == v {
			delete(w.dirty, k)
		}
		w.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (w *writeBehind) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}
