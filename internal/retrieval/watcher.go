package retrieval

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Refresher keeps the index fresh: it rebuilds on a fixed interval and,
// when the database file changes on disk, after a debounce window. External
// writers such as a parallel ingest process trigger the latter.
type Refresher struct {
	index    *Index
	interval time.Duration
	debounce time.Duration
	watch    bool
	logger   *zap.Logger
}

// NewRefresher builds a refresher. interval <= 0 disables timed rebuilds;
// watch disables file watching when false.
func NewRefresher(index *Index, interval time.Duration, watch bool) *Refresher {
	return &Refresher{
		index:    index,
		interval: interval,
		debounce: 2 * time.Second,
		watch:    watch,
		logger:   index.logger,
	}
}

// Run blocks until ctx is canceled, rebuilding as triggers fire. The initial
// rebuild happens before the loop starts so searches work immediately.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.index.Rebuild(ctx); err != nil {
		return err
	}

	var watcher *fsnotify.Watcher
	var events chan fsnotify.Event
	if r.watch && r.index.store.Path() != ":memory:" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			r.logger.Warn("file watcher unavailable", zap.Error(err))
		} else {
			// Watch the directory: SQLite swaps WAL files around the db.
			if err := w.Add(filepath.Dir(r.index.store.Path())); err != nil {
				r.logger.Warn("cannot watch database directory", zap.Error(err))
				w.Close()
			} else {
				watcher = w
				events = w.Events
				defer w.Close()
			}
		}
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var debounceC <-chan time.Time
	var debounceT *time.Timer
	dbBase := filepath.Base(r.index.store.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := r.index.Rebuild(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("scheduled rebuild failed", zap.Error(err))
			}
		case ev := <-events:
			if filepath.Base(ev.Name) != dbBase || !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if debounceT == nil {
				debounceT = time.NewTimer(r.debounce)
				debounceC = debounceT.C
			} else {
				debounceT.Reset(r.debounce)
			}
		case <-debounceC:
			debounceT = nil
			debounceC = nil
			if err := r.index.Rebuild(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("watch-triggered rebuild failed", zap.Error(err))
			}
		case err := <-errChan(watcher):
			if err != nil {
				r.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

// errChan tolerates a nil watcher so the select above stays flat.
func errChan(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}
