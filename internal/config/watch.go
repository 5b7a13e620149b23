package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the environment file. On change it re-runs Load,
// swaps the document store, and hands the new config to the callback. Editors
// fire several events per save, so changes are debounced.
type Watcher struct {
	path     string
	store    *Store
	log      zerolog.Logger
	onReload func(*Config, uint64)
	debounce time.Duration
}

// NewWatcher watches path (typically ".env"). onReload may be nil.
func NewWatcher(path string, store *Store, log zerolog.Logger, onReload func(*Config, uint64)) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		log:      log.With().Str("component", "config_watcher").Logger(),
		onReload: onReload,
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		// A missing file is not fatal; the platform often runs env-only.
		w.log.Warn().Err(err).Str("path", w.path).Msg("config file not watchable")
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watch error")
		case <-reload:
			cfg, err := Load()
			if err != nil {
				w.log.Error().Err(err).Msg("config reload rejected")
				continue
			}
			version := w.store.Swap(cfg.Document())
			w.log.Info().Uint64("version", version).Msg("config reloaded")
			if w.onReload != nil {
				w.onReload(cfg, version)
			}
		}
	}
}
