package watcher

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// startTrigger wires a best-effort filesystem trigger that shortens the
// sleep between scan cycles. The periodic scan remains the authority; a
// missing or failing fsnotify backend only means full-interval polling.
func (w *Watcher) startTrigger(ctx context.Context) (<-chan struct{}, func()) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable, scan interval only", slog.String("error", err.Error()))
		return w.kick, func() {}
	}

	for _, wd := range w.cfg.WatchDirs {
		if err := fsw.Add(wd.Path); err != nil {
			slog.Debug("fsnotify add failed",
				slog.String("path", wd.Path),
				slog.String("error", err.Error()))
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fsw.Events:
				if !ok {
					return
				}
				select {
				case w.kick <- struct{}{}:
				default:
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w.kick, func() { _ = fsw.Close() }
}
