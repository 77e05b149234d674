package logging

import (
	"log/slog"
	"os"
)

// Guarded wraps a logging or status-write step so that an I/O failure (disk
// full, unwritable path) cannot propagate out of a worker loop. The wrapped
// function's error is dropped after a best-effort note; a panic inside it is
// recovered.
func Guarded(fn func() error) {
	defer func() {
		_ = recover()
	}()
	if err := fn(); err != nil {
		// Best effort only. If stderr is gone too there is nothing to do.
		func() {
			defer func() { _ = recover() }()
			slog.Warn("guarded write failed", slog.String("error", err.Error()))
		}()
	}
}

// WriteStatusFile atomically replaces path with data. Failures never
// propagate: disk-full during a status write must not kill a worker cycle.
func WriteStatusFile(path string, data []byte) {
	Guarded(func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}
