// Package journal records every executed mutation as one JSON object per
// line, for replay-based recovery. Journal write failures never propagate to
// callers: a full disk must not kill the driver loop.
package journal

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/logging"
)

// Entry is one journal record.
type Entry struct {
	TS            string `json:"ts"` // ISO 8601 UTC
	SQL           string `json:"sql"`
	Params        []any  `json:"params"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Journal appends entries to a rotating JSONL file.
type Journal struct {
	writer *logging.RotatingWriter

	// now is overridable for tests.
	now func() time.Time
}

// Open creates a journal at path with the given rotation budget. A nil
// journal is valid and records nothing.
func Open(path string, maxBytes int64, backups int) (*Journal, error) {
	if maxBytes <= 0 {
		maxBytes = 104857600
	}
	if backups <= 0 {
		backups = 5
	}
	w, err := logging.NewRotatingWriter(path, maxBytes, backups)
	if err != nil {
		return nil, err
	}
	return &Journal{writer: w, now: time.Now}, nil
}

// Record appends one entry. Never returns an error; failures are noted
// through the guarded logger only.
func (j *Journal) Record(sqlText string, params []any, success bool, txID string, execErr error) {
	if j == nil {
		return
	}

	e := Entry{
		TS:            j.now().UTC().Format(time.RFC3339Nano),
		SQL:           sqlText,
		Params:        params,
		Success:       success,
		TransactionID: txID,
	}
	if execErr != nil {
		e.Error = execErr.Error()
	}
	if e.Params == nil {
		e.Params = []any{}
	}

	logging.Guarded(func() error {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		_, err = j.writer.Write(line)
		return err
	})
}

// Close flushes and closes the journal file.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	logging.Guarded(func() error {
		if err := j.writer.Sync(); err != nil {
			slog.Debug("journal sync failed", slog.String("error", err.Error()))
		}
		return j.writer.Close()
	})
}
