// Package worker holds the plumbing shared by the long-running worker
// processes: cycle statistics and guarded status files.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/logging"
)

// CycleStat is one worker cycle's observational record.
type CycleStat struct {
	Worker     string    `json:"worker"`
	Cycle      int64     `json:"cycle"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Items      int       `json:"items"`
	Errors     int       `json:"errors"`
}

// Record writes the stat row through the client. Purely observational: any
// failure is swallowed so stats can never take a worker down.
func Record(ctx context.Context, client *dbclient.Client, stat CycleStat) {
	logging.Guarded(func() error {
		_, err := client.Execute(ctx,
			`INSERT INTO worker_stats (worker, cycle, started_at, finished_at, items, errors)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{stat.Worker, stat.Cycle,
				unix(stat.StartedAt), unix(stat.FinishedAt), stat.Items, stat.Errors}, "")
		return err
	})
}

// WriteStatus dumps the stat as JSON to the worker's status file. Both the
// write and the failure logging are guarded: a full disk cannot propagate
// an error out of the cycle.
func WriteStatus(path string, stat CycleStat) {
	if path == "" {
		return
	}
	logging.Guarded(func() error {
		data, err := json.Marshal(stat)
		if err != nil {
			return err
		}
		logging.WriteStatusFile(path, data)
		return nil
	})
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Backoff tracks the 1-60s error backoff worker loops use: never let an
// inner failure end the loop, sleep a growing amount, continue.
type Backoff struct {
	current time.Duration
}

// Next returns the delay to sleep after a failure, growing 1s, 2s, 4s ...
// capped at 60s.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = time.Second
	} else {
		b.current *= 2
		if b.current > 60*time.Second {
			b.current = 60 * time.Second
		}
	}
	return b.current
}

// Reset clears the backoff after a successful cycle.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
