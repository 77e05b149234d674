package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Applied int
	Skipped int // success=false entries
	Failed  int
}

// Replay reads the journal files at path (rotated backups first, oldest to
// newest, then the live file) and re-executes entries with success=true into
// the target store. Transactions recorded in the journal are replayed as
// transactions so partial groups do not land.
func Replay(path string, backups int, target *store.Store) (ReplayStats, error) {
	var stats ReplayStats

	var files []string
	for i := backups; i >= 1; i-- {
		p := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	files = append(files, path)

	openTx := "" // journal tx id -> replayed under a live tx
	liveTx := ""

	for _, p := range files {
		if err := replayFile(p, target, &stats, &openTx, &liveTx); err != nil {
			return stats, err
		}
	}

	// A journal that ends inside a transaction never saw the commit; the
	// replayed statements of that group are rolled back.
	if liveTx != "" {
		_ = target.Rollback(liveTx)
	}
	return stats, nil
}

func replayFile(path string, target *store.Store, stats *ReplayStats, openTx, liveTx *string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrapf(cerrors.KindIo, err, "open journal %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crashed writer is expected; skip it.
			slog.Warn("journal: skipping malformed line", slog.String("file", path))
			stats.Failed++
			continue
		}
		if !e.Success {
			stats.Skipped++
			continue
		}

		if err := applyEntry(&e, target, openTx, liveTx); err != nil {
			stats.Failed++
			slog.Warn("journal: replay entry failed",
				slog.String("sql", e.SQL),
				slog.String("error", err.Error()))
			continue
		}
		stats.Applied++
	}
	return scanner.Err()
}

func applyEntry(e *Entry, target *store.Store, openTx, liveTx *string) error {
	// Transaction boundaries travel as journal entries whose SQL is the
	// literal BEGIN/COMMIT/ROLLBACK recorded by the driver.
	switch e.SQL {
	case "BEGIN":
		id, err := target.Begin()
		if err != nil {
			return err
		}
		*openTx = e.TransactionID
		*liveTx = id
		return nil
	case "COMMIT":
		if *liveTx == "" {
			return nil
		}
		err := target.Commit(*liveTx)
		*openTx, *liveTx = "", ""
		return err
	case "ROLLBACK":
		if *liveTx == "" {
			return nil
		}
		err := target.Rollback(*liveTx)
		*openTx, *liveTx = "", ""
		return err
	}

	txID := ""
	if e.TransactionID != "" && e.TransactionID == *openTx {
		txID = *liveTx
	}
	_, err := target.Execute(e.SQL, e.Params, txID)
	return err
}
