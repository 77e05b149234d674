package catalog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// CheckIntegrity runs the driver-startup integrity routine:
//
//	(a) physical integrity check;
//	(b) crash recovery from an aborted rename-and-copy migration: when a
//	    temp_<table> exists and <table> does not, rename it back;
//	(c) foreign-key check across the schema.
//
// A corrupt database yields KindCorruptDb; the driver must refuse traffic
// until an explicit repair.
func CheckIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return cerrors.Wrap(cerrors.KindCorruptDb, err)
	}
	if result != "ok" {
		return cerrors.Newf(cerrors.KindCorruptDb, "integrity check failed: %s", result)
	}

	if err := recoverAbortedMigration(db); err != nil {
		return err
	}

	if err := checkForeignKeys(db); err != nil {
		return err
	}
	return nil
}

// recoverAbortedMigration renames temp_<table> back to <table> when a
// migration died between the RENAME and the DROP.
func recoverAbortedMigration(db *sql.DB) error {
	live, err := liveTables(db)
	if err != nil {
		return err
	}

	for _, decl := range Tables() {
		temp := "temp_" + decl.Name
		if !live[temp] {
			continue
		}
		if live[decl.Name] {
			// Both exist: the copy step may have been mid-flight. The new
			// table cannot be trusted; the renamed original is authoritative.
			if _, err := db.Exec(fmt.Sprintf("DROP TABLE %s", decl.Name)); err != nil {
				return cerrors.Wrapf(cerrors.KindMigration, err, "drop partial table %s", decl.Name)
			}
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", temp, decl.Name)); err != nil {
			return cerrors.Wrapf(cerrors.KindMigration, err, "recover %s from %s", decl.Name, temp)
		}
		slog.Warn("recovered table from aborted migration",
			slog.String("table", decl.Name))
	}
	return nil
}

// checkForeignKeys verifies referential integrity of dependent tables.
// Violations after a table rebuild indicate the rebuild dropped referenced
// rows; they are reported, not silently repaired.
func checkForeignKeys(db *sql.DB) error {
	rows, err := db.Query("PRAGMA foreign_key_check")
	if err != nil {
		return cerrors.Wrap(cerrors.KindSql, err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return cerrors.Wrap(cerrors.KindSql, err)
		}
		violations = append(violations, fmt.Sprintf("%s->%s", table, parent))
	}
	if err := rows.Err(); err != nil {
		return cerrors.Wrap(cerrors.KindSql, err)
	}

	if len(violations) > 0 {
		return cerrors.Newf(cerrors.KindCorruptDb, "foreign key violations: %s",
			strings.Join(violations, ", "))
	}
	return nil
}

// Repair attempts to bring a refused database back to service: reindex,
// vacuum, then re-run the integrity routine. Invoked only by the explicit
// repair RPC.
func Repair(db *sql.DB) error {
	for _, stmt := range []string{"REINDEX", "VACUUM"} {
		if _, err := db.Exec(stmt); err != nil {
			return cerrors.Wrapf(cerrors.KindSql, err, "repair: %s", stmt)
		}
	}
	return CheckIntegrity(db)
}
