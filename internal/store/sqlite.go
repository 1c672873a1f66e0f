// Package store provides the SQLite-backed journal for bugloop.
//
// The journal is append-only: the scheduler writes tickets, transitions,
// outcomes and audit records, and the HTTP API reads them back. Scheduler
// state is never restored from it.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tickets (
	bug_id         TEXT PRIMARY KEY,
	severity       INTEGER NOT NULL,
	description    TEXT NOT NULL,
	arrival_ts     INTEGER NOT NULL,
	arrival_tick   INTEGER NOT NULL DEFAULT 0,
	promoted_cycle INTEGER NOT NULL DEFAULT -1
);

CREATE TABLE IF NOT EXISTS bug_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	bug_id          TEXT NOT NULL,
	seq_no          INTEGER NOT NULL,
	cycle           INTEGER NOT NULL,
	from_phase      TEXT NOT NULL,
	to_phase        TEXT NOT NULL,
	timer           INTEGER NOT NULL DEFAULT 0,
	promo_count     INTEGER NOT NULL DEFAULT 0,
	verify_attempts INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	UNIQUE(bug_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_bug_events_bug_seq ON bug_events(bug_id, seq_no);

CREATE TABLE IF NOT EXISTS outcomes (
	bug_id          TEXT PRIMARY KEY,
	final_phase     TEXT NOT NULL,
	observer_report TEXT NOT NULL DEFAULT '',
	patch_bundle    TEXT NOT NULL DEFAULT '',
	first_fail_seen INTEGER NOT NULL DEFAULT 0,
	completed       INTEGER NOT NULL DEFAULT 0,
	cycle           INTEGER NOT NULL,
	retired_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	bug_id        TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_bug ON audit_records(bug_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
