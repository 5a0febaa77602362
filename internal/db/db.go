// Package db opens and migrates the SQLite database backing all
// durable lifecycle state.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the given path and configures it for
// concurrent use (WAL mode, foreign keys, 30s busy timeout).
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=30000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Writers must wait out short lock contention instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// WAL allows concurrent readers while a writer holds the log.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	return db, nil
}

// requiredColumns lists every column the engine reads or writes.
// ValidateSchema fails loudly when any is missing, so a partially
// migrated or hand-edited database cannot corrupt lifecycle state.
var requiredColumns = map[string][]string{
	"sandbox_leases": {
		"lease_id", "provider_name", "current_instance_id", "instance_created_at",
		"desired_state", "observed_state", "version", "observed_at",
		"last_error", "needs_refresh", "refresh_hint_at", "status",
		"created_at", "updated_at",
	},
	"sandbox_instances": {
		"instance_id", "lease_id", "provider_session_id", "status",
		"created_at", "last_seen_at",
	},
	"lease_events": {
		"event_id", "lease_id", "event_type", "source", "payload_json",
		"error", "created_at",
	},
	"abstract_terminals": {
		"terminal_id", "thread_id", "lease_id", "is_default", "cwd",
		"env_delta_json", "state_version", "created_at", "updated_at",
	},
	"chat_sessions": {
		"chat_session_id", "thread_id", "terminal_id", "lease_id", "runtime_id",
		"status", "idle_ttl_sec", "max_duration_sec", "started_at",
		"last_active_at", "ended_at", "close_reason",
	},
	"provider_events": {
		"event_id", "provider_name", "instance_id", "event_type",
		"payload_json", "matched_lease_id", "created_at",
	},
	"run_events": {
		"seq", "thread_id", "run_id", "event_type", "data_json",
		"message_id", "created_at",
	},
	"terminal_commands": {
		"command_id", "terminal_id", "thread_id", "lease_id", "command",
		"status", "exit_code", "started_at", "finished_at",
	},
}

// ValidateSchema verifies every required table and column exists.
func ValidateSchema(db *sql.DB) error {
	for table, cols := range requiredColumns {
		present, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return fmt.Errorf("schema validation: missing table %q", table)
		}
		var missing []string
		for _, c := range cols {
			if !present[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("schema validation: table %q missing columns: %s",
				table, strings.Join(missing, ", "))
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
