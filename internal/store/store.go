package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/nodepilot/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "np-v1-2026-05-08-subscription-core"

	// v2 adds plugin_facts.proc_status and instance_records.need_clean.
	schemaVersionV2  = 2
	schemaChecksumV2 = "np-v2-2026-06-02-proc-status"

	// v3 adds pipeline_nodes lease columns for multi-replica dispatch.
	schemaVersionV3  = 3
	schemaChecksumV3 = "np-v3-2026-07-15-node-lease"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// ErrNotFound reports an absent subscription/task/record/tree.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a compare-and-swap that lost the race.
var ErrConflict = errors.New("conflict")

// ErrChildScope reports a grayscale child whose parent link or scope is
// invalid: the parent is missing, is itself a child, or the child's scope
// reaches outside the parent's.
var ErrChildScope = errors.New("invalid grayscale child scope")

// ErrHasChildren reports a delete against a subscription with enabled
// grayscale children still attached.
var ErrHasChildren = errors.New("subscription has enabled children")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nodepilot", "nodepilot.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	versionChecksums := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
		{schemaVersionV3, schemaChecksumV3},
	}
	if maxVersion != 0 {
		matched := false
		for _, vc := range versionChecksums {
			if maxVersion != vc.version {
				continue
			}
			matched = true
			var existingChecksum string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existingChecksum); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existingChecksum != vc.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", vc.version, existingChecksum, vc.checksum)
			}
			break
		}
		if !matched {
			return fmt.Errorf("db schema version %d is older than supported minimum %d", maxVersion, schemaVersionV1)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply index statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO UPDATE SET checksum = excluded.checksum;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '' CHECK(category IN ('policy', 'once', 'debug', '')),
		object_type TEXT NOT NULL DEFAULT 'HOST',
		node_type TEXT NOT NULL DEFAULT 'INSTANCE',
		scope JSON NOT NULL DEFAULT '{}',
		plugin_name TEXT NOT NULL DEFAULT '',
		bk_biz_scope JSON NOT NULL DEFAULT '[]',
		creator TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		is_main INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS subscription_steps (
		subscription_id INTEGER NOT NULL REFERENCES subscriptions(id),
		step_id TEXT NOT NULL,
		step_index INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL CHECK(type IN ('AGENT', 'PLUGIN')),
		config JSON NOT NULL DEFAULT '{}',
		params JSON NOT NULL DEFAULT '{}',
		PRIMARY KEY (subscription_id, step_id)
	);`,
	`CREATE TABLE IF NOT EXISTS subscription_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id INTEGER NOT NULL REFERENCES subscriptions(id),
		scope JSON NOT NULL DEFAULT '{}',
		actions JSON NOT NULL DEFAULT '{}',
		is_auto_trigger INTEGER NOT NULL DEFAULT 0,
		is_ready INTEGER NOT NULL DEFAULT 0,
		err_msg TEXT NOT NULL DEFAULT '',
		pipeline_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS instance_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES subscription_tasks(id),
		subscription_id INTEGER NOT NULL,
		instance_id TEXT NOT NULL,
		instance_info JSON NOT NULL DEFAULT '{}',
		steps JSON NOT NULL DEFAULT '[]',
		pipeline_id TEXT NOT NULL DEFAULT '',
		start_pipeline_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING'
			CHECK(status IN ('PENDING', 'RUNNING', 'SUCCESS', 'FAILED', 'PART_FAILED', 'IGNORED', 'TERMINATED', 'MANUAL_STOP', 'QUEUE')),
		is_latest INTEGER NOT NULL DEFAULT 1,
		need_clean INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS pipeline_trees (
		id TEXT PRIMARY KEY,
		document JSON NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS pipeline_nodes (
		tree_id TEXT NOT NULL REFERENCES pipeline_trees(id),
		node_id TEXT NOT NULL,
		record_id INTEGER NOT NULL DEFAULT 0,
		step_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK(kind IN ('start', 'end', 'activity', 'parallel_gateway', 'converge_gateway', 'subprocess')),
		component TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'READY'
			CHECK(state IN ('READY', 'RUNNING', 'SUCCESS', 'FAILED', 'SUSPENDED', 'REVOKED', 'SKIPPED')),
		inputs JSON NOT NULL DEFAULT '{}',
		outputs JSON NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		schedule_token TEXT NOT NULL DEFAULT '',
		wake_at DATETIME,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at DATETIME,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tree_id, node_id)
	);`,
	`CREATE TABLE IF NOT EXISTS plugin_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bk_host_id INTEGER NOT NULL,
		plugin_name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		proc_status TEXT NOT NULL DEFAULT 'UNKNOWN',
		source_type TEXT NOT NULL CHECK(source_type IN ('default', 'subscription', 'debug')),
		source_id INTEGER NOT NULL DEFAULT 0,
		bk_obj_id TEXT NOT NULL DEFAULT '',
		is_latest INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_type TEXT NOT NULL DEFAULT '',
		subscription_id INTEGER NOT NULL DEFAULT 0,
		task_ids JSON NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'PENDING'
			CHECK(status IN ('PENDING', 'RUNNING', 'SUCCESS', 'FAILED', 'PART_FAILED', 'IGNORED', 'TERMINATED', 'MANUAL_STOP', 'QUEUE')),
		statistics JSON NOT NULL DEFAULT '{}',
		error_hosts JSON NOT NULL DEFAULT '[]',
		is_auto_trigger INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS node_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'INFO',
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		record_id INTEGER NOT NULL DEFAULT 0,
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_enabled ON subscriptions(enabled, deleted);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_auto ON subscription_tasks(is_auto_trigger, id);`,
	`CREATE INDEX IF NOT EXISTS idx_records_latest ON instance_records(subscription_id, instance_id, is_latest);`,
	`CREATE INDEX IF NOT EXISTS idx_records_task ON instance_records(task_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_state ON pipeline_nodes(state, wake_at);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_record ON pipeline_nodes(record_id);`,
	`CREATE INDEX IF NOT EXISTS idx_facts_latest ON plugin_facts(bk_host_id, plugin_name, source_type, is_latest);`,
	`CREATE INDEX IF NOT EXISTS idx_node_logs ON node_logs(record_id, node_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
}
