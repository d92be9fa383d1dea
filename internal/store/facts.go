package store

import (
	"context"
	"database/sql"
	"fmt"
)

const factColumns = `
	id, bk_host_id, plugin_name, version, proc_status, source_type, source_id,
	bk_obj_id, is_latest, created_at, updated_at`

func scanFact(scan func(dest ...any) error, f *PluginFact) error {
	var latest int
	err := scan(&f.ID, &f.BkHostID, &f.PluginName, &f.Version, &f.ProcStatus,
		&f.SourceType, &f.SourceID, &f.BkObjID, &latest, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return err
	}
	f.IsLatest = latest != 0
	return nil
}

// UpsertFact records the current belief for (host, plugin, source_type) and
// demotes any prior latest row for the same triple. One transaction keeps the
// at-most-one-latest invariant.
func (s *Store) UpsertFact(ctx context.Context, f *PluginFact) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert fact tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE plugin_facts SET is_latest = 0, updated_at = CURRENT_TIMESTAMP
			WHERE bk_host_id = ? AND plugin_name = ? AND source_type = ? AND is_latest = 1;
		`, f.BkHostID, f.PluginName, f.SourceType); err != nil {
			return fmt.Errorf("demote prior facts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plugin_facts (bk_host_id, plugin_name, version, proc_status, source_type, source_id, bk_obj_id, is_latest)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1);
		`, f.BkHostID, f.PluginName, f.Version, f.ProcStatus, f.SourceType, f.SourceID, f.BkObjID)
		if err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
		f.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("fact id: %w", err)
		}
		f.IsLatest = true
		return tx.Commit()
	})
}

// SetFactProcStatus updates the process status of the latest fact for
// (host, plugin) without rotating rows. Used by the state sync reconciler.
func (s *Store) SetFactProcStatus(ctx context.Context, hostID int64, pluginName, procStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_facts SET proc_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE bk_host_id = ? AND plugin_name = ? AND is_latest = 1;
	`, procStatus, hostID, pluginName)
	if err != nil {
		return fmt.Errorf("set fact proc status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("proc status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHostFacts returns the latest facts for one host, every plugin and source.
func (s *Store) ListHostFacts(ctx context.Context, hostID int64) ([]PluginFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+`
		FROM plugin_facts
		WHERE bk_host_id = ? AND is_latest = 1
		ORDER BY plugin_name, source_type;
	`, hostID)
	if err != nil {
		return nil, fmt.Errorf("list host facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// FindLatestFact returns the latest fact for (host, plugin, source_type).
func (s *Store) FindLatestFact(ctx context.Context, hostID int64, pluginName string, sourceType FactSourceType) (*PluginFact, error) {
	var f PluginFact
	err := scanFact(s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+`
		FROM plugin_facts
		WHERE bk_host_id = ? AND plugin_name = ? AND source_type = ? AND is_latest = 1;
	`, hostID, pluginName, sourceType).Scan, &f)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest fact: %w", err)
	}
	return &f, nil
}

// ListFactClaims returns every subscription-sourced fact row for one
// (host, plugin), newest first and including demoted rows. Demoted rows are
// the claim history: policies that held the host before the current owner.
func (s *Store) ListFactClaims(ctx context.Context, hostID int64, pluginName string) ([]PluginFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+`
		FROM plugin_facts
		WHERE bk_host_id = ? AND plugin_name = ? AND source_type = ?
		ORDER BY id DESC;
	`, hostID, pluginName, FactSourceSubscription)
	if err != nil {
		return nil, fmt.Errorf("list fact claims: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// ListFactsBySource returns the latest facts owned by one subscription.
func (s *Store) ListFactsBySource(ctx context.Context, sourceType FactSourceType, sourceID int64) ([]PluginFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+`
		FROM plugin_facts
		WHERE source_type = ? AND source_id = ? AND is_latest = 1
		ORDER BY bk_host_id, plugin_name;
	`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list facts by source: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// RetireFactsBySource demotes every latest fact owned by one subscription,
// used when a policy is deleted or a host leaves its scope.
func (s *Store) RetireFactsBySource(ctx context.Context, sourceType FactSourceType, sourceID int64, hostIDs []int64) (int64, error) {
	cond := `source_type = ? AND source_id = ? AND is_latest = 1`
	args := []any{sourceType, sourceID}
	if len(hostIDs) > 0 {
		cond += ` AND bk_host_id IN (` + placeholders(len(hostIDs)) + `)`
		for _, id := range hostIDs {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_facts SET is_latest = 0, updated_at = CURRENT_TIMESTAMP WHERE `+cond+`;`, args...)
	if err != nil {
		return 0, fmt.Errorf("retire facts: %w", err)
	}
	return res.RowsAffected()
}

func collectFacts(rows *sql.Rows) ([]PluginFact, error) {
	var out []PluginFact
	for rows.Next() {
		var f PluginFact
		if err := scanFact(rows.Scan, &f); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fact rows: %w", err)
	}
	return out, nil
}
