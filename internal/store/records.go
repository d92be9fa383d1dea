package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	busPkg "github.com/basket/nodepilot/internal/bus"
)

const recordColumns = `
	id, task_id, subscription_id, instance_id, instance_info, steps,
	pipeline_id, start_pipeline_id, status, is_latest, need_clean, created_at, updated_at`

func scanRecord(scan func(dest ...any) error, rec *InstanceRecord) error {
	var latest, clean int
	err := scan(
		&rec.ID, &rec.TaskID, &rec.SubscriptionID, &rec.InstanceID,
		&rec.InstanceInfo, &rec.Steps, &rec.PipelineID, &rec.StartPipelineID,
		&rec.Status, &latest, &clean, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rec.IsLatest = latest != 0
	rec.NeedClean = clean != 0
	return nil
}

// GetRecord loads one instance record.
func (s *Store) GetRecord(ctx context.Context, id int64) (*InstanceRecord, error) {
	var rec InstanceRecord
	err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM instance_records WHERE id = ?;`, id).Scan, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return &rec, nil
}

// ListInstanceRecords returns records matching the filter, newest first.
func (s *Store) ListInstanceRecords(ctx context.Context, f RecordFilter) ([]InstanceRecord, error) {
	var conds []string
	var args []any

	if len(f.TaskIDs) > 0 {
		conds = append(conds, `task_id IN (`+placeholders(len(f.TaskIDs))+`)`)
		for _, id := range f.TaskIDs {
			args = append(args, id)
		}
	}
	if f.SubscriptionID != 0 {
		conds = append(conds, `subscription_id = ?`)
		args = append(args, f.SubscriptionID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(f.InstanceIDs) > 0 {
		conds = append(conds, `instance_id IN (`+placeholders(len(f.InstanceIDs))+`)`)
		for _, id := range f.InstanceIDs {
			args = append(args, id)
		}
	}
	if f.IPContains != "" {
		conds = append(conds, `json_extract(instance_info, '$.host.bk_host_innerip') LIKE ?`)
		args = append(args, "%"+f.IPContains+"%")
	}
	if f.OnlyLatest {
		conds = append(conds, `is_latest = 1`)
	}

	query := `SELECT ` + recordColumns + ` FROM instance_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record rows: %w", err)
	}
	return out, nil
}

// CountRecordStatuses reduces a task set to counts by status.
func (s *Store) CountRecordStatuses(ctx context.Context, taskIDs []int64) (map[InstanceStatus]int, error) {
	if len(taskIDs) == 0 {
		return map[InstanceStatus]int{}, nil
	}
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM instance_records
		WHERE task_id IN (`+placeholders(len(taskIDs))+`)
		GROUP BY status;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("count record statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[InstanceStatus]int)
	for rows.Next() {
		var st InstanceStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return counts, nil
}

// UpdateRecordStatus moves a record's roll-up status and appends an audit event.
func (s *Store) UpdateRecordStatus(ctx context.Context, id int64, status InstanceStatus) error {
	var old InstanceStatus
	var taskID, subID int64
	var instanceID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT status, task_id, subscription_id, instance_id FROM instance_records WHERE id = ?;
		`, id).Scan(&old, &taskID, &subID, &instanceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select record for status: %w", err)
		}
		if old == status {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE instance_records SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id); err != nil {
			return fmt.Errorf("update record status: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, taskID, id, string(old), string(status), "record.status_changed", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil && old != status {
		s.bus.Publish(busPkg.TopicRecordStateChanged, busPkg.RecordStateChangedEvent{
			RecordID:       fmt.Sprintf("%d", id),
			TaskID:         fmt.Sprintf("%d", taskID),
			SubscriptionID: fmt.Sprintf("%d", subID),
			InstanceID:     instanceID,
			OldStatus:      string(old),
			NewStatus:      string(status),
		})
	}
	return nil
}

// UpdateRecordSteps rewrites a record's per-step runtime payload.
func (s *Store) UpdateRecordSteps(ctx context.Context, id int64, stepsJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instance_records SET steps = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, orJSON(stepsJSON, "[]"), id)
	if err != nil {
		return fmt.Errorf("update record steps: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record steps rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecordStartPipeline stamps the pipeline id the engine actually started.
func (s *Store) SetRecordStartPipeline(ctx context.Context, id int64, pipelineID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instance_records SET start_pipeline_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, pipelineID, id)
	if err != nil {
		return fmt.Errorf("set start pipeline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start pipeline rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedePriorRecords flips is_latest=false on every older latest record of
// (subscriptionID, instanceID) and returns the superseded rows so the caller
// can revoke their sub-graphs. Only rows older than the kept record are
// touched, so applying supersedes out of order never demotes a newer record.
// The flip and the read run in one transaction, serialising concurrent
// submissions for the same host.
func (s *Store) SupersedePriorRecords(ctx context.Context, subscriptionID int64, instanceID string, keepRecordID int64) ([]InstanceRecord, error) {
	var prior []InstanceRecord
	err := retryOnBusy(ctx, 5, func() error {
		prior = prior[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin supersede tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM instance_records
			WHERE subscription_id = ? AND instance_id = ? AND is_latest = 1 AND id < ?;
		`, subscriptionID, instanceID, keepRecordID)
		if err != nil {
			return fmt.Errorf("select prior records: %w", err)
		}
		for rows.Next() {
			var rec InstanceRecord
			if err := scanRecord(rows.Scan, &rec); err != nil {
				rows.Close()
				return fmt.Errorf("scan prior record: %w", err)
			}
			prior = append(prior, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("prior record rows: %w", err)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `
			UPDATE instance_records
			SET is_latest = 0, need_clean = 1, updated_at = CURRENT_TIMESTAMP
			WHERE subscription_id = ? AND instance_id = ? AND is_latest = 1 AND id < ?;
		`, subscriptionID, instanceID, keepRecordID); err != nil {
			return fmt.Errorf("flip prior records: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
