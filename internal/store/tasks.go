package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	busPkg "github.com/basket/nodepilot/internal/bus"
)

const taskColumns = `
	id, subscription_id, scope, actions, is_auto_trigger, is_ready, err_msg, pipeline_id, created_at`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var auto, ready int
	err := scan(&t.ID, &t.SubscriptionID, &t.Scope, &t.Actions, &auto, &ready,
		&t.ErrMsg, &t.PipelineID, &t.CreatedAt)
	if err != nil {
		return err
	}
	t.IsAutoTrigger = auto != 0
	t.IsReady = ready != 0
	return nil
}

// TaskBundle is everything one task build produces. SaveTask persists the
// whole bundle atomically: the task row, its instance records, the pipeline
// tree document and every node runtime row.
type TaskBundle struct {
	Task    Task
	Records []InstanceRecord
	Tree    Tree
	Nodes   []Node
	// NodeRecordIndex maps node_id to an index into Records for nodes that
	// belong to one instance's sub-graph. Task-level nodes are absent.
	NodeRecordIndex map[string]int
}

// SaveTask atomically persists a task bundle. On success the bundle's Task.ID
// and Records[i].ID fields are filled in.
func (s *Store) SaveTask(ctx context.Context, b *TaskBundle) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_tasks (subscription_id, scope, actions, is_auto_trigger, is_ready, err_msg, pipeline_id)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, b.Task.SubscriptionID, orJSON(b.Task.Scope, "{}"), orJSON(b.Task.Actions, "{}"),
			boolInt(b.Task.IsAutoTrigger), boolInt(b.Task.IsReady), b.Task.ErrMsg, b.Task.PipelineID)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		taskID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		b.Task.ID = taskID

		for i := range b.Records {
			rec := &b.Records[i]
			rec.TaskID = taskID
			res, err := tx.ExecContext(ctx, `
				INSERT INTO instance_records (
					task_id, subscription_id, instance_id, instance_info, steps,
					pipeline_id, status, is_latest, need_clean
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, rec.TaskID, rec.SubscriptionID, rec.InstanceID,
				orJSON(rec.InstanceInfo, "{}"), orJSON(rec.Steps, "[]"),
				rec.PipelineID, rec.Status, boolInt(rec.IsLatest), boolInt(rec.NeedClean))
			if err != nil {
				return fmt.Errorf("insert record for %q: %w", rec.InstanceID, err)
			}
			rec.ID, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("record id: %w", err)
			}
		}

		if b.Tree.ID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pipeline_trees (id, document) VALUES (?, ?);
			`, b.Tree.ID, orJSON(b.Tree.Document, "{}")); err != nil {
				return fmt.Errorf("insert tree %q: %w", b.Tree.ID, err)
			}
		}

		for _, n := range b.Nodes {
			recordID := n.RecordID
			if idx, ok := b.NodeRecordIndex[n.NodeID]; ok {
				recordID = b.Records[idx].ID
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pipeline_nodes (
					tree_id, node_id, record_id, step_id, kind, component, state,
					inputs, timeout_seconds
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, n.TreeID, n.NodeID, recordID, n.StepID, n.Kind, n.Component,
				orState(n.State), orJSON(n.Inputs, "{}"), n.TimeoutSeconds); err != nil {
				return fmt.Errorf("insert node %q: %w", n.NodeID, err)
			}
		}

		if err := appendTaskEventTx(ctx, tx, taskID, 0, "", "CREATED", "task.created",
			fmt.Sprintf(`{"record_count":%d}`, len(b.Records))); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(busPkg.TopicTaskCreated, map[string]interface{}{
			"task_id":         b.Task.ID,
			"subscription_id": b.Task.SubscriptionID,
		})
	}
	return nil
}

func orState(st NodeState) NodeState {
	if st == "" {
		return NodeReady
	}
	return st
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM subscription_tasks WHERE id = ?;`, id).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks batch-fetches tasks by id.
func (s *Store) ListTasks(ctx context.Context, ids []int64) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM subscription_tasks WHERE id IN (`+placeholders+`) ORDER BY id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListAutoTriggerTasksAfter returns auto-triggered tasks with id strictly
// greater than afterID, oldest first. Used by the collector's cursor scan.
func (s *Store) ListAutoTriggerTasksAfter(ctx context.Context, afterID int64, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM subscription_tasks
		WHERE is_auto_trigger = 1 AND id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan auto task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auto task rows: %w", err)
	}
	return out, nil
}

// MarkTaskReady flips is_ready once the task's graph is fully persisted.
func (s *Store) MarkTaskReady(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscription_tasks SET is_ready = 1, err_msg = '' WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("mark task ready: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark ready rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if s.bus != nil {
		s.bus.Publish(busPkg.TopicTaskReady, map[string]interface{}{"task_id": id})
	}
	return nil
}

// SetTaskError records a task-level build failure; the task stays not-ready.
func (s *Store) SetTaskError(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscription_tasks SET is_ready = 0, err_msg = ? WHERE id = ?;
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("set task error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set task error rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, recordID int64, stateFrom, stateTo, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	var from sql.NullString
	if stateFrom != "" {
		from = sql.NullString{String: stateFrom, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, record_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?, ?);
	`, taskID, recordID, eventType, from, stateTo, payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, record_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.RecordID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
