package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	busPkg "github.com/basket/nodepilot/internal/bus"
)

const nodeColumns = `
	tree_id, node_id, record_id, step_id, kind, component, state, inputs, outputs,
	error, retry_count, timeout_seconds, schedule_token, wake_at,
	lease_owner, lease_expires_at, cancel_requested, created_at, updated_at`

func scanNode(scan func(dest ...any) error, n *Node) error {
	var cancel int
	var wakeAt, leaseExpires sql.NullTime
	err := scan(
		&n.TreeID, &n.NodeID, &n.RecordID, &n.StepID, &n.Kind, &n.Component,
		&n.State, &n.Inputs, &n.Outputs, &n.Error, &n.RetryCount,
		&n.TimeoutSeconds, &n.ScheduleToken, &wakeAt,
		&n.LeaseOwner, &leaseExpires, &cancel, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if wakeAt.Valid {
		t := wakeAt.Time
		n.WakeAt = &t
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		n.LeaseExpiresAt = &t
	}
	n.CancelRequested = cancel != 0
	return nil
}

// GetTree loads a pipeline tree document.
func (s *Store) GetTree(ctx context.Context, id string) (*Tree, error) {
	var t Tree
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document, created_at FROM pipeline_trees WHERE id = ?;`, id).
		Scan(&t.ID, &t.Document, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tree %q: %w", id, err)
	}
	return &t, nil
}

// GetNode loads one node runtime row.
func (s *Store) GetNode(ctx context.Context, treeID, nodeID string) (*Node, error) {
	var n Node
	err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM pipeline_nodes WHERE tree_id = ? AND node_id = ?;`,
		treeID, nodeID).Scan, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s/%s: %w", treeID, nodeID, err)
	}
	return &n, nil
}

// ListNodes returns every node of a tree.
func (s *Store) ListNodes(ctx context.Context, treeID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM pipeline_nodes WHERE tree_id = ? ORDER BY node_id;`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// ListNodesByRecord returns the nodes of one instance's sub-graph.
func (s *Store) ListNodesByRecord(ctx context.Context, recordID int64) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM pipeline_nodes WHERE record_id = ? ORDER BY node_id;`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list nodes by record: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		var n Node
		if err := scanNode(rows.Scan, &n); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node rows: %w", err)
	}
	return out, nil
}

// nodeTransitions is the legal state machine. Retry is the only path out of
// a terminal state (FAILED -> READY), applied by ResetNodesForRetry.
var nodeTransitions = map[NodeState]map[NodeState]struct{}{
	NodeReady: {
		NodeRunning: {},
		NodeRevoked: {},
		NodeSkipped: {},
	},
	NodeRunning: {
		NodeSuccess:   {},
		NodeFailed:    {},
		NodeSuspended: {},
		NodeRevoked:   {},
		NodeReady:     {}, // crash recovery requeue
	},
	NodeSuspended: {
		NodeRunning: {},
		NodeFailed:  {},
		NodeRevoked: {},
	},
}

func canTransitionNode(from, to NodeState) bool {
	allowed, ok := nodeTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ClaimNode attempts the READY->RUNNING transition with a dispatch lease.
// Returns false when another worker won the claim; duplicate dispatch is a noop.
func (s *Store) ClaimNode(ctx context.Context, treeID, nodeID, owner string, leaseDur time.Duration) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		claimed = false
		expires := time.Now().UTC().Add(leaseDur)
		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = ?;
		`, NodeRunning, owner, expires, treeID, nodeID, NodeReady)
		if err != nil {
			return fmt.Errorf("claim node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publishNodeTransition(treeID, nodeID, NodeReady, NodeRunning)
	}
	return claimed, nil
}

// TransitionNode applies a compare-and-set state change. Returns false when
// the node is not in any of the allowed pre-states.
func (s *Store) TransitionNode(ctx context.Context, treeID, nodeID string, allowedFrom []NodeState, to NodeState) (bool, error) {
	var moved bool
	var from NodeState
	err := retryOnBusy(ctx, 5, func() error {
		moved = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin node transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT state FROM pipeline_nodes WHERE tree_id = ? AND node_id = ?;
		`, treeID, nodeID).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select node state: %w", err)
		}
		allowed := false
		for _, st := range allowedFrom {
			if st == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return tx.Commit()
		}
		if !canTransitionNode(from, to) {
			return fmt.Errorf("illegal node transition %s -> %s", from, to)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_nodes SET state = ?, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = ?;
		`, to, treeID, nodeID, from)
		if err != nil {
			return fmt.Errorf("update node state: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("node transition rows affected: %w", err)
		}
		if affected != 1 {
			return tx.Commit()
		}
		moved = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishNodeTransition(treeID, nodeID, from, to)
	}
	return moved, nil
}

// CompleteNode finishes a RUNNING (or SUSPENDED) node with a terminal result.
func (s *Store) CompleteNode(ctx context.Context, treeID, nodeID string, to NodeState, outputs, errMsg string) (bool, error) {
	if to != NodeSuccess && to != NodeFailed && to != NodeRevoked {
		return false, fmt.Errorf("complete node: %s is not terminal", to)
	}
	var moved bool
	var from NodeState
	err := retryOnBusy(ctx, 5, func() error {
		moved = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete node tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT state FROM pipeline_nodes WHERE tree_id = ? AND node_id = ?;
		`, treeID, nodeID).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select node for completion: %w", err)
		}
		if from != NodeRunning && from != NodeSuspended {
			return tx.Commit()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = ?, outputs = ?, error = ?, lease_owner = '', lease_expires_at = NULL,
				schedule_token = '', wake_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = ?;
		`, to, orJSON(outputs, "{}"), errMsg, treeID, nodeID, from)
		if err != nil {
			return fmt.Errorf("complete node update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete node rows affected: %w", err)
		}
		moved = affected == 1
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishNodeTransition(treeID, nodeID, from, to)
	}
	return moved, nil
}

// ParkNode moves a RUNNING node to SUSPENDED with a wake-up token, releasing
// its worker until the schedule tick fires.
func (s *Store) ParkNode(ctx context.Context, treeID, nodeID, token string, wakeAt time.Time) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		moved = false
		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = ?, schedule_token = ?, wake_at = ?, lease_owner = '', lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = ?;
		`, NodeSuspended, token, wakeAt.UTC(), treeID, nodeID, NodeRunning)
		if err != nil {
			return fmt.Errorf("park node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("park rows affected: %w", err)
		}
		moved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishNodeTransition(treeID, nodeID, NodeRunning, NodeSuspended)
		if s.bus != nil {
			s.bus.Publish(busPkg.TopicNodeScheduled, map[string]interface{}{
				"tree_id": treeID, "node_id": nodeID, "token": token,
			})
		}
	}
	return moved, nil
}

// DueScheduledNodes returns SUSPENDED nodes whose wake time has passed.
func (s *Store) DueScheduledNodes(ctx context.Context, now time.Time, limit int) ([]Node, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM pipeline_nodes
		WHERE state = ? AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at ASC
		LIMIT ?;
	`, NodeSuspended, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// ResumeParkedNode moves a SUSPENDED node back to RUNNING under a fresh lease,
// guarded by the schedule token so stale ticks are noops.
func (s *Store) ResumeParkedNode(ctx context.Context, treeID, nodeID, token, owner string, leaseDur time.Duration) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		moved = false
		expires := time.Now().UTC().Add(leaseDur)
		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = ? AND schedule_token = ?;
		`, NodeRunning, owner, expires, treeID, nodeID, NodeSuspended, token)
		if err != nil {
			return fmt.Errorf("resume parked node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resume rows affected: %w", err)
		}
		moved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishNodeTransition(treeID, nodeID, NodeSuspended, NodeRunning)
	}
	return moved, nil
}

// RequestCancel flags the given nodes (all non-terminal nodes when nodeIDs is
// empty) and immediately revokes the ones not currently running. RUNNING nodes
// keep executing until they observe the flag or the grace period elapses.
func (s *Store) RequestCancel(ctx context.Context, treeID string, nodeIDs []string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cond := `tree_id = ? AND state IN ('READY', 'RUNNING', 'SUSPENDED')`
		args := []any{treeID}
		if len(nodeIDs) > 0 {
			cond += ` AND node_id IN (` + placeholders(len(nodeIDs)) + `)`
			for _, id := range nodeIDs {
				args = append(args, id)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipeline_nodes SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP WHERE `+cond+`;`,
			args...); err != nil {
			return fmt.Errorf("flag cancel: %w", err)
		}
		// READY and SUSPENDED nodes have no worker attached; revoke them now.
		if _, err := tx.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = ?, schedule_token = '', wake_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND cancel_requested = 1 AND state IN ('READY', 'SUSPENDED');
		`, NodeRevoked, treeID); err != nil {
			return fmt.Errorf("revoke idle nodes: %w", err)
		}
		return tx.Commit()
	})
}

// ForceRevokeExpired revokes RUNNING nodes that were flagged for cancel and
// whose grace period has elapsed.
func (s *Store) ForceRevokeExpired(ctx context.Context, treeID string, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_nodes
		SET state = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE tree_id = ? AND cancel_requested = 1 AND state = 'RUNNING' AND updated_at <= ?;
	`, NodeRevoked, treeID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("force revoke: %w", err)
	}
	return res.RowsAffected()
}

// CancelRequested reports whether a node has been flagged for revocation.
// Activities poll this at suspension points.
func (s *Store) CancelRequested(ctx context.Context, treeID, nodeID string) (bool, error) {
	var flagged int
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM pipeline_nodes WHERE tree_id = ? AND node_id = ?;
	`, treeID, nodeID).Scan(&flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return flagged != 0, nil
}

// ResetNodesForRetry moves the given FAILED/REVOKED nodes (and their cleared
// runtime) back to READY for an operator retry.
func (s *Store) ResetNodesForRetry(ctx context.Context, treeID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		args := []any{treeID}
		for _, id := range nodeIDs {
			args = append(args, id)
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = 'READY', error = '', outputs = '{}', schedule_token = '', wake_at = NULL,
				lease_owner = '', lease_expires_at = NULL, cancel_requested = 0,
				updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id IN (`+placeholders(len(nodeIDs))+`)
				AND state IN ('FAILED', 'REVOKED', 'SUCCESS', 'SKIPPED');
		`, args...)
		if err != nil {
			return fmt.Errorf("reset nodes for retry: %w", err)
		}
		return nil
	})
}

// IncrementNodeRetry bumps the automatic retry counter and requeues the node.
func (s *Store) IncrementNodeRetry(ctx context.Context, treeID, nodeID string, wakeAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_nodes
			SET state = 'SUSPENDED', retry_count = retry_count + 1, schedule_token = 'retry',
				wake_at = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE tree_id = ? AND node_id = ? AND state = 'RUNNING';
		`, wakeAt.UTC(), treeID, nodeID)
		if err != nil {
			return fmt.Errorf("increment node retry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retry rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecoverExpiredNodes reverts RUNNING nodes whose dispatch lease expired back
// to READY so another worker can pick them up after a crash.
func (s *Store) RecoverExpiredNodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_nodes
		SET state = 'READY', lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE state = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover expired nodes: %w", err)
	}
	return res.RowsAffected()
}

// ListExpiredTrees pages through trees older than cutoff whose task has no
// remaining is_latest record, starting strictly after the cursor tree id.
func (s *Store) ListExpiredTrees(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id
		FROM pipeline_trees t
		WHERE t.created_at <= ? AND t.id > ?
			AND NOT EXISTS (
				SELECT 1
				FROM subscription_tasks k
				JOIN instance_records r ON r.task_id = k.id
				WHERE k.pipeline_id = t.id AND r.is_latest = 1
			)
		ORDER BY t.id ASC
		LIMIT ?;
	`, cutoff.UTC(), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired trees: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired tree id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired tree rows: %w", err)
	}
	return out, nil
}

// DeletePipelines removes trees and cascades to node runtime and node logs.
// Raw batch deletes keep each pass inside a bounded time budget.
func (s *Store) DeletePipelines(ctx context.Context, treeIDs []string) error {
	if len(treeIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete pipelines tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		args := make([]any, len(treeIDs))
		for i, id := range treeIDs {
			args[i] = id
		}
		ph := placeholders(len(treeIDs))
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM node_logs
			WHERE node_id IN (SELECT node_id FROM pipeline_nodes WHERE tree_id IN (`+ph+`));
		`, args...); err != nil {
			return fmt.Errorf("delete node logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pipeline_nodes WHERE tree_id IN (`+ph+`);`, args...); err != nil {
			return fmt.Errorf("delete pipeline nodes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pipeline_trees WHERE id IN (`+ph+`);`, args...); err != nil {
			return fmt.Errorf("delete pipeline trees: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) publishNodeTransition(treeID, nodeID string, from, to NodeState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(busPkg.TopicNodeStateChanged, busPkg.NodeStateChangedEvent{
		TreeID:   treeID,
		NodeID:   nodeID,
		OldState: string(from),
		NewState: string(to),
	})
}
