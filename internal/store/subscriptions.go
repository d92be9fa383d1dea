package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const subscriptionColumns = `
	id, parent_id, name, category, object_type, node_type, scope, plugin_name,
	bk_biz_scope, creator, enabled, is_main, deleted, created_at, updated_at`

func scanSubscription(scan func(dest ...any) error, sub *Subscription) error {
	var enabled, isMain, deleted int
	var parentID sql.NullInt64
	err := scan(
		&sub.ID, &parentID, &sub.Name, &sub.Category, &sub.ObjectType, &sub.NodeType,
		&sub.Scope, &sub.PluginName, &sub.BizScope, &sub.Creator,
		&enabled, &isMain, &deleted, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	sub.ParentID = parentID.Int64
	sub.Enabled = enabled != 0
	sub.IsMain = isMain != 0
	sub.Deleted = deleted != 0
	return nil
}

// validateChild enforces the grayscale child contract: the parent must
// exist, must not itself be a child (one level deep only), and the child's
// scope must stay inside the parent's business and node set.
func (s *Store) validateChild(ctx context.Context, parentID int64, childScope string) error {
	if parentID == 0 {
		return nil
	}
	parent, err := s.FindSubscription(ctx, parentID, false)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("parent %d: %w", parentID, ErrChildScope)
	}
	if err != nil {
		return err
	}
	if parent.ParentID != 0 {
		return fmt.Errorf("parent %d is itself a grayscale child: %w", parentID, ErrChildScope)
	}
	childBiz, childNodes, err := scopeNodeSet(orJSON(childScope, "{}"))
	if err != nil {
		return fmt.Errorf("child scope: %w", err)
	}
	parentBiz, parentNodes, err := scopeNodeSet(orJSON(parent.Scope, "{}"))
	if err != nil {
		return fmt.Errorf("parent %d scope: %w", parentID, err)
	}
	if childBiz != parentBiz {
		return fmt.Errorf("child business %d outside parent business %d: %w",
			childBiz, parentBiz, ErrChildScope)
	}
	for key := range childNodes {
		if _, ok := parentNodes[key]; !ok {
			return fmt.Errorf("node %s not in parent scope: %w", key, ErrChildScope)
		}
	}
	return nil
}

// scopeNodeSet reduces a scope document to its business id and a canonical
// set of node keys. Decoding each node through a map sorts its keys on
// re-marshal, so equal nodes compare equal regardless of field order.
func scopeNodeSet(raw string) (int64, map[string]struct{}, error) {
	var sc struct {
		BkBizID int64            `json:"bk_biz_id"`
		Nodes   []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return 0, nil, err
	}
	set := make(map[string]struct{}, len(sc.Nodes))
	for _, n := range sc.Nodes {
		key, err := json.Marshal(n)
		if err != nil {
			return 0, nil, err
		}
		set[string(key)] = struct{}{}
	}
	return sc.BkBizID, set, nil
}

// CreateSubscription persists a subscription with its steps in one transaction
// and returns the new id.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription, steps []Step) (int64, error) {
	if err := s.validateChild(ctx, sub.ParentID, sub.Scope); err != nil {
		return 0, err
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create subscription tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (
				parent_id, name, category, object_type, node_type, scope, plugin_name,
				bk_biz_scope, creator, enabled, is_main
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sub.ParentID, sub.Name, sub.Category, sub.ObjectType, sub.NodeType,
			orJSON(sub.Scope, "{}"), sub.PluginName, orJSON(sub.BizScope, "[]"),
			sub.Creator, boolInt(sub.Enabled), boolInt(sub.IsMain))
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("subscription id: %w", err)
		}
		if err := replaceStepsTx(ctx, tx, id, steps); err != nil {
			return err
		}
		return tx.Commit()
	})
	return id, err
}

// UpdateSubscription rewrites the mutable fields of a subscription and, when
// steps is non-nil, replaces its step set. The parent link is immutable; a
// child's new scope is re-validated against the stored parent.
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription, steps []Step) error {
	current, err := s.FindSubscription(ctx, sub.ID, false)
	if err != nil {
		return err
	}
	if err := s.validateChild(ctx, current.ParentID, sub.Scope); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update subscription tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET name = ?, scope = ?, plugin_name = ?, bk_biz_scope = ?, enabled = ?,
				is_main = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND deleted = 0;
		`, sub.Name, orJSON(sub.Scope, "{}"), sub.PluginName, orJSON(sub.BizScope, "[]"),
			boolInt(sub.Enabled), boolInt(sub.IsMain), sub.ID)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update subscription rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		if steps != nil {
			if err := replaceStepsTx(ctx, tx, sub.ID, steps); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SetSubscriptionEnabled toggles the enabled flag.
func (s *Store) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0;
	`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set subscription enabled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enabled rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteSubscription marks a subscription deleted; rows stay for audit.
// A parent with enabled grayscale children refuses deletion so the children
// never point at a retired scope.
func (s *Store) SoftDeleteSubscription(ctx context.Context, id int64) error {
	children, err := s.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Enabled {
			return fmt.Errorf("subscription %d has enabled child %d: %w", id, child.ID, ErrHasChildren)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET deleted = 1, enabled = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0;
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSubscription loads one subscription. Soft-deleted rows are only
// returned when includeDeleted is set.
func (s *Store) FindSubscription(ctx context.Context, id int64, includeDeleted bool) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	var sub Subscription
	err := scanSubscription(s.db.QueryRowContext(ctx, query+";", id).Scan, &sub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription %d: %w", id, err)
	}
	return &sub, nil
}

// ListSubscriptions batch-fetches subscriptions by id; missing ids are skipped.
func (s *Store) ListSubscriptions(ctx context.Context, ids []int64) ([]Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id IN (`+placeholders+`) ORDER BY id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListEnabledPolicies returns every enabled, non-deleted policy subscription.
// When bizID is non-zero only policies whose business scope contains it are
// returned (the bk_biz_scope column is a JSON array of ids).
func (s *Store) ListEnabledPolicies(ctx context.Context, bizID int64) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE enabled = 1 AND deleted = 0 AND category = 'policy'`
	var args []any
	if bizID != 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(subscriptions.bk_biz_scope) WHERE json_each.value = ?)`
		args = append(args, bizID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list enabled policies: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListEnabledTopologySubscriptions returns enabled, non-deleted subscriptions
// whose scope follows the topology (anything but a static INSTANCE host list)
// and whose business scope contains bizID. These are the subscriptions a CMDB
// change can re-target.
func (s *Store) ListEnabledTopologySubscriptions(ctx context.Context, bizID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE enabled = 1 AND deleted = 0 AND node_type != 'INSTANCE'
			AND EXISTS (SELECT 1 FROM json_each(subscriptions.bk_biz_scope) WHERE json_each.value = ?)
		ORDER BY id;
	`, bizID)
	if err != nil {
		return nil, fmt.Errorf("list topology subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListChildren returns the grayscale children of a subscription.
func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE parent_id = ? AND deleted = 0 ORDER BY id;`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := scanSubscription(rows.Scan, &sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription rows: %w", err)
	}
	return out, nil
}

// ListSteps returns a subscription's steps in declared order.
func (s *Store) ListSteps(ctx context.Context, subscriptionID int64) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, step_id, step_index, type, config, params
		FROM subscription_steps
		WHERE subscription_id = ?
		ORDER BY step_index ASC;
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.SubscriptionID, &st.StepID, &st.Index, &st.Type, &st.Config, &st.Params); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("step rows: %w", err)
	}
	return out, nil
}

func replaceStepsTx(ctx context.Context, tx *sql.Tx, subscriptionID int64, steps []Step) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_steps WHERE subscription_id = ?;`, subscriptionID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_steps (subscription_id, step_id, step_index, type, config, params)
			VALUES (?, ?, ?, ?, ?, ?);
		`, subscriptionID, st.StepID, i, st.Type, orJSON(st.Config, "{}"), orJSON(st.Params, "{}")); err != nil {
			return fmt.Errorf("insert step %q: %w", st.StepID, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orJSON(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
