package store

import (
	"context"
	"fmt"
)

// AppendNodeLog adds one execution log line for a (record, node) pair.
func (s *Store) AppendNodeLog(ctx context.Context, recordID int64, nodeID, level, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node_logs (record_id, node_id, level, message) VALUES (?, ?, ?, ?);
		`, recordID, nodeID, level, message)
		if err != nil {
			return fmt.Errorf("append node log: %w", err)
		}
		return nil
	})
}

// ListNodeLogs returns log lines for a record, optionally narrowed to one
// node, oldest first.
func (s *Store) ListNodeLogs(ctx context.Context, recordID int64, nodeID string, limit int) ([]NodeLog, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	query := `SELECT id, record_id, node_id, level, message, created_at FROM node_logs WHERE record_id = ?`
	args := []any{recordID}
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list node logs: %w", err)
	}
	defer rows.Close()

	var out []NodeLog
	for rows.Next() {
		var l NodeLog
		if err := rows.Scan(&l.ID, &l.RecordID, &l.NodeID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node log rows: %w", err)
	}
	return out, nil
}
