package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	busPkg "github.com/basket/nodepilot/internal/bus"
)

const jobColumns = `
	id, job_type, subscription_id, task_ids, status, statistics, error_hosts,
	is_auto_trigger, created_at, end_time`

func scanJob(scan func(dest ...any) error, j *Job) error {
	var auto int
	var end sql.NullTime
	err := scan(&j.ID, &j.JobType, &j.SubscriptionID, &j.TaskIDs, &j.Status,
		&j.Statistics, &j.ErrorHosts, &auto, &j.CreatedAt, &end)
	if err != nil {
		return err
	}
	j.IsAutoTrigger = auto != 0
	if end.Valid {
		t := end.Time
		j.EndTime = &t
	}
	return nil
}

// CreateJob persists a new job handle and returns its id.
func (s *Store) CreateJob(ctx context.Context, j *Job) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (job_type, subscription_id, task_ids, status, statistics, error_hosts, is_auto_trigger)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, j.JobType, j.SubscriptionID, orJSON(j.TaskIDs, "[]"), orStatus(j.Status),
			orJSON(j.Statistics, "{}"), orJSON(j.ErrorHosts, "[]"), boolInt(j.IsAutoTrigger))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

func orStatus(st InstanceStatus) InstanceStatus {
	if st == "" {
		return StatusPending
	}
	return st
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	var j Job
	err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id).Scan, &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &j, nil
}

// ListOpenJobs returns jobs still in a non-terminal status, oldest first.
func (s *Store) ListOpenJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('PENDING', 'RUNNING', 'QUEUE')
		ORDER BY id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := scanJob(rows.Scan, &j); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// UpdateJobProgress rewrites a job's aggregated status and statistics. A
// terminal status stamps end_time once; re-stamping is a noop.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, status InstanceStatus, statistics, errorHosts string) error {
	var old InstanceStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin job progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select job status: %w", err)
		}

		var end any
		if jobStatusTerminal(status) {
			end = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, statistics = ?, error_hosts = ?,
				end_time = COALESCE(end_time, ?)
			WHERE id = ?;
		`, status, orJSON(statistics, "{}"), orJSON(errorHosts, "[]"), end, id); err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil && old != status && jobStatusTerminal(status) {
		s.bus.Publish(busPkg.TopicJobFinished, map[string]interface{}{
			"job_id": id,
			"status": string(status),
		})
	}
	return nil
}

func jobStatusTerminal(st InstanceStatus) bool {
	switch st {
	case StatusSuccess, StatusFailed, StatusPartFailed, StatusTerminated, StatusManualStop:
		return true
	}
	return false
}
