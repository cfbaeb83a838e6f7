package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botflow/internal/domain"
)

const scheduleCols = `id,name,cron_expr,task_type,account_id,payload,priority,max_retries,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.AccountID, &s.Payload,
		&s.Priority, &s.MaxRetries, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,account_id,payload,priority,max_retries,enabled,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.TaskType, s.AccountID, []byte(s.Payload), s.Priority, s.MaxRetries, s.Enabled, s.NextRun.UTC())
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,account_id=?,payload=?,priority=?,max_retries=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.TaskType, s.AccountID, []byte(s.Payload), s.Priority, s.MaxRetries, s.Enabled, s.NextRun.UTC(), s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// SpawnScheduledTask creates one task instance from the schedule template
// and advances the schedule's run bookkeeping in a single transaction, so
// a crash between the two writes cannot double-spawn a fire on restart.
func (r *sqliteRepo) SpawnScheduledTask(ctx context.Context, s domain.Schedule, lastRun, nextRun time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	id := "tsk_" + uuid.NewString()
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (id,type,account_id,payload,status,priority,retry_count,max_retries,scheduled_at,created_at,updated_at)
VALUES (?,?,?,?,'queued',?,0,?,NULL,strftime('%Y-%m-%d %H:%M:%f','now'),CURRENT_TIMESTAMP)
`, id, s.TaskType, s.AccountID, []byte(s.Payload), s.Priority, maxRetries)
	if err != nil {
		return "", err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun.UTC(), nextRun.UTC(), s.ID); err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}
