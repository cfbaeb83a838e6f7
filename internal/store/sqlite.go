package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  account_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','queued','running','completed','failed','cancelled')) DEFAULT 'pending',
  priority INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  scheduled_at DATETIME,
  started_at DATETIME,
  completed_at DATETIME,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  result BLOB,
  created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f','now')),
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, scheduled_at, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_account ON tasks(account_id, status);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  account_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  type TEXT NOT NULL,
  target_id TEXT NOT NULL DEFAULT '',
  success INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_interactions_window ON interactions(account_id, type, success, created_at);
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','banned','suspended','logged_out')) DEFAULT 'active',
  proxy_url TEXT NOT NULL DEFAULT '',
  fingerprint BLOB,
  auth_state BLOB,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the persistence contract the scheduler, executor, rate
// limiter and session manager share. Everything durable goes through here.
type Repository interface {
	// Tasks
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) error
	RetryTaskAt(ctx context.Context, id, errMsg string, runAt time.Time) error
	RescheduleTaskAt(ctx context.Context, id string, runAt time.Time) error
	FailTask(ctx context.Context, id, errMsg string) error
	RequestCancel(ctx context.Context, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
	FailPendingForAccount(ctx context.Context, accountID, reason string) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	TaskStats(ctx context.Context) (map[domain.TaskStatus]int, error)

	// Schedules
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	SpawnScheduledTask(ctx context.Context, s domain.Schedule, lastRun, nextRun time.Time) (string, error)

	// Interactions
	AppendInteraction(ctx context.Context, rec domain.InteractionRecord) (string, error)
	CountInteractions(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (int, error)
	OldestInteraction(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (*time.Time, error)
	ListInteractions(ctx context.Context, accountID string, limit int) ([]domain.InteractionRecord, error)

	// Accounts
	CreateAccount(ctx context.Context, a domain.Account) (string, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error
	SaveAuthState(ctx context.Context, id string, auth json.RawMessage) error
	SaveAssignment(ctx context.Context, id, proxyURL string, fp domain.Fingerprint) error
	AccountFingerprint(ctx context.Context, id string) (domain.Fingerprint, bool, error)
}

type sqliteRepo struct{ db *sql.DB }

// NewSQLiteRepo wraps db in the Repository contract. The caller owns db
// and should keep it at a single writer connection.
func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskCols = `id,type,account_id,payload,status,priority,retry_count,max_retries,scheduled_at,started_at,completed_at,cancel_requested,error,result,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var scheduledAt, startedAt, completedAt sql.NullTime
	var cancelRequested int
	var result []byte
	err := row.Scan(&t.ID, &t.Type, &t.AccountID, &t.Payload, &t.Status, &t.Priority,
		&t.RetryCount, &t.MaxRetries, &scheduledAt, &startedAt, &completedAt,
		&cancelRequested, &t.Error, &result, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Result = result
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.Status == "" {
		t.Status = domain.TaskQueued
	}
	var scheduledAt any
	if t.ScheduledAt != nil {
		scheduledAt = t.ScheduledAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,account_id,payload,status,priority,retry_count,max_retries,scheduled_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,strftime('%Y-%m-%d %H:%M:%f','now'),CURRENT_TIMESTAMP)
`, id, t.Type, t.AccountID, []byte(t.Payload), t.Status, t.Priority, t.MaxRetries, scheduledAt)
	return id, err
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// LeaseNext claims the highest-priority queued task and marks it running.
// Ordering is priority descending, then FIFO on creation time.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE status='queued'
ORDER BY priority DESC, created_at ASC
LIMIT 1`)
	var t domain.Task
	t, err = scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, tx.Rollback()
	}
	if err != nil {
		return domain.Task{}, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status='running', started_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, now.UTC(), t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskRunning
	started := now.UTC()
	t.StartedAt = &started
	return t, nil
}

// PromoteDue moves pending tasks whose scheduled time has arrived (or was
// never set) to queued. This is the restart-safe sweep: it reads only
// persisted state, never in-memory timers.
func (r *sqliteRepo) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='queued', updated_at=CURRENT_TIMESTAMP
WHERE status='pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CompleteTask(ctx context.Context, id string, result json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='completed', result=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, []byte(result), id)
	return err
}

// RetryTaskAt consumes one retry and schedules the next attempt.
func (r *sqliteRepo) RetryTaskAt(ctx context.Context, id, errMsg string, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', retry_count=retry_count+1, scheduled_at=?, error=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running' AND retry_count < max_retries`, runAt.UTC(), errMsg, id)
	return err
}

// RescheduleTaskAt defers a task without touching its retry budget. Used
// for rate-limit denials and session-pool contention, which are not
// failures.
func (r *sqliteRepo) RescheduleTaskAt(ctx context.Context, id string, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', scheduled_at=?, started_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, runAt.UTC(), id)
	return err
}

func (r *sqliteRepo) FailTask(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='failed', error=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('pending','queued','running')`, errMsg, id)
	return err
}

// RequestCancel cancels a pending or queued task outright. For a running
// task it only raises the cooperative flag; the in-flight action finishes
// and the executor suppresses any retry. Terminal tasks are not accepted.
func (r *sqliteRepo) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='cancelled', completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('pending','queued')`, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	res, err = r.db.ExecContext(ctx, `
UPDATE tasks SET cancel_requested=1, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id=?`, id)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return false, err
	}
	return flag == 1, nil
}

func (r *sqliteRepo) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='cancelled', completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('pending','queued','running')`, id)
	return err
}

// FailPendingForAccount fails-fast every non-terminal task of an account,
// used when a ban signal is detected mid-action.
func (r *sqliteRepo) FailPendingForAccount(ctx context.Context, accountID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='failed', error=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE account_id=? AND status IN ('pending','queued')`, reason, accountID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverStale requeues tasks stuck in running, e.g. after a crash.
func (r *sqliteRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='queued', started_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE status='running' AND strftime('%s','now') - strftime('%s',updated_at) > ?`, int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) TaskStats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats[s] = n
	}
	return stats, rows.Err()
}
