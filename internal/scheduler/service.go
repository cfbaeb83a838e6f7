// Package scheduler decides when tasks become eligible to run: immediate
// submissions, delayed tasks, and cron templates that spawn task instances
// on each fire.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"botflow/internal/domain"
	"botflow/internal/store"
)

// Clock abstracts time so recurring-task firing is testable without
// wall-clock waits.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SubmitRequest is a task (or cron template) submission.
type SubmitRequest struct {
	Type        domain.TaskType
	AccountID   string
	Payload     json.RawMessage
	Priority    int
	MaxRetries  int
	ScheduledAt *time.Time
	// CronExpr turns the submission into a recurring template instead of
	// a one-shot task.
	CronExpr string
	Name     string
}

// Service persists submissions and runs the periodic sweep that promotes
// due work. Eligibility is always re-derived from stored state, so a
// process restart loses no timers.
type Service struct {
	repo     store.Repository
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger
}

func NewService(repo store.Repository, interval time.Duration, clock Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = realClock{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		repo:     repo,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("svc", "scheduler.Service").Logger(),
	}
}

// Submit validates and persists a submission. Returns the new task ID, or
// the schedule ID for cron templates. Validation failures surface here,
// synchronously, wrapped in domain.ErrNotValid.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.AccountID == "" {
		return "", fmt.Errorf("account_id is required: %w", domain.ErrNotValid)
	}
	if _, err := domain.DecodePayload(req.Type, req.Payload); err != nil {
		return "", err
	}
	if _, err := s.repo.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("unknown account %s: %w", req.AccountID, domain.ErrNotValid)
		}
		return "", err
	}

	now := s.clock.Now()

	if req.CronExpr != "" {
		schedule, err := cron.ParseStandard(req.CronExpr)
		if err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %v: %w", req.CronExpr, err, domain.ErrNotValid)
		}
		name := req.Name
		if name == "" {
			name = string(req.Type) + " " + req.AccountID
		}
		id, err := s.repo.CreateSchedule(ctx, domain.Schedule{
			Name:       name,
			CronExpr:   req.CronExpr,
			TaskType:   req.Type,
			AccountID:  req.AccountID,
			Payload:    req.Payload,
			Priority:   req.Priority,
			MaxRetries: req.MaxRetries,
			Enabled:    true,
			NextRun:    schedule.Next(now),
		})
		if err != nil {
			return "", err
		}
		s.logger.Info().Str("schedule_id", id).Str("cron", req.CronExpr).Msg("cron template registered")
		return id, nil
	}

	task := domain.Task{
		Type:       req.Type,
		AccountID:  req.AccountID,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Status:     domain.TaskQueued,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		task.Status = domain.TaskPending
		task.ScheduledAt = req.ScheduledAt
	}
	id, err := s.repo.CreateTask(ctx, task)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("task_id", id).Str("type", string(req.Type)).Str("status", string(task.Status)).Msg("task submitted")
	return id, nil
}

// Cancel requests cancellation. Pending and queued tasks cancel outright;
// a running task keeps running but will not be retried.
func (s *Service) Cancel(ctx context.Context, taskID string) (bool, error) {
	return s.repo.RequestCancel(ctx, taskID)
}

// Run ticks the sweep until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep promotes due pending tasks and fires due cron templates. Exposed
// so tests can drive it with a fake clock.
func (s *Service) Sweep(ctx context.Context) {
	now := s.clock.Now()

	if n, err := s.repo.PromoteDue(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("promote due tasks")
	} else if n > 0 {
		s.logger.Debug().Int("promoted", n).Msg("promoted due tasks")
	}

	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("get due schedules")
		return
	}
	for _, schedule := range schedules {
		if err := s.fire(ctx, schedule, now); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("fire schedule")
		}
	}
}

// fire spawns one task instance from the template and advances its next
// run, atomically. The template itself is never executed.
func (s *Service) fire(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	parsed, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpr, err)
	}

	nextRun := parsed.Next(now)
	taskID, err := s.repo.SpawnScheduledTask(ctx, schedule, now, nextRun)
	if err != nil {
		return fmt.Errorf("spawn task: %w", err)
	}

	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("cron task spawned")
	return nil
}

// ValidateCronExpression checks a cron expression without registering it.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next fire time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from), nil
}
