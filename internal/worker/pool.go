// Package worker executes queued tasks: it leases work, pins the
// account's browser session, applies rate limits and retry policy, and
// writes the outcome back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"botflow/internal/domain"
	"botflow/internal/events"
	"botflow/internal/ratelimit"
	"botflow/internal/retry"
	"botflow/internal/session"
	"botflow/internal/store"
)

// Handler performs one task type's platform action inside a session.
// Returned errors should be classified with the domain error wrappers;
// anything unwrapped is treated as transient.
type Handler interface {
	Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error)
}

// Handlers is the action-handler registry keyed by task type.
type Handlers map[domain.TaskType]Handler

// poolBusyDelay is how far out a task is pushed when every session slot
// stayed busy for the whole acquire timeout.
const poolBusyDelay = 15 * time.Second

// PoolConfig configures the executor pool.
type PoolConfig struct {
	Repo     store.Repository
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Handlers Handlers
	Backoff  retry.Policy
	Bus      *events.Bus
	// Size is the number of tasks that may run concurrently, across
	// accounts. Per-account serialization happens at session acquisition.
	Size        int
	PollEvery   time.Duration
	TaskTimeout time.Duration
	Logger      zerolog.Logger
}

func (c *PoolConfig) defaults() error {
	if c.Repo == nil {
		return fmt.Errorf("repo is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("session manager is required")
	}
	if c.Limiter == nil {
		return fmt.Errorf("rate limiter is required")
	}
	if len(c.Handlers) == 0 {
		return fmt.Errorf("at least one handler is required")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Backoff == (retry.Policy{}) {
		c.Backoff = retry.DefaultPolicy()
	}
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 250 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return nil
}

// Pool leases eligible tasks and runs them on a bounded set of workers.
type Pool struct {
	repo        store.Repository
	sessions    *session.Manager
	limiter     *ratelimit.Limiter
	handlers    Handlers
	backoff     retry.Policy
	bus         *events.Bus
	sem         chan struct{}
	pollEvery   time.Duration
	taskTimeout time.Duration
	logger      zerolog.Logger
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Pool{
		repo:        cfg.Repo,
		sessions:    cfg.Sessions,
		limiter:     cfg.Limiter,
		handlers:    cfg.Handlers,
		backoff:     cfg.Backoff,
		bus:         cfg.Bus,
		sem:         make(chan struct{}, cfg.Size),
		pollEvery:   cfg.PollEvery,
		taskTimeout: cfg.TaskTimeout,
		logger:      cfg.Logger.With().Str("svc", "worker.Pool").Logger(),
	}, nil
}

// Run polls for queued tasks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()

	p.logger.Info().Int("workers", cap(p.sem)).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

// drain leases every currently eligible task, blocking on a worker slot
// for each.
func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		task, err := p.repo.LeaseNext(ctx, now)
		if err != nil || task.ID == "" {
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// Leased but not run; the stale sweep will requeue it.
			return
		}
		go func(tk domain.Task) {
			defer func() { <-p.sem }()
			p.execute(ctx, tk)
		}(task)
	}
}

// execute runs one leased task through the full pipeline. All handler
// errors are classified and converted into state transitions; nothing
// escapes.
func (p *Pool) execute(ctx context.Context, t domain.Task) {
	logger := p.logger.With().Str("task_id", t.ID).Str("type", string(t.Type)).Str("account_id", t.AccountID).Logger()

	handler, ok := p.handlers[t.Type]
	if !ok {
		p.failTask(ctx, t, fmt.Sprintf("no handler for task type %q", t.Type))
		return
	}

	account, err := p.repo.GetAccount(ctx, t.AccountID)
	if err != nil {
		p.failTask(ctx, t, fmt.Sprintf("account lookup: %v", err))
		return
	}
	if account.Status != domain.AccountActive {
		p.failTask(ctx, t, fmt.Sprintf("account unavailable: status %s", account.Status))
		return
	}

	sess, err := p.sessions.Acquire(ctx, account)
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			// Local contention, not a task failure: push the task back
			// without touching its retry budget.
			runAt := time.Now().Add(poolBusyDelay)
			if rerr := p.repo.RescheduleTaskAt(ctx, t.ID, runAt); rerr != nil {
				logger.Error().Err(rerr).Msg("reschedule task on busy pool")
			}
			logger.Info().Msg("session pool busy, rescheduled")
			return
		}
		logger.Warn().Err(err).Msg("session acquire failed")
		p.handleFailure(ctx, t, nil, fmt.Errorf("acquire session: %w", domain.Transient(err)))
		return
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.sessions.Release(releaseCtx, sess)
	}
	defer release()

	if t.Type.Interaction() {
		allowed, retryAfter, err := p.limiter.Check(ctx, t.AccountID, t.Type)
		if err != nil {
			p.handleFailure(ctx, t, sess, domain.Transient(fmt.Errorf("rate limiter: %w", err)))
			return
		}
		if !allowed {
			// Not a failure: back out without touching the retry budget.
			runAt := time.Now().Add(retryAfter)
			if err := p.repo.RescheduleTaskAt(ctx, t.ID, runAt); err != nil {
				logger.Error().Err(err).Msg("reschedule rate-limited task")
			}
			logger.Info().Dur("retry_after", retryAfter).Msg("rate limited, rescheduled")
			return
		}
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	result, err := handler.Handle(taskCtx, sess, t.Payload)
	cancel()

	if err != nil {
		p.recordInteraction(ctx, t, false)
		p.handleFailure(ctx, t, sess, err)
		return
	}

	if err := p.repo.CompleteTask(ctx, t.ID, result); err != nil {
		logger.Error().Err(err).Msg("mark task completed")
	}
	p.recordInteraction(ctx, t, true)
	p.bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: t.ID, AccountID: t.AccountID, TaskType: t.Type})
	logger.Info().Msg("task completed")
}

// handleFailure maps a classified error to the task's next state.
func (p *Pool) handleFailure(ctx context.Context, t domain.Task, sess *session.Session, err error) {
	logger := p.logger.With().Str("task_id", t.ID).Str("account_id", t.AccountID).Logger()

	switch domain.Classify(err) {
	case domain.KindBanned:
		logger.Warn().Err(err).Msg("ban signal detected, failing account work")
		if uerr := p.repo.UpdateAccountStatus(ctx, t.AccountID, domain.AccountBanned); uerr != nil {
			logger.Error().Err(uerr).Msg("mark account banned")
		}
		if n, ferr := p.repo.FailPendingForAccount(ctx, t.AccountID, "account banned"); ferr != nil {
			logger.Error().Err(ferr).Msg("fail pending account tasks")
		} else if n > 0 {
			logger.Info().Int("failed_fast", n).Msg("failed remaining account tasks")
		}
		p.failTask(ctx, t, err.Error())
		p.bus.Publish(events.Event{Kind: events.AccountBanned, AccountID: t.AccountID, Error: err.Error()})

	case domain.KindTerminal:
		p.failTask(ctx, t, err.Error())

	case domain.KindSession:
		// Browser died under the task. Destroy the session; the retry
		// will dial a fresh one.
		if sess != nil {
			p.sessions.Discard(ctx, sess)
		}
		p.retryOrFail(ctx, t, err)

	default: // transient
		p.retryOrFail(ctx, t, err)
	}
}

// retryOrFail applies the backoff policy, honoring a cancellation
// requested while the task was running.
func (p *Pool) retryOrFail(ctx context.Context, t domain.Task, cause error) {
	logger := p.logger.With().Str("task_id", t.ID).Logger()

	if cancelled, err := p.repo.CancelRequested(ctx, t.ID); err == nil && cancelled {
		if err := p.repo.MarkCancelled(ctx, t.ID); err != nil {
			logger.Error().Err(err).Msg("mark task cancelled")
		}
		p.bus.Publish(events.Event{Kind: events.TaskCancelled, TaskID: t.ID, AccountID: t.AccountID, TaskType: t.Type})
		logger.Info().Msg("cancellation honored instead of retry")
		return
	}

	newCount := t.RetryCount + 1
	if newCount >= t.MaxRetries {
		p.failTask(ctx, t, fmt.Sprintf("retries exhausted: %v", cause))
		return
	}

	delay := p.backoff.NextDelay(newCount)
	runAt := time.Now().Add(delay)
	if err := p.repo.RetryTaskAt(ctx, t.ID, cause.Error(), runAt); err != nil {
		logger.Error().Err(err).Msg("schedule retry")
		return
	}
	logger.Info().Int("retry", newCount).Dur("delay", delay).Err(cause).Msg("task scheduled for retry")
}

func (p *Pool) failTask(ctx context.Context, t domain.Task, msg string) {
	if err := p.repo.FailTask(ctx, t.ID, msg); err != nil {
		p.logger.Error().Err(err).Str("task_id", t.ID).Msg("mark task failed")
	}
	p.bus.Publish(events.Event{Kind: events.TaskFailed, TaskID: t.ID, AccountID: t.AccountID, TaskType: t.Type, Error: msg})
}

// recordInteraction appends to the audit log for rate-limited task types.
func (p *Pool) recordInteraction(ctx context.Context, t domain.Task, success bool) {
	if !t.Type.Interaction() {
		return
	}
	_, err := p.repo.AppendInteraction(ctx, domain.InteractionRecord{
		AccountID: t.AccountID,
		Type:      t.Type,
		TargetID:  domain.TargetID(t.Type, t.Payload),
		Success:   success,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error().Err(err).Str("task_id", t.ID).Msg("append interaction record")
	}
}
