package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"botflow/internal/domain"
	"botflow/internal/events"
	"botflow/internal/ratelimit"
	"botflow/internal/retry"
	"botflow/internal/session"
	"botflow/internal/store"
	"botflow/internal/worker"
)

type handlerFunc func(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error)

func (f handlerFunc) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, sess, payload)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]events.Kind, 0, len(l.events))
	for _, e := range l.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type harness struct {
	repo      store.Repository
	dialer    *session.FakeDialer
	sessions  *session.Manager
	bus       *events.Bus
	log       *eventLog
	accountID string
}

// newHarness wires a pool over a real on-disk store and fake browsers,
// starts it, and stops it on test cleanup.
func newHarness(t *testing.T, handlers worker.Handlers, limits ratelimit.Limits) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "botflow.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	accountID, err := repo.CreateAccount(context.Background(), domain.Account{Username: "poster_01"})
	require.NoError(t, err)

	dialer := session.NewFakeDialer()
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:          repo,
		Dialer:         dialer,
		Capacity:       2,
		ActionInterval: time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	bus := events.NewBus()
	log := &eventLog{}
	bus.Subscribe(log.add)

	pool, err := worker.NewPool(worker.PoolConfig{
		Repo:      repo,
		Sessions:  sessions,
		Limiter:   ratelimit.New(repo, limits, nil),
		Handlers:  handlers,
		Backoff:   retry.Policy{Base: 50 * time.Millisecond, Multiplier: 2, Cap: time.Second, MaxRetries: 3},
		Bus:       bus,
		Size:      1,
		PollEvery: 10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{repo: repo, dialer: dialer, sessions: sessions, bus: bus, log: log, accountID: accountID}
}

func (h *harness) submit(t *testing.T, typ domain.TaskType, payload string, priority int) string {
	t.Helper()
	id, err := h.repo.CreateTask(context.Background(), domain.Task{
		Type:      typ,
		AccountID: h.accountID,
		Payload:   json.RawMessage(payload),
		Priority:  priority,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitForStatus(t *testing.T, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	var got domain.Task
	require.Eventually(t, func() bool {
		task, err := h.repo.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s (last: %+v)", id, want, &got)
	return got
}

func TestTaskLifecycleSuccess(t *testing.T) {
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(_ context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
			var p domain.LikePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"liked":"` + p.PostID + `"}`), nil
		}),
	}
	h := newHarness(t, handlers, nil)

	id := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskCompleted)
	assert.JSONEq(t, `{"liked":"p1"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
	assert.Zero(t, got.RetryCount)

	recs, err := h.repo.ListInteractions(context.Background(), h.accountID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, domain.TypeLike, recs[0].Type)
	assert.Equal(t, "p1", recs[0].TargetID)

	assert.Contains(t, h.log.kinds(), events.TaskCompleted)
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				// Unclassified errors count as transient.
				return nil, errors.New("flaky page load")
			}
			return json.RawMessage(`{}`), nil
		}),
	}
	h := newHarness(t, handlers, nil)

	id := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskPending)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "flaky page load", got.Error)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now().Add(-time.Second)))

	// The failed attempt is audited as unsuccessful.
	recs, err := h.repo.ListInteractions(context.Background(), h.accountID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)

	// Promote the retry as the scheduler sweep would.
	require.Eventually(t, func() bool {
		n, err := h.repo.PromoteDue(context.Background(), time.Now())
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	got = h.waitForStatus(t, id, domain.TaskCompleted)
	assert.Equal(t, 1, got.RetryCount)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestRetriesExhausted(t *testing.T) {
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("always failing")
		}),
	}
	h := newHarness(t, handlers, nil)

	id, err := h.repo.CreateTask(context.Background(), domain.Task{
		Type:       domain.TypeLike,
		AccountID:  h.accountID,
		Payload:    json.RawMessage(`{"post_id":"p1"}`),
		MaxRetries: 1,
	})
	require.NoError(t, err)

	got := h.waitForStatus(t, id, domain.TaskFailed)
	assert.Contains(t, got.Error, "retries exhausted")
	assert.Contains(t, h.log.kinds(), events.TaskFailed)
}

func TestRateLimitDenialKeepsRetryBudget(t *testing.T) {
	handlerCalled := make(chan struct{}, 1)
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			handlerCalled <- struct{}{}
			return json.RawMessage(`{}`), nil
		}),
	}
	limits := ratelimit.Limits{domain.TypeLike: {PerHour: 1, PerDay: 10}}
	h := newHarness(t, handlers, limits)

	// The hourly budget is already spent.
	_, err := h.repo.AppendInteraction(context.Background(), domain.InteractionRecord{
		AccountID: h.accountID,
		Type:      domain.TypeLike,
		Success:   true,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	id := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskPending)
	assert.Zero(t, got.RetryCount, "a denial is not a failure")
	assert.Empty(t, got.Error)
	require.NotNil(t, got.ScheduledAt)
	// The slot frees when the oldest interaction ages out, ~50min from now.
	assert.True(t, got.ScheduledAt.After(time.Now().Add(40*time.Minute)))

	select {
	case <-handlerCalled:
		t.Fatal("handler ran despite the rate limit")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolContentionKeepsRetryBudget(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "botflow.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	accA, err := repo.CreateAccount(context.Background(), domain.Account{Username: "poster_01"})
	require.NoError(t, err)
	accB, err := repo.CreateAccount(context.Background(), domain.Account{Username: "poster_02"})
	require.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})
	handlers := worker.Handlers{
		domain.TypeScrape: handlerFunc(func(_ context.Context, sess *session.Session, _ json.RawMessage) (json.RawMessage, error) {
			if sess.AccountID == accA {
				close(started)
				<-proceed
			}
			return json.RawMessage(`{}`), nil
		}),
	}

	dialer := session.NewFakeDialer()
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:          repo,
		Dialer:         dialer,
		Capacity:       1,
		ActionInterval: time.Millisecond,
		AcquireTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	pool, err := worker.NewPool(worker.PoolConfig{
		Repo:      repo,
		Sessions:  sessions,
		Limiter:   ratelimit.New(repo, nil, nil),
		Handlers:  handlers,
		Size:      2,
		PollEvery: 10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	idA, err := repo.CreateTask(context.Background(), domain.Task{
		Type:      domain.TypeScrape,
		AccountID: accA,
		Payload:   json.RawMessage(`{"query":"golang"}`),
	})
	require.NoError(t, err)
	<-started

	// The only session slot is pinned by the first account's task for the
	// whole acquire timeout, so the second account's task gets deferred.
	idB, err := repo.CreateTask(context.Background(), domain.Task{
		Type:      domain.TypeScrape,
		AccountID: accB,
		Payload:   json.RawMessage(`{"query":"rust"}`),
	})
	require.NoError(t, err)

	var got domain.Task
	require.Eventually(t, func() bool {
		task, terr := repo.GetTask(context.Background(), idB)
		if terr != nil {
			return false
		}
		got = task
		return task.Status == domain.TaskPending
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, got.RetryCount, "contention is not a task failure")
	assert.Empty(t, got.Error)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now().Add(5*time.Second)))

	close(proceed)
	require.Eventually(t, func() bool {
		task, terr := repo.GetTask(context.Background(), idA)
		return terr == nil && task.Status == domain.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Once promoted onto the freed slot the deferred task completes with
	// its budget intact.
	require.Eventually(t, func() bool {
		n, perr := repo.PromoteDue(context.Background(), time.Now().Add(time.Minute))
		return perr == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		task, terr := repo.GetTask(context.Background(), idB)
		if terr != nil {
			return false
		}
		got = task
		return task.Status == domain.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, got.RetryCount)
}

func TestBanFailsAccountWorkFast(t *testing.T) {
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			return nil, domain.Banned(errors.New("account suspended banner"))
		}),
	}
	h := newHarness(t, handlers, nil)

	trigger := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 9)
	queued1 := h.submit(t, domain.TypeLike, `{"post_id":"p2"}`, 0)
	queued2 := h.submit(t, domain.TypeLike, `{"post_id":"p3"}`, 0)

	got := h.waitForStatus(t, trigger, domain.TaskFailed)
	assert.Contains(t, got.Error, "suspended")

	h.waitForStatus(t, queued1, domain.TaskFailed)
	h.waitForStatus(t, queued2, domain.TaskFailed)

	require.Eventually(t, func() bool {
		acc, err := h.repo.GetAccount(context.Background(), h.accountID)
		return err == nil && acc.Status == domain.AccountBanned
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, h.log.kinds(), events.AccountBanned)
}

func TestCancelWhileRunningSuppressesRetry(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	handlers := worker.Handlers{
		domain.TypeScrape: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-proceed
			return nil, errors.New("interrupted")
		}),
	}
	h := newHarness(t, handlers, nil)

	id := h.submit(t, domain.TypeScrape, `{"query":"golang"}`, 0)

	<-started
	ok, err := h.repo.RequestCancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	close(proceed)

	got := h.waitForStatus(t, id, domain.TaskCancelled)
	assert.Zero(t, got.RetryCount, "cancellation must win over the retry")
	assert.Contains(t, h.log.kinds(), events.TaskCancelled)
}

func TestSessionFailureDialsFreshBrowser(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handlers := worker.Handlers{
		domain.TypeScrape: handlerFunc(func(_ context.Context, sess *session.Session, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, domain.SessionFailure(errors.New("browser gone"))
			}
			return json.RawMessage(`{}`), nil
		}),
	}
	h := newHarness(t, handlers, nil)

	id := h.submit(t, domain.TypeScrape, `{"query":"golang"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskPending)
	assert.Equal(t, 1, got.RetryCount)

	// The broken browser was torn down.
	require.Eventually(t, func() bool {
		conns := h.dialer.Dialed()
		return len(conns) >= 1 && conns[0].Closed()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := h.repo.PromoteDue(context.Background(), time.Now())
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.waitForStatus(t, id, domain.TaskCompleted)
	assert.GreaterOrEqual(t, len(h.dialer.Dialed()), 2, "retry must run on a fresh browser")
}

func TestUnknownTaskTypeFailsTerminally(t *testing.T) {
	handlers := worker.Handlers{
		domain.TypeScrape: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}
	h := newHarness(t, handlers, nil)

	id := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskFailed)
	assert.Contains(t, got.Error, "no handler")
	assert.Zero(t, got.RetryCount)
}

func TestUnavailableAccountFailsTask(t *testing.T) {
	handlers := worker.Handlers{
		domain.TypeLike: handlerFunc(func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}
	h := newHarness(t, handlers, nil)

	require.NoError(t, h.repo.UpdateAccountStatus(context.Background(), h.accountID, domain.AccountSuspended))

	id := h.submit(t, domain.TypeLike, `{"post_id":"p1"}`, 0)

	got := h.waitForStatus(t, id, domain.TaskFailed)
	assert.Contains(t, got.Error, "account unavailable")
}
