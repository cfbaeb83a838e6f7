package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botflow/internal/domain"
	"botflow/internal/session"
)

type fakeAssignments struct {
	mu          sync.Mutex
	fingerprint map[string]domain.Fingerprint
	auth        map[string]json.RawMessage
}

func newFakeAssignments() *fakeAssignments {
	return &fakeAssignments{
		fingerprint: map[string]domain.Fingerprint{},
		auth:        map[string]json.RawMessage{},
	}
}

func (f *fakeAssignments) AccountFingerprint(_ context.Context, id string) (domain.Fingerprint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprint[id]
	return fp, ok, nil
}

func (f *fakeAssignments) SaveAssignment(_ context.Context, id, _ string, fp domain.Fingerprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprint[id] = fp
	return nil
}

func (f *fakeAssignments) SaveAuthState(_ context.Context, id string, auth json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth[id] = auth
	return nil
}

func newManager(t *testing.T, capacity int) (*session.Manager, *session.FakeDialer, *fakeAssignments) {
	t.Helper()
	dialer := session.NewFakeDialer()
	store := newFakeAssignments()
	m, err := session.NewManager(session.ManagerConfig{
		Store:          store,
		Dialer:         dialer,
		Capacity:       capacity,
		AcquireTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return m, dialer, store
}

func account(id string) domain.Account {
	return domain.Account{ID: id, Username: id, Status: domain.AccountActive}
}

func TestAcquireCreatesAndPinsAssignment(t *testing.T) {
	m, dialer, store := newManager(t, 2)
	ctx := context.Background()

	s, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	assert.Equal(t, "acc_1", s.AccountID)
	assert.NotEmpty(t, s.Fingerprint.UserAgent)
	assert.Len(t, dialer.Dialed(), 1)

	// The generated fingerprint was persisted for reuse.
	fp, ok, err := store.AccountFingerprint(ctx, "acc_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Fingerprint.ID, fp.ID)

	// Same account reuses the warm session, same fingerprint.
	m.Release(ctx, s)
	s2, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.Len(t, dialer.Dialed(), 1)
}

func TestAcquireSerializesPerAccount(t *testing.T) {
	m, _, _ := newManager(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	var running int
	var overlapped bool

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(ctx, account("acc_1"))
			require.NoError(t, err)

			mu.Lock()
			running++
			if running > 1 {
				overlapped = true
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			m.Release(ctx, s)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped, "two holders of the same account session overlapped")
}

func TestAcquireEvictsLRUAtCapacity(t *testing.T) {
	m, dialer, _ := newManager(t, 2)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	m.Release(ctx, s1)

	s2, err := m.Acquire(ctx, account("acc_2"))
	require.NoError(t, err)
	m.Release(ctx, s2)

	// acc_1 was released first, so it is the LRU victim.
	s3, err := m.Acquire(ctx, account("acc_3"))
	require.NoError(t, err)
	assert.Equal(t, "acc_3", s3.AccountID)
	assert.Equal(t, 2, m.Len())

	conns := dialer.Dialed()
	require.Len(t, conns, 3)
	assert.True(t, conns[0].Closed(), "LRU session should have been torn down")
	assert.False(t, conns[1].Closed())
}

func TestAcquirePoolExhausted(t *testing.T) {
	m, _, _ := newManager(t, 1)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)

	// Only slot stays busy for the whole acquire timeout: nothing to evict.
	_, err = m.Acquire(ctx, account("acc_2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	m.Release(ctx, s1)
}

func TestAcquireWaitsForFreedSlot(t *testing.T) {
	m, dialer, _ := newManager(t, 1)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.Release(ctx, s1)
	}()

	// The only slot is busy, but it frees up inside the acquire timeout:
	// the second account gets it instead of ErrPoolExhausted.
	start := time.Now()
	s2, err := m.Acquire(ctx, account("acc_2"))
	require.NoError(t, err)
	assert.Equal(t, "acc_2", s2.AccountID)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.True(t, dialer.Dialed()[0].Closed(), "freed session should have been evicted for the newcomer")

	m.Release(ctx, s2)
}

func TestAcquireWakesAllWaitersBehindDeadSession(t *testing.T) {
	m, dialer, _ := newManager(t, 2)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(ctx, account("acc_1"))
			require.NoError(t, err)
			acquired <- struct{}{}
			time.Sleep(5 * time.Millisecond)
			m.Release(ctx, s)
		}()
	}
	// Let both goroutines queue behind the holder.
	time.Sleep(20 * time.Millisecond)

	// The browser dies while held. The released session is dead, so the
	// first woken waiter recreates it; the other must be woken too, not
	// left queued on the discarded session object.
	dialer.Dialed()[0].Kill()
	m.Release(ctx, s1)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter left stranded behind an evicted session")
	}
	assert.Len(t, acquired, 2)
	assert.Len(t, dialer.Dialed(), 2)
}

func TestAcquireRecreatesDeadSession(t *testing.T) {
	m, dialer, _ := newManager(t, 2)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	m.Release(ctx, s1)

	dialer.Dialed()[0].Kill()

	s2, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Len(t, dialer.Dialed(), 2)
	// The pinned fingerprint survives the browser restart.
	assert.Equal(t, s1.Fingerprint.ID, s2.Fingerprint.ID)
}

func TestAcquireWaiterHonorsContext(t *testing.T) {
	m, _, _ := newManager(t, 1)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, account("acc_1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release(ctx, s1)
}

func TestEvictIdle(t *testing.T) {
	m, dialer, _ := newManager(t, 3)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, account("acc_1"))
	require.NoError(t, err)
	m.Release(ctx, s1)

	s2, err := m.Acquire(ctx, account("acc_2"))
	require.NoError(t, err)
	// acc_2 stays busy and must survive the sweep.

	n := m.EvictIdle(ctx, 0)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Len())
	assert.True(t, dialer.Dialed()[0].Closed())
	assert.False(t, dialer.Dialed()[1].Closed())

	m.Release(ctx, s2)
}

func TestEvictAll(t *testing.T) {
	m, dialer, _ := newManager(t, 3)
	ctx := context.Background()

	for _, id := range []string{"acc_1", "acc_2", "acc_3"} {
		s, err := m.Acquire(ctx, account(id))
		require.NoError(t, err)
		m.Release(ctx, s)
	}

	require.NoError(t, m.EvictAll(ctx))
	assert.Equal(t, 0, m.Len())
	for _, c := range dialer.Dialed() {
		assert.True(t, c.Closed())
	}
}
