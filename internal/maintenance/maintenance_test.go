package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsespace/pkg/config"
)

type fakeStore struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	compacts int
	purged   int
	purgeErr error
	compErr  error
	gate     chan struct{}
	ran      chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{ran: make(chan struct{}, 8)}
}

func (f *fakeStore) PurgeDedupe(cutoff time.Time) (int, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.mu.Unlock()
	f.ran <- struct{}{}
	return f.purged, f.purgeErr
}

func (f *fakeStore) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacts++
	return f.compErr
}

func testConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Enabled:   true,
		Cron:      "* * * * *",
		DedupeTTL: config.Duration(time.Hour),
		LockTTL:   config.Duration(time.Minute),
	}
}

func leasePath(dir string) string { return filepath.Join(dir, leaseFileName) }

func TestRunPurgesThenCompacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	st := newFakeStore()
	st.purged = 4

	m := New(testConfig(), st, dir, clk)
	rep, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 4, rep.DedupePurged)
	assert.True(t, rep.Compacted)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, []time.Time{now.Add(-time.Hour)}, st.cutoffs)
	assert.Equal(t, 1, st.compacts)

	_, err = os.Stat(leasePath(dir))
	assert.True(t, os.IsNotExist(err), "lease released after run")
}

func TestSkipCompact(t *testing.T) {
	cfg := testConfig()
	cfg.SkipCompact = true
	st := newFakeStore()
	m := New(cfg, st, t.TempDir(), clock.WallClock)

	rep, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Compacted)
	assert.Zero(t, st.compacts)
}

func TestRunFailureIsReportedAndLeaseReleased(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStore()
	st.compErr = errors.New("disk on fire")
	m := New(testConfig(), st, dir, clock.WallClock)

	rep, err := m.RunNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.False(t, rep.Compacted)

	_, err = os.Stat(leasePath(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestRunSkippedWhileLeaseHeldElsewhere(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	other := newFileLease(dir, func() time.Time { return now })
	ok, err := other.Acquire("other-process", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	st := newFakeStore()
	m := New(testConfig(), st, dir, clock.WallClock)
	rep, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Empty(t, st.cutoffs)

	require.NoError(t, other.Release("other-process"))
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-time.Hour)
	stale := newFileLease(dir, func() time.Time { return past })
	ok, err := stale.Acquire("crashed", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	m := New(testConfig(), newFakeStore(), dir, clock.WallClock)
	rep, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
}

func TestLeaseOwnership(t *testing.T) {
	dir := t.TempDir()
	l := newFileLease(dir, time.Now)
	ok, err := l.Acquire("a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, errors.Is(l.Renew("b", time.Minute), errors.Forbidden))
	assert.True(t, errors.Is(l.Release("b"), errors.Forbidden))
	require.NoError(t, l.Renew("a", time.Minute))
	require.NoError(t, l.Release("a"))

	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOverlappingRunsAreRejected(t *testing.T) {
	st := newFakeStore()
	st.gate = make(chan struct{})
	m := New(testConfig(), st, t.TempDir(), clock.WallClock)

	errc := make(chan error, 1)
	go func() {
		_, err := m.RunNow(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	}, time.Second, 5*time.Millisecond)

	_, err := m.RunNow(context.Background())
	assert.True(t, errors.Is(err, ErrRunInProgress))

	close(st.gate)
	require.NoError(t, <-errc)
}

func TestSchedulerRunsOnCronTick(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	clk := testclock.NewClock(now)
	st := newFakeStore()
	m := New(testConfig(), st, t.TempDir(), clk)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	select {
	case <-st.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not happen")
	}
	st.mu.Lock()
	assert.Equal(t, now.Add(30*time.Second).Add(-time.Hour), st.cutoffs[0])
	st.mu.Unlock()
}

func TestStartValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := New(cfg, newFakeStore(), t.TempDir(), nil)
	require.NoError(t, m.Start(context.Background()))
	m.Stop()

	cfg = testConfig()
	cfg.Cron = "whenever"
	m = New(cfg, newFakeStore(), t.TempDir(), nil)
	assert.True(t, errors.Is(m.Start(context.Background()), errors.NotValid))
}
