package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
)

var _ domain.IdempotencyRepository = (*scriptedRepo)(nil)

// scriptedRepo отдаёт заранее заданные результаты DeleteExpired и запоминает cutoff.
type scriptedRepo struct {
	mu      sync.Mutex
	results []int
	errs    []error
	cutoffs []time.Time
}

func (r *scriptedRepo) Claim(context.Context, domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, errors.New("unexpected call")
}

func (r *scriptedRepo) Get(context.Context, string, string) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, errors.New("unexpected call")
}

func (r *scriptedRepo) Finish(context.Context, string, string, int, []byte) error {
	return errors.New("unexpected call")
}

func (r *scriptedRepo) DeleteExpired(_ context.Context, before time.Time, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cutoffs = append(r.cutoffs, before)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(r.results) == 0 {
		return 0, nil
	}
	n := r.results[0]
	r.results = r.results[1:]
	return n, nil
}

func (r *scriptedRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestSweepOnce_DrainsInBatches(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := &scriptedRepo{results: []int{3, 3, 1}}
	registry := prometheus.NewRegistry()
	worker := NewCleanupWorker(repo, WithBatchSize(3), WithRegisterer(registry), withClock(func() time.Time { return fixed }))

	sweep, err := worker.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Sweep{Deleted: 7, Batches: 3}, sweep)
	for _, cutoff := range repo.cutoffs {
		assert.True(t, cutoff.Equal(fixed), "every batch uses the same cutoff")
	}
	assert.InDelta(t, 7, testutil.ToFloat64(worker.metrics.deleted), 0)
}

func TestSweepOnce_StopsAtBatchLimit(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{results: []int{2, 2, 2, 2}}
	worker := NewCleanupWorker(repo, WithBatchSize(2), WithMaxBatches(2))

	sweep, err := worker.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, sweep.Partial)
	assert.Equal(t, 4, sweep.Deleted)
	assert.Equal(t, 2, repo.calls())
}

func TestSweepOnce_ReturnsProgressOnError(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{results: []int{5}, errs: []error{nil, errors.New("connection reset")}}
	worker := NewCleanupWorker(repo, WithBatchSize(5))

	sweep, err := worker.SweepOnce(context.Background())
	require.EqualError(t, err, "connection reset")
	assert.Equal(t, 5, sweep.Deleted)
}

func TestSweepOnce_RemovesOnlyExpiredKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := memory.NewIdempotencyRepository()

	for key, expires := range map[string]time.Time{
		"old-1": now.Add(-2 * time.Hour),
		"old-2": now.Add(-time.Minute),
		"fresh": now.Add(time.Hour),
	} {
		_, err := repo.Claim(ctx, domain.IdempotencyClaim{Scope: "u-1", Key: key, RequestHash: "h", ExpiresAt: expires})
		require.NoError(t, err)
	}

	worker := NewCleanupWorker(repo, WithBatchSize(1), withClock(func() time.Time { return now }))
	sweep, err := worker.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.Deleted)

	_, err = repo.Get(ctx, "u-1", "fresh")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "u-1", "old-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestCleanupWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{}
	registry := prometheus.NewRegistry()
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond), WithRegisterer(registry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return repo.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(worker.metrics.sweeps.WithLabelValues("ok")), 2.0)
}

func TestCleanupWorker_RunWithoutRepository(t *testing.T) {
	t.Parallel()

	worker := NewCleanupWorker(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without repository must return immediately")
	}
}
