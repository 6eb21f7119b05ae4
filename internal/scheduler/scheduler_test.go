package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/pkg/schema"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(schema.NewSigner([]byte("test-key")))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, logger)
	sched, err := NewScheduler(st, eng, logger, cfg)
	require.NoError(t, err)
	return sched, st
}

func TestNewScheduler_DefaultsAndSchedules(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{})

	assert.Equal(t, defaultSnapshotsKept, sched.cfg.SnapshotsKept)
	assert.Equal(t, defaultRetentionDays, sched.cfg.RetentionDays)
	assert.Equal(t, defaultApprovalGrace, sched.cfg.ApprovalGrace)
	require.Len(t, sched.jobs, 4)
	for _, j := range sched.jobs {
		assert.False(t, j.nextRun.IsZero())
	}
}

func TestNewScheduler_RejectsBadCron(t *testing.T) {
	st := store.NewMemoryStore(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, logger)

	_, err := NewScheduler(st, eng, logger, Config{PruneSchedule: "not a cron line"})
	require.Error(t, err)
}

func TestTick_RunsDueJobsAndReschedules(t *testing.T) {
	sched, st := newTestScheduler(t, Config{SnapshotsKept: 1})
	ctx := context.Background()

	// Seed snapshots so the prune job has work.
	for _, count := range []int64{3, 6, 9} {
		require.NoError(t, st.SaveSnapshot(ctx, &store.Snapshot{
			WorkflowID: "wf-1",
			EventCount: count,
			StateBlob:  []byte(`{}`),
		}))
	}

	past := time.Now().UTC().Add(-time.Minute)
	for _, j := range sched.jobs {
		j.nextRun = past
	}
	sched.tick(ctx)

	for _, j := range sched.jobs {
		assert.True(t, j.nextRun.After(past), "job %s not rescheduled", j.name)
	}

	// Only the most recent snapshot survives.
	snap, err := st.LatestSnapshot(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.EventCount)
	_, err = st.LatestSnapshot(ctx, "wf-1", 6)
	require.Error(t, err)
}

func TestTick_SkipsJobsNotYetDue(t *testing.T) {
	sched, st := newTestScheduler(t, Config{SnapshotsKept: 1})
	ctx := context.Background()

	for _, count := range []int64{3, 6} {
		require.NoError(t, st.SaveSnapshot(ctx, &store.Snapshot{
			WorkflowID: "wf-1",
			EventCount: count,
			StateBlob:  []byte(`{}`),
		}))
	}

	future := time.Now().UTC().Add(time.Hour)
	for _, j := range sched.jobs {
		j.nextRun = future
	}
	sched.tick(ctx)

	// Nothing ran; both snapshots remain.
	snap, err := st.LatestSnapshot(ctx, "wf-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.EventCount)
}

func TestTick_SkipsInflightJob(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{})

	ran := 0
	sched.jobs = []*job{{
		name:     "sweep",
		schedule: sched.jobs[0].schedule,
		nextRun:  time.Now().UTC().Add(-time.Minute),
		run: func(context.Context) error {
			ran++
			return nil
		},
	}}

	require.True(t, sched.tryAcquire("sweep"))
	sched.tick(context.Background())
	assert.Zero(t, ran)

	sched.release("sweep")
	sched.jobs[0].nextRun = time.Now().UTC().Add(-time.Minute)
	sched.tick(context.Background())
	assert.Equal(t, 1, ran)
}

func TestStartStop(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx))

	require.NoError(t, sched.Stop())
	// Stop is idempotent once shut down.
	require.NoError(t, sched.Stop())

	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}
