package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/store"
)

// Maintenance cadence defaults, overridable per job via Config.
const (
	defaultPruneSchedule    = "*/5 * * * *"
	defaultArchiveSchedule  = "30 3 * * *"
	defaultReminderSchedule = "*/10 * * * *"
	defaultVacuumSchedule   = "0 4 * * 0"

	defaultSnapshotsKept = 3
	defaultRetentionDays = 90
	defaultApprovalGrace = 30 * time.Minute
	tickInterval         = 60 * time.Second
)

// Config tunes the maintenance jobs. Zero values fall back to defaults.
type Config struct {
	PruneSchedule    string
	ArchiveSchedule  string
	ReminderSchedule string
	VacuumSchedule   string

	SnapshotsKept int
	RetentionDays int
	ApprovalGrace time.Duration
}

// job is one recurring maintenance task.
type job struct {
	name     string
	schedule cron.Schedule
	nextRun  time.Time
	run      func(ctx context.Context) error
}

// Scheduler runs the recurring maintenance work: snapshot pruning, event
// archival, approval reminders, and store compaction. Jobs are cron-timed
// and deduplicated so a slow run never overlaps itself.
type Scheduler struct {
	store  store.Store
	engine *engine.Engine
	logger *slog.Logger
	cfg    Config

	parser cron.Parser
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a maintenance scheduler.
func NewScheduler(s store.Store, eng *engine.Engine, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if cfg.SnapshotsKept <= 0 {
		cfg.SnapshotsKept = defaultSnapshotsKept
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.ApprovalGrace <= 0 {
		cfg.ApprovalGrace = defaultApprovalGrace
	}

	sched := &Scheduler{
		store:    s,
		engine:   eng,
		logger:   logger,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		inflight: make(map[string]struct{}),
	}

	specs := []struct {
		name     string
		expr     string
		fallback string
		run      func(ctx context.Context) error
	}{
		{"snapshot-prune", cfg.PruneSchedule, defaultPruneSchedule, sched.pruneSnapshots},
		{"event-archival", cfg.ArchiveSchedule, defaultArchiveSchedule, sched.archiveEvents},
		{"approval-reminders", cfg.ReminderSchedule, defaultReminderSchedule, sched.remindApprovals},
		{"store-vacuum", cfg.VacuumSchedule, defaultVacuumSchedule, sched.vacuum},
	}

	now := time.Now().UTC()
	for _, spec := range specs {
		expr := spec.expr
		if expr == "" {
			expr = spec.fallback
		}
		schedule, err := sched.parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q for job %s: %w", expr, spec.name, err)
		}
		sched.jobs = append(sched.jobs, &job{
			name:     spec.name,
			schedule: schedule,
			nextRun:  schedule.Next(now),
			run:      spec.run,
		})
	}
	return sched, nil
}

// Start launches the background maintenance loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("maintenance scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job once and reschedules it.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.nextRun.After(now) {
			continue
		}
		if !s.tryAcquire(j.name) {
			continue // previous run still in flight
		}
		j.nextRun = j.schedule.Next(now)

		if err := j.run(ctx); err != nil {
			s.logger.Error("maintenance job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
		}
		s.release(j.name)
	}
}

// pruneSnapshots keeps the most recent snapshots per workflow and drops the
// rest. Snapshots are pure optimization, so pruning is always safe.
func (s *Scheduler) pruneSnapshots(ctx context.Context) error {
	workflowIDs, err := s.store.ListSnapshotWorkflows(ctx)
	if err != nil {
		return err
	}
	pruned := 0
	for _, id := range workflowIDs {
		n, err := s.store.PruneSnapshots(ctx, id, s.cfg.SnapshotsKept)
		if err != nil {
			return err
		}
		pruned += n
	}
	if pruned > 0 {
		s.logger.Info("snapshots pruned", slog.Int("count", pruned))
	}
	return nil
}

// archiveEvents moves events of terminal workflows past the retention window
// into cold storage.
func (s *Scheduler) archiveEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.store.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("events archived",
			slog.Int("count", n),
			slog.Int("retention_days", s.cfg.RetentionDays),
		)
	}
	return nil
}

// remindApprovals re-notifies stale open gates. It never resolves them.
func (s *Scheduler) remindApprovals(ctx context.Context) error {
	n, err := s.engine.RemindPendingApprovals(ctx, s.cfg.ApprovalGrace)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("approval reminders sent", slog.Int("count", n))
	}
	return nil
}

func (s *Scheduler) vacuum(ctx context.Context) error {
	return s.store.Vacuum(ctx)
}

// tryAcquire marks the job in-flight unless it already is.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("maintenance scheduler stopped")
	return nil
}
