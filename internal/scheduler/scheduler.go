// Package scheduler starts scheduled orchestration instances when they become
// due and plans the next occurrence of recurring descriptions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/pkg/schema"
)

const (
	DefaultSpec        = "* * * * *"
	DefaultConcurrency = 4
)

// Coordinator is the part of engine.Coordinator the scheduler drives.
type Coordinator interface {
	GetDueScheduledInstances(ctx context.Context, asOf time.Time) ([]*orchestration.Instance, error)
	StartScheduledOrchestrationInstance(ctx context.Context, id uuid.UUID) error
	ListDescriptions(ctx context.Context, filter store.DescriptionFilter) ([]*orchestration.Description, error)
	SearchOrchestrationInstancesByName(ctx context.Context, filter store.InstanceFilter) ([]*orchestration.Instance, error)
	ScheduleNewOrchestrationInstance(ctx context.Context, req engine.StartRequest, runAt time.Time) (uuid.UUID, error)
}

// Config configures the scheduler.
type Config struct {
	// Spec is the cron expression the scheduler wakes on. Defaults to every minute.
	Spec string
	// Concurrency bounds how many due instances are started at once.
	Concurrency int
	// Recurring enables the planner for descriptions with a cron expression.
	Recurring bool
	// SystemIdentity creates the instances planned for recurring descriptions.
	SystemIdentity identity.OperatingIdentity
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Planned int
	Started int
	Failed  int
	Skipped int
}

// Scheduler wakes on a cron spec and starts due instances.
type Scheduler struct {
	coord  Coordinator
	cfg    Config
	clock  orchestration.Clock
	logger *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	first  sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{} // instances currently being started (dedup)
}

// New validates cfg and creates a Scheduler. A nil clock uses the system
// clock; a nil logger writes text to stderr.
func New(coord Coordinator, cfg Config, clock orchestration.Clock, logger *slog.Logger) (*Scheduler, error) {
	if coord == nil {
		return nil, fmt.Errorf("scheduler: coordinator is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if _, err := orchestration.ParseCronExpression(cfg.Spec); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Recurring && cfg.SystemIdentity == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "recurring planner requires a system identity")
	}
	if clock == nil {
		clock = orchestration.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Scheduler{
		coord:    coord,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}, nil
}

// Start runs one tick immediately and then one per cron activation until ctx
// is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("add scheduler tick: %w", err)
	}
	s.cron = c
	s.cancel = cancel

	s.first.Add(1)
	go func() {
		defer s.first.Done()
		s.Tick(runCtx)
	}()
	c.Start()
	s.logger.Info("scheduler started",
		slog.String("spec", s.cfg.Spec),
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.Bool("recurring", s.cfg.Recurring))
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.first.Wait()
	s.cron = nil
	s.cancel = nil
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick plans recurring occurrences when enabled and then starts every due
// instance. Failures are logged and counted, never returned.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := s.clock.Now()
	if s.cfg.Recurring {
		res.Planned = s.planRecurring(ctx, now)
	}

	due, err := s.coord.GetDueScheduledInstances(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due instances", slog.String("error", err.Error()))
		return res
	}

	var started, failed, skipped atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, inst := range due {
		id := inst.ID()
		if !s.tryAcquire(id) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			defer s.release(id)
			if ctx.Err() != nil {
				return nil
			}
			if err := s.coord.StartScheduledOrchestrationInstance(ctx, id); err != nil {
				failed.Add(1)
				s.logger.Error("failed to start scheduled instance",
					slog.String("orchestration_instance_id", id.String()),
					slog.String("error", err.Error()))
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Started = int(started.Load())
	res.Failed = int(failed.Load())
	res.Skipped = int(skipped.Load())
	if res.Started > 0 || res.Failed > 0 {
		s.logger.Info("scheduler tick",
			slog.Int("due", len(due)),
			slog.Int("started", res.Started),
			slog.Int("failed", res.Failed))
	}
	return res
}

// tryAcquire returns true and marks the instance as in flight if it is not already.
func (s *Scheduler) tryAcquire(id uuid.UUID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
