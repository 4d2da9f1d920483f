package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
)

// planRecurring schedules the next occurrence of every enabled recurring
// description, unless an instance already exists for that time. A canceled
// occurrence stays canceled. It returns the number of instances scheduled.
func (s *Scheduler) planRecurring(ctx context.Context, now time.Time) int {
	descs, err := s.coord.ListDescriptions(ctx, store.DescriptionFilter{EnabledOnly: true, RecurringOnly: true})
	if err != nil {
		s.logger.Error("failed to list recurring descriptions", slog.String("error", err.Error()))
		return 0
	}

	planned := 0
	for _, d := range descs {
		ok, err := s.planNext(ctx, d, now)
		if err != nil {
			s.logger.Error("failed to plan recurring instance",
				slog.String("description", d.UniqueName.String()),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			planned++
		}
	}
	return planned
}

func (s *Scheduler) planNext(ctx context.Context, d *orchestration.Description, now time.Time) (bool, error) {
	next, err := d.NextOccurrence(now)
	if err != nil {
		return false, err
	}
	existing, err := s.coord.SearchOrchestrationInstancesByName(ctx, store.InstanceFilter{
		Name:        d.UniqueName.Name,
		Version:     d.UniqueName.Version,
		ScheduledAt: &next,
		Limit:       1,
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	id, err := s.coord.ScheduleNewOrchestrationInstance(ctx, engine.StartRequest{
		Identity: s.cfg.SystemIdentity,
		Name:     d.UniqueName,
	}, next)
	if err != nil {
		return false, err
	}
	s.logger.Info("recurring instance planned",
		slog.String("description", d.UniqueName.String()),
		slog.String("orchestration_instance_id", id.String()),
		slog.Time("run_at", next))
	return true, nil
}
