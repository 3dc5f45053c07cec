package scheduling

import (
	"context"
	"errors"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

// Run consumes job results and advances the matching Schedule records until
// results is closed or ctx is done. Only one Run may be active.
func (s *Service) Run(ctx context.Context, results <-chan workers.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			s.handleResult(ctx, r)
		}
	}
}

func (s *Service) handleResult(ctx context.Context, r workers.Result) {
	log := s.logger.With(
		logger.Field{Key: "schedule_id", Value: r.ScheduleID},
		logger.Field{Key: "job_id", Value: r.JobID},
		logger.Field{Key: "scheduler", Value: r.Scheduler})

	if r.Cancelled {
		// The canceller has already recorded the outcome.
		log.Debug("ignoring result of cancelled job")
		return
	}

	status := schedule.StatusCompleted
	info := map[string]any{
		"exit_code":   r.ExitCode,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Failed() {
		status = schedule.StatusFailed
		if r.Err != nil {
			info["error"] = r.Err.Error()
		}
		if r.Output != "" {
			info["output"] = r.Output
		}
	}

	_, err := s.store.Advance(ctx, r.ScheduleID, status, info)
	switch {
	case err == nil:
		s.metrics.RecordStatus(string(status))
		log.Info("job finished",
			logger.Field{Key: "status", Value: string(status)},
			logger.Field{Key: "exit_code", Value: r.ExitCode})
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, schedule.ErrStatusRegression):
		log.Debug("result no longer applies", logger.Field{Key: "reason", Value: err.Error()})
	default:
		log.Error("failed to record job result", err)
	}
}
