// Package retention periodically removes finished schedule records.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
)

const (
	DefaultInterval = time.Hour
	DefaultKeepFor  = 30 * 24 * time.Hour
)

// Purger deletes terminal records last updated before cutoff.
type Purger interface {
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Enabled  bool
	Interval time.Duration // between runs
	KeepFor  time.Duration // age after which finished records go
}

// Scheduler runs the purge on a ticker.
type Scheduler struct {
	store  Purger
	config Config
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(store Purger, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.KeepFor <= 0 {
		cfg.KeepFor = DefaultKeepFor
	}
	return &Scheduler{
		store:  store,
		config: cfg,
		logger: log.Component("retention"),
		now:    time.Now,
	}
}

// Start runs one purge immediately and then every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info("retention disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.logger.Info("retention started",
		logger.Field{Key: "interval", Value: s.config.Interval.String()},
		logger.Field{Key: "keep_for", Value: s.config.KeepFor.String()})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.run(ctx)
		for {
			select {
			case <-ticker.C:
				s.run(ctx)
			case <-ctx.Done():
				s.logger.Info("retention stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight purge to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce purges immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.KeepFor)
	return s.store.PurgeFinished(ctx, cutoff)
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention purge failed", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("finished schedules purged",
			logger.Field{Key: "deleted", Value: n},
			logger.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()})
	} else {
		s.logger.Debug("retention purge: nothing to delete")
	}
}
