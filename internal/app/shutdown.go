package app

import (
	"context"
	"errors"
	"fmt"
)

// Shutdown stops the application in order:
//  1. stops accepting HTTP requests and drains in-flight ones
//  2. stops the retention loop
//  3. shuts down every scheduler backend (terminates jobs, removes cron lines)
//  4. waits for the worker pool to drain within ctx and stops it, which
//     closes the results channel
//  5. waits for the coordinator to record the last results
//  6. waits for pending activity deliveries
//  7. closes the database
//
// Shutdown is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop HTTP server", err)
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	a.retention.Stop()

	if err := a.registry.ShutdownAll(ctx); err != nil {
		a.logger.Error("scheduler shutdown incomplete", err)
		errs = append(errs, err)
	}

	// Stop blocks until every task returns, so it only runs once the pool
	// has drained within the deadline.
	if err := a.pool.Wait(ctx); err != nil {
		a.logger.Warn("jobs still running at shutdown deadline, leaving them behind")
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	} else {
		a.pool.Stop()

		select {
		case <-a.coordinatorDone:
		case <-ctx.Done():
			a.logger.Warn("coordinator did not drain before shutdown deadline")
		}
	}

	a.service.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", err)
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
