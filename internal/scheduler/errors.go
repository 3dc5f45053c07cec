package scheduler

import (
	"errors"
	"fmt"
)

// ErrUnknownScheduler is returned when a name is not present in the registry.
var ErrUnknownScheduler = errors.New("unknown scheduler")

// ErrJobNotFound is returned by Cancel when the backend no longer tracks the
// job. For backends that report results, the job has finished and its
// result may still be on its way to the coordinator.
var ErrJobNotFound = errors.New("job not found")

// ConfigurationError reports a registry or backend configuration problem.
// It is raised before any side effect takes place.
type ConfigurationError struct {
	Scheduler string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Scheduler == "" {
		return fmt.Sprintf("scheduler configuration: %v", e.Err)
	}
	return fmt.Sprintf("scheduler %q: %v", e.Scheduler, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
