package cron

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsafeName is returned for org or workspace names that cannot be
	// placed on a crontab line.
	ErrUnsafeName = errors.New("name contains characters not allowed in a crontab entry")
	// ErrInvalidExpression wraps cron expression parse failures.
	ErrInvalidExpression = errors.New("invalid cron expression")
)

// CrontabError reports a failure to read or persist the crontab.
type CrontabError struct {
	Op  string
	Err error
}

func (e *CrontabError) Error() string {
	return fmt.Sprintf("crontab %s: %v", e.Op, e.Err)
}

func (e *CrontabError) Unwrap() error {
	return e.Err
}

// IsCrontabError reports whether err is a persistence failure.
func IsCrontabError(err error) bool {
	var ce *CrontabError
	return errors.As(err, &ce)
}
