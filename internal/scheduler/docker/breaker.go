package docker

import (
	"errors"
	"sync/atomic"
	"time"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// ErrDaemonUnavailable is returned by Schedule while the breaker is open.
var ErrDaemonUnavailable = errors.New("docker daemon unavailable: too many consecutive failures")

type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker stops new jobs from being accepted after threshold consecutive
// daemon failures. After timeout one probe job is let through; its outcome
// closes or reopens the breaker.
type breaker struct {
	state     atomic.Int32
	failures  atomic.Int32
	lastFail  atomic.Int64
	probeAt   atomic.Int64
	threshold int32
	timeout   time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	return &breaker{
		threshold: int32(threshold),
		timeout:   timeout,
		now:       time.Now,
	}
}

func (b *breaker) allow() bool {
	for {
		switch breakerState(b.state.Load()) {
		case breakerClosed:
			return true

		case breakerOpen:
			if b.now().Sub(time.Unix(0, b.lastFail.Load())) <= b.timeout {
				return false
			}
			if !b.state.CompareAndSwap(int32(breakerOpen), int32(breakerHalfOpen)) {
				continue
			}
			b.probeAt.Store(b.now().UnixNano())
			return true

		case breakerHalfOpen:
			// A probe that never reported back does not block forever.
			probe := b.probeAt.Load()
			if b.now().Sub(time.Unix(0, probe)) <= b.timeout {
				return false
			}
			return b.probeAt.CompareAndSwap(probe, b.now().UnixNano())
		}
	}
}

func (b *breaker) success() {
	b.failures.Store(0)
	b.state.Store(int32(breakerClosed))
}

func (b *breaker) failure() {
	n := b.failures.Add(1)
	b.lastFail.Store(b.now().UnixNano())

	if breakerState(b.state.Load()) == breakerHalfOpen || n >= b.threshold {
		b.state.Store(int32(breakerOpen))
	}
}

func (b *breaker) open() bool {
	return breakerState(b.state.Load()) != breakerClosed
}
