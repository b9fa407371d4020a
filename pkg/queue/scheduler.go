package queue

import (
	"math"
	"time"
)

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop prevents the task from running. It returns false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler runs f after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// BackoffDelay returns base * 2^(retryCount-1). Values that would overflow are capped.
func BackoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		return base
	}
	shift := retryCount - 1
	if shift >= 63 || base > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}
