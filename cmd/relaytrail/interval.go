package main

import (
	"math/rand"
	"time"
)

// minSyncDelay keeps a fully jittered schedule from spinning on the lease.
const minSyncDelay = time.Second

// syncSchedule spaces sync runs around a base interval so processes
// syncing the same user drift apart instead of racing for the lease.
type syncSchedule struct {
	base   time.Duration
	jitter float64
	sample func() float64
}

func newSyncSchedule(base time.Duration, jitter float64, sample func() float64) syncSchedule {
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}
	return syncSchedule{base: base, jitter: min(max(jitter, 0), 1), sample: sample}
}

func (s syncSchedule) next() time.Duration {
	return s.delay(s.sample())
}

// delay places the run within base ± jitter. sample 0 is the earliest
// point, 1 the latest and 0.5 base itself; out of range samples clamp.
func (s syncSchedule) delay(sample float64) time.Duration {
	if s.base <= 0 {
		return minSyncDelay
	}
	if s.jitter == 0 {
		return max(s.base, minSyncDelay)
	}
	offset := (min(max(sample, 0), 1)*2 - 1) * s.jitter
	return max(time.Duration(float64(s.base)*(1+offset)), minSyncDelay)
}
