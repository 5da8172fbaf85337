// Package rate turns cumulative byte counts observed during a transfer into
// throughput readings.
package rate

import (
	"time"

	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

// Estimator computes Live readings at most once per interval and a single
// Avg reading when the transfer ends. It is not safe for concurrent use.
type Estimator struct {
	interval   time.Duration
	minElapsed time.Duration

	started   bool
	start     time.Time
	lastTime  time.Time
	lastBytes int64
}

// New returns an Estimator for a transfer that started at start. If start is
// the zero time, the first observation marks the start of the transfer.
func New(start time.Time) *Estimator {
	e := &Estimator{
		interval:   spec.LiveInterval,
		minElapsed: spec.MinElapsed,
	}
	if !start.IsZero() {
		e.begin(start)
	}
	return e
}

func (e *Estimator) begin(t time.Time) {
	e.started = true
	e.start = t
	e.lastTime = t
}

// Observe records a new cumulative byte count. It returns a Live reading
// and true when more than the live interval has passed since the previous
// reading (or since the start of the transfer).
func (e *Estimator) Observe(o model.Observation) (model.Reading, bool) {
	if !e.started {
		e.begin(o.Time)
	}
	elapsed := o.Time.Sub(e.lastTime)
	if elapsed <= e.interval {
		return model.Reading{}, false
	}
	delta := o.Bytes - e.lastBytes
	r := model.Reading{
		Kind:    model.Live,
		Mbps:    Mbps(delta, elapsed),
		Bytes:   delta,
		Elapsed: elapsed,
	}
	e.lastTime = o.Time
	e.lastBytes = o.Bytes
	return r, true
}

// Final returns the Avg reading over the entire transfer. The elapsed time
// is floored to a minimum so that a transfer that was never observed still
// yields a finite rate.
func (e *Estimator) Final(end time.Time, totalBytes int64) model.Reading {
	var elapsed time.Duration
	if e.started {
		elapsed = end.Sub(e.start)
	}
	if elapsed < e.minElapsed {
		elapsed = e.minElapsed
	}
	return model.Reading{
		Kind:    model.Avg,
		Mbps:    Mbps(totalBytes, elapsed),
		Bytes:   totalBytes,
		Elapsed: elapsed,
	}
}

// Mbps converts a number of bytes transferred over d to megabits per
// second. It returns 0 for non-positive durations.
func Mbps(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (d.Seconds() * 1e6)
}
