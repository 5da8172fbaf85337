package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/netdiag/pkg/speedtest/latency"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/rate"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

var (
	// ErrBusy is returned when a session is started while another session of
	// the same Client is running.
	ErrBusy = errors.New("a session is already running")
	// ErrSessionStarted is returned when a session is run more than once.
	ErrSessionStarted = errors.New("session already started")
	// ErrPingFailed is returned when no ping attempt of a session succeeds.
	ErrPingFailed = errors.New("ping failed")
)

// Sampler performs the timed network operations of a session.
type Sampler interface {
	Ping(ctx context.Context) (time.Duration, error)
	Download(ctx context.Context, size int64) (<-chan model.Observation, <-chan error)
	Upload(ctx context.Context, size int64) (<-chan model.Observation, <-chan error)
}

// Session is a single speed test: a ping round followed by the transfer
// phases selected by its plan. A Session can only be run once.
type Session struct {
	client  *Client
	plan    model.TestPlan
	sampler Sampler
	emitter Emitter
	timeout time.Duration

	// mu protects started and summary. The session's own goroutine is the
	// only writer.
	mu      sync.Mutex
	started bool
	summary model.Summary
}

// MeasurementID returns the ID sent to the server by this session.
func (s *Session) MeasurementID() string {
	return s.summary.MeasurementID
}

// State returns the current state of the session.
func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.State
}

// Summary returns a snapshot of the session's results so far.
func (s *Session) Summary() model.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() model.Summary {
	sum := s.summary
	sum.PingSamples = append([]time.Duration(nil), s.summary.PingSamples...)
	copySeries := func(rs *model.RateSeries) *model.RateSeries {
		if rs == nil {
			return nil
		}
		return &model.RateSeries{Readings: append([]model.Reading(nil), rs.Readings...)}
	}
	sum.Download = copySeries(s.summary.Download)
	sum.Upload = copySeries(s.summary.Upload)
	return sum
}

// Run runs the session until it completes, fails or ctx is done. The
// returned summary is never nil unless the session could not start. The
// error is the reason the session failed, if it did.
func (s *Session) Run(ctx context.Context) (*model.Summary, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrSessionStarted
	}
	if !s.client.busy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	defer s.client.busy.Store(false)
	s.started = true
	s.summary.State = model.StateRunning
	s.summary.StartTime = time.Now()
	s.mu.Unlock()

	s.emitter.OnStart(s.summary.Server, s.summary.MeasurementID, s.plan)
	err := s.run(ctx)

	s.mu.Lock()
	s.summary.EndTime = time.Now()
	if err != nil {
		s.summary.State = model.StateFailed
		s.summary.Error = err.Error()
	} else {
		s.summary.State = model.StateDone
	}
	sum := s.snapshot()
	s.mu.Unlock()

	s.emitter.OnComplete(&sum)
	return &sum, err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.runPhase(ctx, model.PhasePing, s.ping); err != nil {
		return err
	}
	if s.plan.Mode.Downloads() {
		if err := s.runPhase(ctx, model.PhaseDownload, s.download); err != nil {
			return err
		}
	}
	if s.plan.Mode.Uploads() {
		if err := s.runPhase(ctx, model.PhaseUpload, s.upload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) runPhase(ctx context.Context, phase model.Phase,
	fn func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.emitter.OnDebug(fmt.Sprintf("starting %s phase", phase))
	err := fn(ctx)
	if err != nil {
		s.emitter.OnPhaseError(phase, err)
	}
	return err
}

func (s *Session) ping(ctx context.Context) error {
	var samples []time.Duration
	var lastErr error
	for i := 0; i < spec.PingAttempts; i++ {
		if i > 0 && !sleep(ctx, spec.PingInterval) {
			return ctx.Err()
		}
		rtt, err := s.sampler.Ping(ctx)
		if err != nil {
			lastErr = err
			s.emitter.OnDebug(fmt.Sprintf("ping attempt %d failed: %v", i+1, err))
			continue
		}
		samples = append(samples, rtt)
	}
	best, err := latency.Best(samples)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPingFailed, lastErr)
	}

	s.mu.Lock()
	s.summary.Ping = best
	s.summary.PingSamples = samples
	s.mu.Unlock()
	s.emitter.OnLatency(best)
	return nil
}

func (s *Session) download(ctx context.Context) error {
	// The download rate includes the time to first byte.
	start := time.Now()
	obs, errCh := s.sampler.Download(ctx, s.plan.PayloadBytes)
	return s.transfer(model.PhaseDownload, rate.New(start), obs, errCh)
}

func (s *Session) upload(ctx context.Context) error {
	// The upload rate starts with the first byte handed to the transport.
	obs, errCh := s.sampler.Upload(ctx, s.plan.PayloadBytes)
	return s.transfer(model.PhaseUpload, rate.New(time.Time{}), obs, errCh)
}

// transfer drains obs into est and reports readings as they are produced.
func (s *Session) transfer(phase model.Phase, est *rate.Estimator,
	obs <-chan model.Observation, errCh <-chan error) error {
	series := &model.RateSeries{}
	s.mu.Lock()
	if phase == model.PhaseDownload {
		s.summary.Download = series
	} else {
		s.summary.Upload = series
	}
	s.mu.Unlock()

	var total int64
	for o := range obs {
		total = o.Bytes
		if r, ok := est.Observe(o); ok {
			s.appendReading(series, r)
			s.emitter.OnLiveReading(phase, r)
		}
	}
	if err := <-errCh; err != nil {
		return err
	}
	r := est.Final(time.Now(), total)
	s.appendReading(series, r)
	s.emitter.OnFinalReading(phase, r)
	return nil
}

func (s *Session) appendReading(series *model.RateSeries, r model.Reading) {
	s.mu.Lock()
	series.Append(r)
	s.mu.Unlock()
}

// sleep waits for d or until ctx is done. It returns false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
