package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/netdiag/internal/geoip"
	"github.com/m-lab/netdiag/internal/handler"
	"github.com/m-lab/netdiag/pkg/reachability"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/sampler"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

func TestNew(t *testing.T) {
	t.Run("new clients have the expected name and version", func(t *testing.T) {
		c, err := New("test", "v1.0.0", Config{Server: "localhost:8080"})
		testingx.Must(t, err, "cannot create client")
		if c.ClientName != "test" || c.ClientVersion != "v1.0.0" {
			t.Errorf("client.New() returned client with wrong name/version")
		}
		if c.server.String() != "https://localhost:8080" {
			t.Errorf("client.New() returned client with wrong server %s", c.server)
		}
	})
	t.Run("full URLs are used as-is", func(t *testing.T) {
		c, err := New("test", "v1.0.0", Config{Server: "http://example.com/base", Scheme: "https"})
		testingx.Must(t, err, "cannot create client")
		if c.server.String() != "http://example.com/base" {
			t.Errorf("client.New() returned client with wrong server %s", c.server)
		}
	})
	t.Run("invalid server", func(t *testing.T) {
		if _, err := New("test", "v1.0.0", Config{Server: ""}); err == nil {
			t.Errorf("client.New() did not fail with an empty server")
		}
	})
	t.Run("empty name panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Errorf("client.New() did not panic")
			}
		}()
		New("", "v1.0.0", Config{Server: "localhost"})
	})
}

func Test_makeUserAgent(t *testing.T) {
	t.Run("generate requested user agent", func(t *testing.T) {
		got := makeUserAgent("clientname", "clientversion")
		expected := fmt.Sprintf("%s/%s %s/%s", "clientname", "clientversion",
			libraryName, libraryVersion)
		if got != expected {
			t.Errorf("makeUserAgent() = %s, want %s", got, expected)
		}
	})
}

// recorder is an Emitter that keeps track of every call.
type recorder struct {
	mu          sync.Mutex
	starts      int
	live        map[model.Phase][]model.Reading
	final       map[model.Phase][]model.Reading
	phaseErrors map[model.Phase]error
	completed   []*model.Summary
	cells       []reachability.Cell
	tables      int
	ips         []model.IPInfo
}

func newRecorder() *recorder {
	return &recorder{
		live:        map[model.Phase][]model.Reading{},
		final:       map[model.Phase][]model.Reading{},
		phaseErrors: map[model.Phase]error{},
	}
}

func (r *recorder) OnStart(server, mid string, plan model.TestPlan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
}
func (r *recorder) OnLatency(time.Duration) {}
func (r *recorder) OnLiveReading(phase model.Phase, rd model.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[phase] = append(r.live[phase], rd)
}
func (r *recorder) OnFinalReading(phase model.Phase, rd model.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final[phase] = append(r.final[phase], rd)
}
func (r *recorder) OnPhaseError(phase model.Phase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phaseErrors[phase] = err
}
func (r *recorder) OnComplete(s *model.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s)
}
func (r *recorder) OnCell(c reachability.Cell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells = append(r.cells, c)
}
func (r *recorder) OnReachability(*reachability.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables++
}
func (r *recorder) OnIPInfo(info model.IPInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips = append(r.ips, info)
}
func (r *recorder) OnDebug(string) {}

// fakeSampler returns canned results.
type fakeSampler struct {
	pingErr error
	pings   atomic.Int32
	// pingRTTs, if set, is the result of each ping attempt. A zero RTT
	// makes the attempt fail.
	pingRTTs []time.Duration

	mu        sync.Mutex
	pingTimes []time.Time

	downloadErr error
	// downloadObs are offsets from the start of the download.
	downloadObs []time.Duration
	block       chan struct{}
	uploads     atomic.Int32
}

func (f *fakeSampler) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	f.pingTimes = append(f.pingTimes, time.Now())
	f.mu.Unlock()
	n := f.pings.Add(1)
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	if f.pingRTTs != nil {
		rtt := f.pingRTTs[n-1]
		if rtt == 0 {
			return 0, errors.New("ping timeout")
		}
		return rtt, nil
	}
	return time.Duration(n) * time.Millisecond, nil
}

func (f *fakeSampler) pingCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.pingTimes...)
}

func (f *fakeSampler) Download(ctx context.Context, size int64) (<-chan model.Observation, <-chan error) {
	obs := make(chan model.Observation, len(f.downloadObs))
	errCh := make(chan error, 1)
	base := time.Now()
	go func() {
		defer close(obs)
		if f.block != nil {
			<-f.block
		}
		for i, d := range f.downloadObs {
			obs <- model.Observation{Bytes: int64(i+1) * 1_000_000, Time: base.Add(d)}
		}
		errCh <- f.downloadErr
	}()
	return obs, errCh
}

func (f *fakeSampler) Upload(ctx context.Context, size int64) (<-chan model.Observation, <-chan error) {
	f.uploads.Add(1)
	obs := make(chan model.Observation)
	errCh := make(chan error, 1)
	close(obs)
	errCh <- nil
	return obs, errCh
}

func newFakeClient(t *testing.T, f *fakeSampler, e Emitter) *Client {
	c, err := New("test", "v1.0.0", Config{Server: "localhost:8080", Emitter: e})
	testingx.Must(t, err, "cannot create client")
	c.newSampler = func(string) Sampler { return f }
	return c
}

func TestSession_Run(t *testing.T) {
	rec := newRecorder()
	f := &fakeSampler{downloadObs: []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}}
	c := newFakeClient(t, f, rec)
	s := c.NewSession(model.TestPlan{Mode: model.ModeFull, PayloadBytes: 10_000_000})
	if s.State() != model.StateIdle {
		t.Errorf("new session is not idle: %s", s.State())
	}

	sum, err := s.Run(context.Background())
	testingx.Must(t, err, "session failed")
	if sum.State != model.StateDone || s.State() != model.StateDone {
		t.Errorf("unexpected state %s", sum.State)
	}
	if sum.Ping != time.Millisecond || len(sum.PingSamples) != 5 || f.pings.Load() != 5 {
		t.Errorf("unexpected ping results %v %v", sum.Ping, sum.PingSamples)
	}
	if sum.MeasurementID == "" || sum.MeasurementID != s.MeasurementID() {
		t.Errorf("unexpected measurement ID %q", sum.MeasurementID)
	}
	if len(rec.live[model.PhaseDownload]) != 2 {
		t.Errorf("got %d live download readings, want 2", len(rec.live[model.PhaseDownload]))
	}
	if len(rec.final[model.PhaseDownload]) != 1 || len(rec.final[model.PhaseUpload]) != 1 {
		t.Errorf("expected exactly one final reading per phase: %+v", rec.final)
	}
	r, ok := sum.Download.Final()
	if !ok || r.Bytes != 2_000_000 {
		t.Errorf("unexpected download final reading %+v", r)
	}
	// Upload without any observation still yields a finite rate.
	r, ok = sum.Upload.Final()
	if !ok || r.Elapsed != time.Millisecond || r.Mbps != 0 {
		t.Errorf("unexpected upload final reading %+v", r)
	}
	if len(rec.completed) != 1 || rec.starts != 1 {
		t.Errorf("OnStart/OnComplete called %d/%d times", rec.starts, len(rec.completed))
	}
}

func TestSession_RunModes(t *testing.T) {
	tests := []struct {
		mode         model.Mode
		wantDownload bool
		wantUpload   bool
	}{
		{model.ModeFull, true, true},
		{model.ModeDownload, true, false},
		{model.ModeUpload, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := &fakeSampler{}
			c := newFakeClient(t, f, newRecorder())
			sum, err := c.SpeedTest(context.Background(), model.TestPlan{Mode: tt.mode, PayloadBytes: 10_000_000})
			testingx.Must(t, err, "session failed")
			if (sum.Download != nil) != tt.wantDownload || (sum.Upload != nil) != tt.wantUpload {
				t.Errorf("unexpected phases: download=%v upload=%v", sum.Download != nil, sum.Upload != nil)
			}
			if f.pings.Load() != 5 {
				t.Errorf("ping must run in every mode")
			}
		})
	}
}

func TestSession_DownloadFailure(t *testing.T) {
	rec := newRecorder()
	f := &fakeSampler{downloadErr: &sampler.StatusError{Op: "download", Code: 500}}
	c := newFakeClient(t, f, rec)

	sum, err := c.SpeedTest(context.Background(), model.TestPlan{Mode: model.ModeFull, PayloadBytes: 10_000_000})
	var statusErr *sampler.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 500 {
		t.Fatalf("unexpected error %v", err)
	}
	if sum.State != model.StateFailed || sum.Error != "download failed: 500" {
		t.Errorf("unexpected summary %+v", sum)
	}
	if f.uploads.Load() != 0 {
		t.Errorf("upload must be skipped after a download failure")
	}
	if rec.phaseErrors[model.PhaseDownload] == nil {
		t.Errorf("OnPhaseError was not called")
	}
	if _, ok := sum.Download.Final(); ok {
		t.Errorf("a failed download must not have an Avg reading")
	}
}

func TestSession_PingFailure(t *testing.T) {
	rec := newRecorder()
	f := &fakeSampler{pingErr: errors.New("connection refused")}
	c := newFakeClient(t, f, rec)

	sum, err := c.SpeedTest(context.Background(), model.TestPlan{Mode: model.ModeFull, PayloadBytes: 10_000_000})
	if !errors.Is(err, ErrPingFailed) {
		t.Fatalf("unexpected error %v", err)
	}
	if f.pings.Load() != 5 {
		t.Errorf("got %d ping attempts, want 5", f.pings.Load())
	}
	if sum.State != model.StateFailed || sum.Download != nil || sum.Upload != nil {
		t.Errorf("unexpected summary %+v", sum)
	}
	if rec.phaseErrors[model.PhasePing] == nil {
		t.Errorf("OnPhaseError was not called")
	}
}

func TestSession_PingAttempts(t *testing.T) {
	rec := newRecorder()
	f := &fakeSampler{pingRTTs: []time.Duration{
		0, 7 * time.Millisecond, 0, 4 * time.Millisecond, 9 * time.Millisecond,
	}}
	c := newFakeClient(t, f, rec)

	sum, err := c.SpeedTest(context.Background(), model.TestPlan{Mode: model.ModeDownload, PayloadBytes: 10_000_000})
	testingx.Must(t, err, "a partially failed ping must not fail the session")
	if sum.Ping != 4*time.Millisecond {
		t.Errorf("Ping = %v, want the minimum successful RTT", sum.Ping)
	}
	want := []time.Duration{7 * time.Millisecond, 4 * time.Millisecond, 9 * time.Millisecond}
	if !reflect.DeepEqual(sum.PingSamples, want) {
		t.Errorf("PingSamples = %v, want %v", sum.PingSamples, want)
	}

	calls := f.pingCalls()
	if len(calls) != spec.PingAttempts {
		t.Fatalf("got %d ping attempts, want %d", len(calls), spec.PingAttempts)
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < spec.PingInterval {
			t.Errorf("attempts %d and %d are %v apart, want at least %v", i, i+1, gap, spec.PingInterval)
		}
	}
}

func TestSession_RunTwice(t *testing.T) {
	c := newFakeClient(t, &fakeSampler{}, newRecorder())
	s := c.NewSession(model.TestPlan{Mode: model.ModeUpload, PayloadBytes: 10_000_000})
	_, err := s.Run(context.Background())
	testingx.Must(t, err, "session failed")
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrSessionStarted) {
		t.Errorf("second Run() returned %v, want %v", err, ErrSessionStarted)
	}
}

func TestClient_Busy(t *testing.T) {
	f := &fakeSampler{block: make(chan struct{})}
	c := newFakeClient(t, f, newRecorder())
	plan := model.TestPlan{Mode: model.ModeDownload, PayloadBytes: 10_000_000}
	first := c.NewSession(plan)

	done := make(chan error)
	go func() {
		_, err := first.Run(context.Background())
		done <- err
	}()
	// Wait for the first session to reach the download phase.
	for first.State() != model.StateRunning || len(first.Summary().PingSamples) < 5 {
		time.Sleep(10 * time.Millisecond)
	}

	// Summary reports the partial results of a running session.
	partial := first.Summary()
	if partial.State != model.StateRunning || len(partial.PingSamples) != 5 || partial.Ping != time.Millisecond {
		t.Errorf("unexpected partial summary %+v", partial)
	}

	second := c.NewSession(plan)
	if _, err := second.Run(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Run() returned %v, want %v", err, ErrBusy)
	}
	close(f.block)
	testingx.Must(t, <-done, "first session failed")

	// The guard is released once the first session ends.
	if _, err := second.Run(context.Background()); err != nil {
		t.Errorf("Run() after the first session ended returned %v", err)
	}
}

func TestSession_Cancel(t *testing.T) {
	f := &fakeSampler{pingErr: errors.New("timeout")}
	c := newFakeClient(t, f, newRecorder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := c.SpeedTest(ctx, model.TestPlan{Mode: model.ModeFull, PayloadBytes: 10_000_000})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error %v", err)
	}
	if sum.State != model.StateFailed {
		t.Errorf("cancelled session must fail, got %s", sum.State)
	}
}

func setupTestServer(t *testing.T) *httptest.Server {
	l, err := geoip.New("", time.Minute, false)
	testingx.Must(t, err, "cannot create locator")
	t.Cleanup(func() { l.Close() })
	s := httptest.NewServer(handler.New(l).Mux())
	t.Cleanup(s.Close)
	return s
}

func TestClient_SpeedTestAgainstServer(t *testing.T) {
	s := setupTestServer(t)
	rec := newRecorder()
	c, err := New("test", "v1.0.0", Config{Server: s.URL, Emitter: rec, PhaseTimeout: time.Minute})
	testingx.Must(t, err, "cannot create client")

	sum, err := c.SpeedTest(context.Background(), model.TestPlan{Mode: model.ModeFull, PayloadBytes: 10_000_000})
	testingx.Must(t, err, "session failed")
	if sum.State != model.StateDone || len(sum.PingSamples) != 5 || sum.Ping <= 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	for phase, series := range map[model.Phase]*model.RateSeries{
		model.PhaseDownload: sum.Download,
		model.PhaseUpload:   sum.Upload,
	} {
		if series == nil || len(series.Readings) == 0 {
			t.Fatalf("%s: no readings", phase)
		}
		last := series.Readings[len(series.Readings)-1]
		if last.Kind != model.Avg || last.Bytes != 10_000_000 || last.Mbps <= 0 {
			t.Errorf("%s: unexpected final reading %+v", phase, last)
		}
		if len(series.Readings)-len(series.Live()) != 1 {
			t.Errorf("%s: expected exactly one Avg reading", phase)
		}
	}
}

func TestClient_IPInfo(t *testing.T) {
	s := setupTestServer(t)
	rec := newRecorder()
	c, err := New("test", "v1.0.0", Config{Server: s.URL, Emitter: rec})
	testingx.Must(t, err, "cannot create client")

	info, err := c.IPInfo(context.Background())
	testingx.Must(t, err, "IPInfo failed")
	if info.IP != "127.0.0.1" || info.Country != "N/A" {
		t.Errorf("unexpected IP info %+v", info)
	}
	if len(rec.ips) != 1 {
		t.Errorf("OnIPInfo was not called")
	}
}

func TestClient_Reachability(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {}))
	defer target.Close()
	doh := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprint(rw, `{"Answer":[{"data":"192.0.2.1"}]}`)
	}))
	defer doh.Close()

	rec := newRecorder()
	c, err := New("test", "v1.0.0", Config{
		Server:  "localhost",
		Emitter: rec,
		Domains: []string{"a.test", "b.test"},
	})
	testingx.Must(t, err, "cannot create client")
	cf := reachability.Cloudflare
	cf.Endpoint = doh.URL
	g := reachability.Google
	g.Endpoint = doh.URL
	c.prober = reachability.New(reachability.Config{
		Providers:       []reachability.Provider{cf, g},
		TargetURL:       func(string) string { return target.URL },
		AttemptInterval: time.Millisecond,
	})

	table := c.Reachability(context.Background())
	if len(rec.cells) != 6 || rec.tables != 1 {
		t.Errorf("got %d cells and %d tables", len(rec.cells), rec.tables)
	}
	for _, row := range table.Rows() {
		if !row.Done() {
			t.Errorf("row %s is incomplete", row.Domain)
		}
	}
}

func TestFlagEmoji(t *testing.T) {
	tests := map[string]string{
		"DE":  "\U0001F1E9\U0001F1EA",
		"us":  "\U0001F1FA\U0001F1F8",
		"N/A": "",
		"XX1": "",
		"1A":  "",
		"":    "",
	}
	for code, want := range tests {
		if got := FlagEmoji(code); got != want {
			t.Errorf("FlagEmoji(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestHumanReadable(t *testing.T) {
	buf := &bytes.Buffer{}
	e := &HumanReadable{Out: buf}
	e.OnIPInfo(model.IPInfo{IP: "192.0.2.1", Country: "DE", City: "Berlin"})
	e.OnCell(reachability.Cell{Domain: "example.com", Column: reachability.ColumnHTTP, Err: errors.New("x")})
	e.OnDebug("hidden")
	out := buf.String()
	for _, want := range []string{"192.0.2.1", "\U0001F1E9\U0001F1EA DE", "Berlin", "example.com", "Error"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug output printed with Debug=false")
	}
}

func TestHumanReadable_OnComplete(t *testing.T) {
	buf := &bytes.Buffer{}
	e := &HumanReadable{Out: buf}
	dl := &model.RateSeries{}
	dl.Append(model.Reading{Kind: model.Avg, Mbps: 93.5})
	e.OnComplete(&model.Summary{
		State:       model.StateDone,
		Ping:        2 * time.Millisecond,
		PingSamples: []time.Duration{3 * time.Millisecond, 2 * time.Millisecond, 7 * time.Millisecond},
		Download:    dl,
	})
	out := buf.String()
	for _, want := range []string{"ping: 2.0 ms", "min/mean/max: 2.0/4.0/7.0 ms", "download: 93.50 Mb/s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}

	buf.Reset()
	e.OnComplete(&model.Summary{State: model.StateFailed, Error: "ping failed"})
	if strings.Contains(buf.String(), "min/mean/max") {
		t.Errorf("a summary without ping samples must not print ping statistics")
	}
}

func TestJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	e := &JSON{Out: buf}
	e.OnFinalReading(model.PhaseDownload, model.Reading{Kind: model.Avg, Mbps: 42})
	e.OnCell(reachability.Cell{Domain: "example.com", Column: reachability.ColumnGoogle, Err: errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var ev Event
	testingx.Must(t, json.Unmarshal([]byte(lines[0]), &ev), "cannot parse event")
	if ev.Type != "reading" || ev.Phase != model.PhaseDownload || ev.Reading == nil || ev.Reading.Mbps != 42 {
		t.Errorf("unexpected event %+v", ev)
	}
	ev = Event{}
	testingx.Must(t, json.Unmarshal([]byte(lines[1]), &ev), "cannot parse event")
	if ev.Type != "cell" || ev.Cell == nil || ev.Cell.Error != "boom" {
		t.Errorf("unexpected event %+v", ev)
	}
}
