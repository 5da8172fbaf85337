// Package sampler performs the timed network operations of a speed test
// against a netdiag server.
package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

const (
	// observationBuffer is the capacity of the observation channels. The
	// consumer is an estimator that does very little work per observation.
	observationBuffer = 100

	readBufferSize = 32 * 1024

	accessTokenParam = "access_token"
)

// StatusError is returned when the server answers with a non-successful
// HTTP status code.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d", e.Op, e.Code)
}

// Config configures a Sampler.
type Config struct {
	// Server is the base URL of the netdiag server.
	Server *url.URL
	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// MeasurementID is sent as the "mid" parameter of every request.
	MeasurementID string
	// AccessToken, if set, is sent as the "access_token" parameter of
	// download and upload requests. No other endpoint requires it.
	AccessToken string
	// UserAgent is sent in the User-Agent header.
	UserAgent string
}

// Sampler produces latency samples and byte-count observations.
type Sampler struct {
	config Config
	client *http.Client
}

// New returns a Sampler for the given configuration.
func New(config Config) *Sampler {
	c := config.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}
	return &Sampler{
		config: config,
		client: c,
	}
}

func (s *Sampler) url(p string, q url.Values) string {
	u := *s.config.Server
	u.Path = path.Join("/", u.Path, p)
	if q == nil {
		q = url.Values{}
	}
	if s.config.MeasurementID != "" {
		q.Set(spec.MIDParam, s.config.MeasurementID)
	}
	if s.config.AccessToken != "" && needsToken(p) {
		q.Set(accessTokenParam, s.config.AccessToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// needsToken reports whether requests to p go through access control.
func needsToken(p string) bool {
	return p == spec.DownloadPath || p == spec.UploadPath
}

func (s *Sampler) newRequest(ctx context.Context, method, p string, q url.Values,
	body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url(p, q), body)
	if err != nil {
		return nil, err
	}
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
	return req, nil
}

// Ping performs a single round trip to the ping endpoint and returns the
// time elapsed between issuing the request and receiving the response
// headers. Any HTTP response counts as a completed round trip.
func (s *Sampler) Ping(ctx context.Context) (time.Duration, error) {
	q := url.Values{}
	q.Set(spec.CacheBusterParam, strconv.FormatInt(time.Now().UnixMilli(), 10))
	req, err := s.newRequest(ctx, http.MethodGet, spec.PingPath, q, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return rtt, nil
}

// Download requests size bytes from the server and streams the response
// body. Cumulative byte counts are sent over the returned observation
// channel, which is closed when the transfer ends. The transfer's outcome
// is then available on the error channel. The observation channel MUST be
// drained by the caller.
func (s *Sampler) Download(ctx context.Context, size int64) (<-chan model.Observation, <-chan error) {
	obs := make(chan model.Observation, observationBuffer)
	errCh := make(chan error, 1)
	go func() {
		defer close(obs)
		errCh <- s.download(ctx, size, obs)
	}()
	return obs, errCh
}

func (s *Sampler) download(ctx context.Context, size int64, obs chan<- model.Observation) error {
	q := url.Values{}
	q.Set(spec.SizeParam, strconv.FormatInt(size, 10))
	req, err := s.newRequest(ctx, http.MethodGet, spec.DownloadPath, q, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: "download", Code: resp.StatusCode}
	}

	buf := make([]byte, readBufferSize)
	var received int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			select {
			case obs <- model.Observation{Bytes: received, Time: time.Now()}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("download read failed: %w", err)
		}
	}
}

// Upload posts a body of size zero-valued bytes to the server. Every time
// the transport consumes part of the body, the cumulative number of bytes
// handed to it is sent over the returned observation channel, which is
// closed when the transfer ends. The transfer's outcome is then available
// on the error channel. The observation channel MUST be drained by the
// caller.
func (s *Sampler) Upload(ctx context.Context, size int64) (<-chan model.Observation, <-chan error) {
	obs := make(chan model.Observation, observationBuffer)
	errCh := make(chan error, 1)
	go func() {
		defer close(obs)
		errCh <- s.upload(ctx, size, obs)
	}()
	return obs, errCh
}

func (s *Sampler) upload(ctx context.Context, size int64, obs chan<- model.Observation) error {
	body := &progressReader{
		ctx:       ctx,
		remaining: size,
		obs:       obs,
	}
	// The transport may still hold the body after Do returns. Stop
	// reporting before obs gets closed.
	defer body.stop()

	req, err := s.newRequest(ctx, http.MethodPost, spec.UploadPath, nil, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload network error: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: "upload", Code: resp.StatusCode}
	}
	return nil
}

// IPInfo returns the client's address and location as seen by the server.
func (s *Sampler) IPInfo(ctx context.Context) (model.IPInfo, error) {
	var info model.IPInfo
	req, err := s.newRequest(ctx, http.MethodGet, spec.IPPath, nil, nil)
	if err != nil {
		return info, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, &StatusError{Op: "ip lookup", Code: resp.StatusCode}
	}
	err = json.NewDecoder(resp.Body).Decode(&info)
	return info, err
}

// progressReader generates zero-valued bytes and reports how many of them
// have been read so far.
type progressReader struct {
	ctx       context.Context
	remaining int64
	read      int64
	obs       chan<- model.Observation

	mu      sync.Mutex
	stopped bool
}

func (r *progressReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	clear(p)
	r.remaining -= int64(len(p))
	r.read += int64(len(p))
	r.report(r.read)
	return len(p), nil
}

func (r *progressReader) report(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.obs <- model.Observation{Bytes: n, Time: time.Now()}:
	case <-r.ctx.Done():
	}
}

func (r *progressReader) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}
