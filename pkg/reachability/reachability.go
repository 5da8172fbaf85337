// Package reachability probes DNS resolution and HTTP reachability of a list
// of third-party domains.
//
// For every domain, the prober resolves the name through two DNS-over-HTTPS
// providers and measures the average latency of a few HTTP requests to a
// well-known resource on the domain. All probes run concurrently and every
// result is reported as soon as it is available.
package reachability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/netdiag/pkg/speedtest/latency"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

const (
	// DefaultAttempts is the number of HTTP latency requests per domain.
	DefaultAttempts = 3
	// DefaultAttemptInterval is the delay between two HTTP latency requests.
	DefaultAttemptInterval = 200 * time.Millisecond

	// maxDrain bounds how much of an HTTP latency response body is read
	// before closing it.
	maxDrain = 64 << 10
)

// DefaultDomains is the list of domains probed by default.
var DefaultDomains = []string{
	"google.com",
	"youtube.com",
	"facebook.com",
	"amazon.com",
	"wikipedia.org",
	"baidu.com",
	"qq.com",
	"taobao.com",
	"bilibili.com",
	"tiktok.com",
}

// targetOverrides are the latency targets for domains where the favicon is
// not the lightest resource.
var targetOverrides = map[string]string{
	"google.com":   "https://www.google.com/gen_204",
	"youtube.com":  "https://www.youtube.com/generate_204",
	"facebook.com": "https://www.facebook.com/images/blank.gif",
}

// TargetURL returns the URL used to measure HTTP latency to domain.
func TargetURL(domain string) string {
	if u, ok := targetOverrides[domain]; ok {
		return u
	}
	return "https://www." + domain + "/favicon.ico"
}

// Provider is a DNS-over-HTTPS resolver with a JSON API.
type Provider struct {
	Column   Column
	Endpoint string
	// Header is added to every query.
	Header http.Header
}

// Cloudflare and Google are the default DoH providers.
var (
	Cloudflare = Provider{
		Column:   ColumnCloudflare,
		Endpoint: "https://cloudflare-dns.com/dns-query",
		Header:   http.Header{"Accept": []string{"application/dns-json"}},
	}
	Google = Provider{
		Column:   ColumnGoogle,
		Endpoint: "https://dns.google/resolve",
	}
)

// Sink receives cells as they resolve. OnCell is called concurrently from
// multiple goroutines.
type Sink interface {
	OnCell(c Cell)
}

// Config configures a Prober. Zero values select the defaults.
type Config struct {
	HTTPClient *http.Client
	Providers  []Provider
	// TargetURL maps a domain to its HTTP latency target.
	TargetURL       func(domain string) string
	Attempts        int
	AttemptInterval time.Duration
}

// Prober runs reachability probes.
type Prober struct {
	client    *http.Client
	providers []Provider
	targetURL func(string) string
	attempts  int
	interval  time.Duration
}

// New returns a Prober for config.
func New(config Config) *Prober {
	p := &Prober{
		client:    config.HTTPClient,
		providers: config.Providers,
		targetURL: config.TargetURL,
		attempts:  config.Attempts,
		interval:  config.AttemptInterval,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.providers == nil {
		p.providers = []Provider{Cloudflare, Google}
	}
	if p.targetURL == nil {
		p.targetURL = TargetURL
	}
	if p.attempts <= 0 {
		p.attempts = DefaultAttempts
	}
	if p.interval == 0 {
		p.interval = DefaultAttemptInterval
	}
	return p
}

// Run probes every domain and returns the complete table. Each cell is
// passed to sink (which may be nil) as soon as it resolves, independently of
// every other cell.
func (p *Prober) Run(ctx context.Context, domains []string, sink Sink) *Table {
	columns := make([]Column, 0, len(p.providers)+1)
	for _, pr := range p.providers {
		columns = append(columns, pr.Column)
	}
	columns = append(columns, ColumnHTTP)
	table := NewTable(domains, columns)

	report := func(c Cell) {
		table.Set(c)
		if sink != nil {
			sink.OnCell(c)
		}
	}

	wg := &sync.WaitGroup{}
	for _, domain := range domains {
		for _, provider := range p.providers {
			wg.Add(1)
			go func(domain string, provider Provider) {
				defer wg.Done()
				report(p.Resolve(ctx, provider, domain))
			}(domain, provider)
		}
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			report(p.HTTPLatency(ctx, domain))
		}(domain)
	}
	wg.Wait()
	return table
}

// dohResponse is the subset of the DNS JSON API response we use.
type dohResponse struct {
	Answer []struct {
		Data string `json:"data"`
	} `json:"Answer"`
}

// Resolve queries provider for the A record of domain. The cell's latency
// covers the whole query, response decoding included.
func (p *Prober) Resolve(ctx context.Context, provider Provider, domain string) Cell {
	cell := Cell{Domain: domain, Column: provider.Column}

	u, err := url.Parse(provider.Endpoint)
	if err != nil {
		cell.Err = err
		return cell
	}
	q := u.Query()
	q.Set("name", domain)
	q.Set("type", "A")
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cell.Err = err
		return cell
	}
	for k, v := range provider.Header {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		log.Debug("DoH query failed", "provider", provider.Column, "domain", domain, "error", err)
		cell.Err = err
		return cell
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cell.Err = fmt.Errorf("%s returned %d", provider.Column, resp.StatusCode)
		return cell
	}
	var answer dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		cell.Err = err
		return cell
	}
	cell.Latency = time.Since(start)
	cell.IP = spec.NotAvailable
	if len(answer.Answer) > 0 && answer.Answer[0].Data != "" {
		cell.IP = answer.Answer[0].Data
	}
	return cell
}

// HTTPLatency measures the average time to get a response from domain's
// latency target. Only the timing of the response is used: its status and
// body are ignored. Failed attempts are skipped; if all of them fail, the
// cell carries an error and no latency.
func (p *Prober) HTTPLatency(ctx context.Context, domain string) Cell {
	cell := Cell{Domain: domain, Column: ColumnHTTP}
	target := p.targetURL(domain)

	var samples []time.Duration
	var lastErr error
	for i := 0; i < p.attempts; i++ {
		rtt, err := p.timeRequest(ctx, target)
		if err != nil {
			lastErr = err
		} else {
			samples = append(samples, rtt)
		}
		if i < p.attempts-1 && !sleep(ctx, p.interval) {
			break
		}
	}

	avg, err := latency.Mean(samples)
	if err != nil {
		if lastErr != nil {
			err = fmt.Errorf("%w: %v", err, lastErr)
		}
		cell.Err = err
		return cell
	}
	cell.Latency = avg
	return cell
}

func (p *Prober) timeRequest(ctx context.Context, target string) (time.Duration, error) {
	u := fmt.Sprintf("%s?t=%d+%f", target, time.Now().UnixMilli(), rand.Float64())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	resp.Body.Close()
	return rtt, nil
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
