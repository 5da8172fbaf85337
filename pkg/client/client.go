// Package client implements a netdiag client: speed test sessions against a
// netdiag server, reachability probes of third-party domains and the
// client's public address lookup.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/netdiag/pkg/reachability"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/sampler"
	"github.com/m-lab/netdiag/pkg/version"
)

const (
	// DefaultScheme is the default scheme for a new Client.
	DefaultScheme = "https"

	// DefaultProbeTimeout bounds every request made by reachability probes.
	DefaultProbeTimeout = 10 * time.Second

	libraryName = "netdiag-client"
)

var libraryVersion = version.Version

// Client runs speed test sessions against a single server. At most one
// session per Client runs at any time.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config     Config
	server     *url.URL
	httpClient *http.Client
	prober     *reachability.Prober

	// newSampler returns the Sampler for a session with the given mid.
	newSampler func(mid string) Sampler

	busy atomic.Bool
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// serverURL returns the base URL for server.
func serverURL(scheme, server string) (*url.URL, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	if !strings.Contains(server, "://") {
		server = scheme + "://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server %q", server)
	}
	return u, nil
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) (*Client, error) {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	u, err := serverURL(config.Scheme, config.Server)
	if err != nil {
		return nil, err
	}
	if config.Emitter == nil {
		config.Emitter = &HumanReadable{}
	}
	if config.Domains == nil {
		config.Domains = reachability.DefaultDomains
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: config.NoVerify}
	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config:     config,
		server:     u,
		httpClient: &http.Client{Transport: transport},
		prober: reachability.New(reachability.Config{
			HTTPClient: &http.Client{Timeout: DefaultProbeTimeout},
		}),
	}
	c.newSampler = func(mid string) Sampler {
		return c.sampler(mid)
	}
	return c, nil
}

func (c *Client) sampler(mid string) *sampler.Sampler {
	return sampler.New(sampler.Config{
		Server:        c.server,
		HTTPClient:    c.httpClient,
		MeasurementID: mid,
		AccessToken:   c.config.AccessToken,
		UserAgent:     makeUserAgent(c.ClientName, c.ClientVersion),
	})
}

// NewSession returns a new, idle session for plan.
func (c *Client) NewSession(plan model.TestPlan) *Session {
	mid := c.config.MeasurementID
	if mid == "" {
		mid = uuid.NewString()
	}
	return &Session{
		client:  c,
		plan:    plan,
		sampler: c.newSampler(mid),
		emitter: c.config.Emitter,
		timeout: c.config.PhaseTimeout,
		summary: model.Summary{
			MeasurementID: mid,
			Server:        c.server.String(),
			Plan:          plan,
			State:         model.StateIdle,
		},
	}
}

// SpeedTest runs a new session for plan.
func (c *Client) SpeedTest(ctx context.Context, plan model.TestPlan) (*model.Summary, error) {
	return c.NewSession(plan).Run(ctx)
}

// Reachability probes the configured domains. Cells are emitted as they
// resolve and the complete table once all of them have.
func (c *Client) Reachability(ctx context.Context) *reachability.Table {
	c.config.Emitter.OnDebug(fmt.Sprintf("probing %d domains", len(c.config.Domains)))
	table := c.prober.Run(ctx, c.config.Domains, c.config.Emitter)
	c.config.Emitter.OnReachability(table)
	return table
}

// IPInfo asks the server for the client's public address and location.
func (c *Client) IPInfo(ctx context.Context) (model.IPInfo, error) {
	info, err := c.sampler(c.config.MeasurementID).IPInfo(ctx)
	if err != nil {
		return info, err
	}
	c.config.Emitter.OnIPInfo(info)
	return info, nil
}
