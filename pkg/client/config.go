package client

import (
	"time"
)

// Config is the configuration for a Client.
type Config struct {
	// Server is the netdiag server to run speed tests against. It is either
	// a host[:port] pair, in which case Scheme is used, or a full base URL.
	Server string

	// Scheme is the scheme used to connect to the server (http or https).
	Scheme string

	// MeasurementID is the manually configured Measurement ID ("mid") to pass
	// to the server. If empty, a random one is generated for every session.
	MeasurementID string

	// AccessToken is sent to the server for access-controlled endpoints.
	AccessToken string

	// PhaseTimeout bounds the duration of each phase of a session. Zero
	// means no timeout.
	PhaseTimeout time.Duration

	// Emitter is the interface used to emit the results of the test. It can
	// be overridden to provide a custom output.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification of the server.
	NoVerify bool

	// Domains are the domains probed by Reachability. Defaults to
	// reachability.DefaultDomains.
	Domains []string
}
