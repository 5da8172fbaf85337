// Package spec contains constants for the netdiag speed test protocol.
package spec

import "time"

const (
	// IndexPath serves the landing page.
	IndexPath = "/"
	// PingPath answers a zero-byte latency probe.
	PingPath = "/ping"
	// DownloadPath streams the requested number of bytes.
	DownloadPath = "/download"
	// UploadPath discards the request body.
	UploadPath = "/upload"
	// IPPath returns the client's IP address and location.
	IPPath = "/ip"

	// SizeParam is the querystring parameter carrying the download size.
	SizeParam = "size"
	// CacheBusterParam is appended to ping requests. The server ignores it.
	CacheBusterParam = "nocache"
	// MIDParam carries the measurement ID. It is only used for logging.
	MIDParam = "mid"

	// DefaultDownloadSize is used when /download is requested without a size.
	DefaultDownloadSize = 25_000_000

	// MaxDownloadSize caps the number of bytes a single /download can stream.
	MaxDownloadSize = 100 * 1024 * 1024

	// DownloadChunkSize is the size of each chunk written by /download.
	DownloadChunkSize = 16 * 1024

	// DownloadFiller is the byte value /download fills its body with.
	DownloadFiller = 'a'

	// PingAttempts is the maximum number of ping requests in a ping round.
	PingAttempts = 5

	// PingInterval is the delay between two ping attempts.
	PingInterval = 100 * time.Millisecond

	// LiveInterval is the minimum time between two Live readings.
	LiveInterval = 250 * time.Millisecond

	// MinElapsed is the floor applied to the duration of a transfer when
	// computing its average rate.
	MinElapsed = time.Millisecond

	// NotAvailable is reported by /ip for unknown values and by the
	// reachability prober for DoH answers without an address.
	NotAvailable = "N/A"
)

// PayloadSizes are the payload sizes a client can select.
var PayloadSizes = []int64{10_000_000, 25_000_000, 50_000_000, 100_000_000}
