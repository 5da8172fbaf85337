// Package metrics defines the Prometheus metrics exported by the netdiag
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netdiag_active_transfers",
			Help: "A gauge of transfers currently being served.",
		},
		[]string{"direction"})
	TransferCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netdiag_transfers_total",
			Help: "Number of transfers served, by direction and outcome.",
		},
		[]string{"direction", "status"},
	)
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netdiag_transfer_bytes_total",
			Help: "Number of payload bytes transferred, by direction.",
		},
		[]string{"direction"},
	)
	TransferRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "netdiag_transfer_rate_mbps",
			Help: "A histogram of server-side transfer rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction"},
	)
	PingCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netdiag_pings_total",
			Help: "Number of ping requests answered.",
		},
	)
	IPLookupCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netdiag_ip_lookups_total",
			Help: "Number of IP info lookups, by source of the answer.",
		},
		[]string{"source"},
	)
)
