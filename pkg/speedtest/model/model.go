// Package model contains the data types shared by the speed test client,
// its estimators and its result sinks.
package model

import (
	"fmt"
	"time"
)

// Mode selects which phases a session runs.
type Mode string

const (
	// ModeFull runs ping, download and upload.
	ModeFull = Mode("full")
	// ModeDownload runs ping and download.
	ModeDownload = Mode("download")
	// ModeUpload runs ping and upload.
	ModeUpload = Mode("upload")
)

// Downloads reports whether this mode includes the download phase.
func (m Mode) Downloads() bool {
	return m == ModeFull || m == ModeDownload
}

// Uploads reports whether this mode includes the upload phase.
func (m Mode) Uploads() bool {
	return m == ModeFull || m == ModeUpload
}

// Phase is a step of a session.
type Phase string

const (
	PhasePing     = Phase("ping")
	PhaseDownload = Phase("download")
	PhaseUpload   = Phase("upload")
)

// State is the state of a session.
type State string

const (
	StateIdle    = State("idle")
	StateRunning = State("running")
	StateDone    = State("done")
	StateFailed  = State("failed")
)

// TestPlan is the configuration of a single session. It must not change
// while the session is running.
type TestPlan struct {
	Mode         Mode
	PayloadBytes int64
}

func (p TestPlan) String() string {
	return fmt.Sprintf("%s/%dMB", p.Mode, p.PayloadBytes/1_000_000)
}

// Observation is a cumulative byte count observed at a given time during a
// transfer.
type Observation struct {
	Bytes int64
	Time  time.Time
}

// ReadingKind tells whether a Reading covers a slice of a transfer or all
// of it.
type ReadingKind string

const (
	// Live readings cover the time elapsed since the previous reading.
	Live = ReadingKind("Live")
	// Avg readings cover the whole transfer.
	Avg = ReadingKind("Avg")
)

// Reading is a throughput figure computed over an interval.
type Reading struct {
	Kind ReadingKind
	// Mbps is the rate in megabits (10^6 bits) per second.
	Mbps float64
	// Bytes is the number of bytes transferred during the interval.
	Bytes int64
	// Elapsed is the length of the interval.
	Elapsed time.Duration
}

// RateSeries is the ordered history of readings for one direction.
type RateSeries struct {
	Readings []Reading
}

// Append adds r to the series.
func (s *RateSeries) Append(r Reading) {
	s.Readings = append(s.Readings, r)
}

// Live returns the Live readings only.
func (s *RateSeries) Live() []Reading {
	var live []Reading
	for _, r := range s.Readings {
		if r.Kind == Live {
			live = append(live, r)
		}
	}
	return live
}

// Final returns the Avg reading, if the transfer completed.
func (s *RateSeries) Final() (Reading, bool) {
	for i := len(s.Readings) - 1; i >= 0; i-- {
		if s.Readings[i].Kind == Avg {
			return s.Readings[i], true
		}
	}
	return Reading{}, false
}

// Summary is the outcome of a session. It is what gets archived.
type Summary struct {
	// MeasurementID identifies this session on the server side.
	MeasurementID string
	// Server is the base URL the session ran against.
	Server    string
	Plan      TestPlan
	State     State
	StartTime time.Time
	EndTime   time.Time
	// Ping is the best round-trip time. Zero if the ping phase failed.
	Ping time.Duration
	// PingSamples are the successful round-trip times of the ping round.
	PingSamples []time.Duration `json:",omitempty"`
	Download    *RateSeries     `json:",omitempty"`
	Upload      *RateSeries     `json:",omitempty"`
	// Error is the reason for a failed session.
	Error string `json:",omitempty"`
}

// IPInfo is returned by the server's /ip endpoint.
type IPInfo struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	City    string `json:"city"`
}
