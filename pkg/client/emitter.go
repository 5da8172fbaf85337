package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/m-lab/netdiag/pkg/reachability"
	"github.com/m-lab/netdiag/pkg/speedtest/latency"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
)

// Emitter is an interface for emitting results. Its methods may be called
// concurrently, OnCell in particular.
type Emitter interface {
	// OnStart is called when a session starts.
	OnStart(server, mid string, plan model.TestPlan)
	// OnLatency is called when the ping phase completes.
	OnLatency(best time.Duration)
	// OnLiveReading is called on every Live reading of a transfer phase.
	OnLiveReading(phase model.Phase, r model.Reading)
	// OnFinalReading is called with the Avg reading of a transfer phase.
	OnFinalReading(phase model.Phase, r model.Reading)
	// OnPhaseError is called when a phase fails.
	OnPhaseError(phase model.Phase, err error)
	// OnComplete is called when a session ends, successfully or not.
	OnComplete(summary *model.Summary)
	// OnReachability is called with the complete reachability table.
	OnReachability(table *reachability.Table)
	// OnIPInfo is called with the client's address as seen by the server.
	OnIPInfo(info model.IPInfo)
	// OnDebug is called to print debug information.
	OnDebug(msg string)

	// OnCell is called as soon as a reachability cell resolves.
	reachability.Sink
}

// FlagEmoji returns the flag for a two-letter ISO country code, or an empty
// string if code is not one.
func FlagEmoji(code string) string {
	code = strings.ToUpper(code)
	if len(code) != 2 {
		return ""
	}
	var b strings.Builder
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
		// Regional indicator symbols start at U+1F1E6.
		b.WriteRune(0x1F1E6 + c - 'A')
	}
	return b.String()
}

// HumanReadable prints human-readable output to Out, or to stdout if Out is
// nil. It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
	Out   io.Writer

	mu sync.Mutex
}

func (e *HumanReadable) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, format, args...)
}

// OnStart prints the test plan and the server.
func (e *HumanReadable) OnStart(server, mid string, plan model.TestPlan) {
	e.printf("Starting %s speed test (server: %s, mid: %s)\n", plan, server, mid)
}

// OnLatency prints the best round-trip time.
func (e *HumanReadable) OnLatency(best time.Duration) {
	e.printf("Latency: %s\n", formatMS(best))
}

// OnLiveReading prints the current rate.
func (e *HumanReadable) OnLiveReading(phase model.Phase, r model.Reading) {
	e.printf("  %s: %.2f Mb/s\n", phase, r.Mbps)
}

// OnFinalReading prints the average rate of a transfer.
func (e *HumanReadable) OnFinalReading(phase model.Phase, r model.Reading) {
	e.printf("%s rate: %.2f Mb/s (%d bytes in %.2fs)\n",
		phase, r.Mbps, r.Bytes, r.Elapsed.Seconds())
}

// OnPhaseError prints the reason a phase failed.
func (e *HumanReadable) OnPhaseError(phase model.Phase, err error) {
	e.printf("Error during %s: %v\n", phase, err)
}

// OnComplete prints the summary of a session.
func (e *HumanReadable) OnComplete(s *model.Summary) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nTest results (%s):\n", s.State)
	if s.Ping > 0 {
		fmt.Fprintf(&b, "  ping: %s\n", formatMS(s.Ping))
	}
	if st, err := latency.Summarize(s.PingSamples); err == nil {
		fmt.Fprintf(&b, "  ping min/mean/max: %.1f/%.1f/%.1f ms\n",
			ms(st.Min), ms(st.Mean), ms(st.Max))
	}
	for _, series := range []struct {
		phase model.Phase
		s     *model.RateSeries
	}{{model.PhaseDownload, s.Download}, {model.PhaseUpload, s.Upload}} {
		if series.s == nil {
			continue
		}
		if r, ok := series.s.Final(); ok {
			fmt.Fprintf(&b, "  %s: %.2f Mb/s\n", series.phase, r.Mbps)
		}
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", s.Error)
	}
	e.printf("%s", b.String())
}

// OnCell prints a reachability cell as soon as it resolves.
func (e *HumanReadable) OnCell(c reachability.Cell) {
	e.printf("  %-16s %-10s %s\n", c.Domain, c.Column, c)
	if c.Err != nil && e.Debug {
		e.printf("DEBUG: %s/%s: %v\n", c.Domain, c.Column, c.Err)
	}
}

// OnReachability prints the complete reachability table.
func (e *HumanReadable) OnReachability(table *reachability.Table) {
	columns := []reachability.Column{
		reachability.ColumnCloudflare, reachability.ColumnGoogle, reachability.ColumnHTTP,
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%-16s %-24s %-24s %s\n", "Domain", "Cloudflare DoH", "Google DoH", "HTTP latency")
	for _, row := range table.Rows() {
		fmt.Fprintf(&b, "%-16s", row.Domain)
		for i, col := range columns {
			v := "-"
			if c := row.Cells[col]; c != nil {
				v = c.String()
			}
			if i < len(columns)-1 {
				fmt.Fprintf(&b, " %-24s", v)
			} else {
				fmt.Fprintf(&b, " %s", v)
			}
		}
		b.WriteString("\n")
	}
	e.printf("%s", b.String())
}

// OnIPInfo prints the client's address and location.
func (e *HumanReadable) OnIPInfo(info model.IPInfo) {
	flag := FlagEmoji(info.Country)
	if flag != "" {
		flag += " "
	}
	e.printf("Your IP: %s (%s%s, %s)\n", info.IP, flag, info.Country, info.City)
}

// OnDebug is called to print debug information.
func (e *HumanReadable) OnDebug(msg string) {
	if e.Debug {
		e.printf("DEBUG: %s\n", msg)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatMS(d time.Duration) string {
	return fmt.Sprintf("%.1f ms", ms(d))
}

// Event is a single line written by the JSON emitter.
type Event struct {
	Type          string
	Time          time.Time
	Server        string          `json:",omitempty"`
	MeasurementID string          `json:",omitempty"`
	Plan          *model.TestPlan `json:",omitempty"`
	Phase         model.Phase     `json:",omitempty"`
	Latency       time.Duration   `json:",omitempty"`
	Reading       *model.Reading  `json:",omitempty"`
	Cell          *CellEvent      `json:",omitempty"`
	Cells         []CellEvent     `json:",omitempty"`
	Summary       *model.Summary  `json:",omitempty"`
	IPInfo        *model.IPInfo   `json:",omitempty"`
	Error         string          `json:",omitempty"`
	Message       string          `json:",omitempty"`
}

// CellEvent is the JSON form of a reachability.Cell.
type CellEvent struct {
	Domain  string
	Column  reachability.Column
	IP      string        `json:",omitempty"`
	Latency time.Duration `json:",omitempty"`
	Error   string        `json:",omitempty"`
}

func newCellEvent(c reachability.Cell) CellEvent {
	ev := CellEvent{Domain: c.Domain, Column: c.Column, IP: c.IP, Latency: c.Latency}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	return ev
}

// JSON writes one JSON object per event to Out, or to stdout if Out is nil.
type JSON struct {
	Debug bool
	Out   io.Writer

	mu sync.Mutex
}

func (e *JSON) emit(ev Event) {
	ev.Time = time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	// Every field is marshallable, so encoding cannot fail.
	json.NewEncoder(out).Encode(ev)
}

func (e *JSON) OnStart(server, mid string, plan model.TestPlan) {
	e.emit(Event{Type: "start", Server: server, MeasurementID: mid, Plan: &plan})
}

func (e *JSON) OnLatency(best time.Duration) {
	e.emit(Event{Type: "latency", Phase: model.PhasePing, Latency: best})
}

func (e *JSON) OnLiveReading(phase model.Phase, r model.Reading) {
	e.emit(Event{Type: "reading", Phase: phase, Reading: &r})
}

func (e *JSON) OnFinalReading(phase model.Phase, r model.Reading) {
	e.emit(Event{Type: "reading", Phase: phase, Reading: &r})
}

func (e *JSON) OnPhaseError(phase model.Phase, err error) {
	e.emit(Event{Type: "error", Phase: phase, Error: err.Error()})
}

func (e *JSON) OnComplete(s *model.Summary) {
	e.emit(Event{Type: "summary", Summary: s})
}

func (e *JSON) OnCell(c reachability.Cell) {
	ev := newCellEvent(c)
	e.emit(Event{Type: "cell", Cell: &ev})
}

func (e *JSON) OnReachability(table *reachability.Table) {
	var cells []CellEvent
	for _, row := range table.Rows() {
		for _, col := range []reachability.Column{
			reachability.ColumnCloudflare, reachability.ColumnGoogle, reachability.ColumnHTTP,
		} {
			if c := row.Cells[col]; c != nil {
				cells = append(cells, newCellEvent(*c))
			}
		}
	}
	e.emit(Event{Type: "reachability", Cells: cells})
}

func (e *JSON) OnIPInfo(info model.IPInfo) {
	e.emit(Event{Type: "ip", IPInfo: &info})
}

func (e *JSON) OnDebug(msg string) {
	if e.Debug {
		e.emit(Event{Type: "debug", Message: msg})
	}
}

// Checks that the emitters implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = &JSON{}
)
