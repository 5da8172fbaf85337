package reachability

import (
	"fmt"
	"sync"
	"time"
)

// Column identifies one of the probes run for each domain.
type Column string

const (
	ColumnCloudflare = Column("cloudflare")
	ColumnGoogle     = Column("google")
	ColumnHTTP       = Column("http")
)

// Cell is the result of a single probe.
type Cell struct {
	Domain string
	Column Column
	// IP is the resolved address for DoH columns. It is "N/A" when the
	// provider answered without an address.
	IP string
	// Latency is the query time for DoH columns and the average request
	// time for the HTTP column.
	Latency time.Duration
	// Err is set when the probe failed. Latency and IP are then meaningless.
	Err error
}

// String renders the cell the way it is displayed to users.
func (c Cell) String() string {
	if c.Err != nil {
		return "Error"
	}
	ms := c.Latency.Milliseconds()
	if c.Column == ColumnHTTP {
		return fmt.Sprintf("%d ms", ms)
	}
	return fmt.Sprintf("%s (%d ms)", c.IP, ms)
}

// Row holds the cells of one domain. A nil cell has not resolved yet.
type Row struct {
	Domain string
	Cells  map[Column]*Cell
}

// Done reports whether every cell of the row has resolved.
func (r Row) Done() bool {
	for _, c := range r.Cells {
		if c == nil {
			return false
		}
	}
	return true
}

// Table aggregates cells keyed by domain and column. It is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	domains []string
	rows    map[string]*Row
}

// NewTable returns a Table with an empty row for each domain.
func NewTable(domains []string, columns []Column) *Table {
	t := &Table{
		domains: append([]string(nil), domains...),
		rows:    make(map[string]*Row, len(domains)),
	}
	for _, d := range domains {
		r := &Row{Domain: d, Cells: make(map[Column]*Cell, len(columns))}
		for _, c := range columns {
			r.Cells[c] = nil
		}
		t.rows[d] = r
	}
	return t
}

// Set stores c. Setting the same cell twice overwrites the previous value.
func (t *Table) Set(c Cell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[c.Domain]
	if !ok {
		r = &Row{Domain: c.Domain, Cells: map[Column]*Cell{}}
		t.rows[c.Domain] = r
		t.domains = append(t.domains, c.Domain)
	}
	r.Cells[c.Column] = &c
}

// Get returns the cell for domain and column, if it has resolved.
func (t *Table) Get(domain string, column Column) (Cell, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[domain]
	if !ok || r.Cells[column] == nil {
		return Cell{}, false
	}
	return *r.Cells[column], true
}

// Rows returns a snapshot of the rows in domain order.
func (t *Table) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([]Row, 0, len(t.domains))
	for _, d := range t.domains {
		src := t.rows[d]
		r := Row{Domain: d, Cells: make(map[Column]*Cell, len(src.Cells))}
		for k, v := range src.Cells {
			if v != nil {
				c := *v
				v = &c
			}
			r.Cells[k] = v
		}
		rows = append(rows, r)
	}
	return rows
}
