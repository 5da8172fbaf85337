// Package history keeps a local SQLite log of completed speed test sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/m-lab/netdiag/pkg/speedtest/model"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with history-specific methods.
type DB struct {
	*sql.DB
}

// Record is one row of the history.
type Record struct {
	MeasurementID string
	Server        string
	Mode          model.Mode
	PayloadBytes  int64
	State         model.State
	StartTime     time.Time
	EndTime       time.Time
	Ping          time.Duration
	// DownloadMbps and UploadMbps are nil when the phase did not complete.
	DownloadMbps *float64
	UploadMbps   *float64
	Error        string
}

// Open opens (or creates) the history database at path and makes sure the
// schema exists.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}
	db := &DB{sqldb}
	if err := db.InitSchema(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates all necessary tables.
func (db *DB) InitSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        measurement_id TEXT NOT NULL,
        server TEXT NOT NULL,
        mode TEXT NOT NULL,
        payload_bytes INTEGER NOT NULL,
        state TEXT NOT NULL,
        start_time INTEGER NOT NULL,
        end_time INTEGER NOT NULL,
        ping_us INTEGER,
        download_mbps REAL,
        upload_mbps REAL,
        error_message TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
    `
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

func finalMbps(s *model.RateSeries) sql.NullFloat64 {
	if s == nil {
		return sql.NullFloat64{}
	}
	r, ok := s.Final()
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: r.Mbps, Valid: true}
}

// Save appends a session summary to the history.
func (db *DB) Save(ctx context.Context, s *model.Summary) error {
	var ping sql.NullInt64
	if s.Ping > 0 {
		ping = sql.NullInt64{Int64: s.Ping.Microseconds(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO sessions (measurement_id, server, mode, payload_bytes, state,
            start_time, end_time, ping_us, download_mbps, upload_mbps, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.MeasurementID, s.Server, string(s.Plan.Mode), s.Plan.PayloadBytes,
		string(s.State), s.StartTime.UnixNano(), s.EndTime.UnixNano(), ping,
		finalMbps(s.Download), finalMbps(s.Upload), s.Error)
	if err != nil {
		return fmt.Errorf("saving session %s failed: %w", s.MeasurementID, err)
	}
	return nil
}

// Recent returns the n most recent sessions, newest first.
func (db *DB) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT measurement_id, server, mode, payload_bytes, state, start_time,
            end_time, ping_us, download_mbps, upload_mbps, error_message
        FROM sessions
        ORDER BY start_time DESC, id DESC
        LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r            Record
			mode, state  string
			start, end   int64
			ping         sql.NullInt64
			dl, ul       sql.NullFloat64
			errorMessage sql.NullString
		)
		err := rows.Scan(&r.MeasurementID, &r.Server, &mode, &r.PayloadBytes,
			&state, &start, &end, &ping, &dl, &ul, &errorMessage)
		if err != nil {
			return nil, err
		}
		r.Mode = model.Mode(mode)
		r.State = model.State(state)
		r.StartTime = time.Unix(0, start)
		r.EndTime = time.Unix(0, end)
		if ping.Valid {
			r.Ping = time.Duration(ping.Int64) * time.Microsecond
		}
		if dl.Valid {
			r.DownloadMbps = &dl.Float64
		}
		if ul.Valid {
			r.UploadMbps = &ul.Float64
		}
		r.Error = errorMessage.String
		records = append(records, r)
	}
	return records, rows.Err()
}
