package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds audit log configuration
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Path:    "~/.querypilot/audit.db",
	}
}

// Event describes one executed query. It carries no message text.
type Event struct {
	Timestamp  time.Time
	RequestID  string
	ThreadID   string
	AgentType  string
	Status     string // "success" or "error"
	ErrorKind  string
	Duration   time.Duration
	CacheHit   bool
	ToolCalls  int
	ModelCalls int
}

// Filter narrows Query results
type Filter struct {
	ThreadID  string
	Status    string
	StartTime *time.Time
	Limit     int
}

// Stats aggregates events over a period
type Stats struct {
	TotalQueries      int           `json:"total_queries"`
	SuccessfulQueries int           `json:"successful_queries"`
	CacheHits         int           `json:"cache_hits"`
	ErrorRate         float64       `json:"error_rate"`
	AverageDuration   time.Duration `json:"-"`
	AverageDurationMS int64         `json:"average_duration_ms"`
}

// Sink records query events
type Sink interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}

// Nop drops every event
type Nop struct{}

func (Nop) Record(context.Context, *Event) error { return nil }
func (Nop) Close() error                         { return nil }

// SQLiteSink stores events in a SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the database at dbPath
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	// Expand path
	if strings.HasPrefix(dbPath, "~/") {
		home, _ := os.UserHomeDir()
		dbPath = filepath.Join(home, dbPath[2:])
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection so an in-memory database is shared
	db.SetMaxOpenConns(1)

	sink := &SQLiteSink{db: db}
	if err := sink.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return sink, nil
}

// initSchema creates the query log table
func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		request_id TEXT,
		thread_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT,
		duration_ms INTEGER,
		cache_hit BOOLEAN,
		tool_calls INTEGER,
		model_calls INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_query_timestamp ON query_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_query_thread ON query_log(thread_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores one event
func (s *SQLiteSink) Record(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO query_log (
			timestamp, request_id, thread_id, agent_type, status,
			error_kind, duration_ms, cache_hit, tool_calls, model_calls
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		ts.UTC(),
		event.RequestID,
		event.ThreadID,
		event.AgentType,
		event.Status,
		event.ErrorKind,
		event.Duration.Milliseconds(),
		event.CacheHit,
		event.ToolCalls,
		event.ModelCalls,
	)
	if err != nil {
		return fmt.Errorf("failed to record query event: %w", err)
	}
	return nil
}

// Query retrieves events, newest first
func (s *SQLiteSink) Query(ctx context.Context, filter *Filter) ([]*Event, error) {
	query := "SELECT timestamp, request_id, thread_id, agent_type, status, error_kind, duration_ms, cache_hit, tool_calls, model_calls FROM query_log WHERE 1=1"
	args := []interface{}{}

	if filter == nil {
		filter = &Filter{}
	}

	if filter.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, filter.ThreadID)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC())
	}

	query += " ORDER BY id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var durationMs int64
		var requestID, errorKind sql.NullString

		err := rows.Scan(
			&event.Timestamp,
			&requestID,
			&event.ThreadID,
			&event.AgentType,
			&event.Status,
			&errorKind,
			&durationMs,
			&event.CacheHit,
			&event.ToolCalls,
			&event.ModelCalls,
		)
		if err != nil {
			return nil, err
		}

		event.RequestID = requestID.String
		event.ErrorKind = errorKind.String
		event.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, &event)
	}

	return events, rows.Err()
}

// Stats returns aggregate statistics for events since the given time
func (s *SQLiteSink) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) as successful,
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) as cache_hits,
			AVG(duration_ms) as avg_duration_ms
		FROM query_log
		WHERE timestamp >= ?
	`

	var stats Stats
	var avgDuration sql.NullFloat64

	err := s.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&stats.TotalQueries,
		&stats.SuccessfulQueries,
		&stats.CacheHits,
		&avgDuration,
	)
	if err != nil {
		return nil, err
	}

	if avgDuration.Valid {
		stats.AverageDuration = time.Duration(avgDuration.Float64 * float64(time.Millisecond))
		stats.AverageDurationMS = stats.AverageDuration.Milliseconds()
	}

	if stats.TotalQueries > 0 {
		stats.ErrorRate = float64(stats.TotalQueries-stats.SuccessfulQueries) / float64(stats.TotalQueries)
	}

	return &stats, nil
}

// Close closes the database connection
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
