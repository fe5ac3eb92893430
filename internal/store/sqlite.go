package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// Fixed width so that TEXT ordering matches chronological ordering.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	memoryPath = ":memory:"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE jobs (
		upid         TEXT PRIMARY KEY,
		node         TEXT NOT NULL,
		operation    TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		exit_status  TEXT NOT NULL DEFAULT '',
		last_status  TEXT NOT NULL DEFAULT '',
		detail       TEXT NOT NULL DEFAULT '',
		polls        INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_jobs_submitted ON jobs(submitted_at);`,

	`CREATE TABLE messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id    INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX idx_messages_thread ON messages(thread_id, id);`,
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
		return nil
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("tightening database permissions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = "upid, node, operation, state, exit_status, last_status, detail, polls, submitted_at, completed_at"

func (s *SQLiteStore) UpsertJob(j *JobRecord) error {
	_, err := s.db.Exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upid) DO UPDATE SET
			operation = CASE WHEN excluded.operation != '' THEN excluded.operation ELSE jobs.operation END,
			state = excluded.state,
			exit_status = excluded.exit_status,
			last_status = excluded.last_status,
			detail = excluded.detail,
			polls = excluded.polls,
			completed_at = excluded.completed_at`,
		j.UPID, j.Node, j.Operation, j.State, j.ExitStatus, j.LastStatus, j.Detail, j.Polls,
		formatTime(j.SubmittedAt), formatTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(upid string) (*JobRecord, error) {
	row := s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE upid = ?", upid)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", upid, ErrNotFound)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(f JobFilter) ([]JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	var args []any

	if f.State != "" && f.State != "all" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if f.Node != "" {
		query += " AND node = ?"
		args = append(args, f.Node)
	}
	if !f.Since.IsZero() {
		query += " AND submitted_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY submitted_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetAverageJobDuration returns the mean duration of successful jobs for an
// operation and the number of jobs it was computed from.
func (s *SQLiteStore) GetAverageJobDuration(operation string) (time.Duration, int, error) {
	rows, err := s.db.Query(`SELECT submitted_at, completed_at FROM jobs
		WHERE operation = ? AND state = 'succeeded' AND completed_at != ''`, operation)
	if err != nil {
		return 0, 0, fmt.Errorf("querying job durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var total time.Duration
	count := 0
	for rows.Next() {
		var submitted, completed string
		if err := rows.Scan(&submitted, &completed); err != nil {
			return 0, 0, fmt.Errorf("scanning job duration: %w", err)
		}
		d := parseTime(completed).Sub(parseTime(submitted))
		if d <= 0 {
			continue
		}
		total += d
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(count), count, nil
}

// --- Messages ---

func (s *SQLiteStore) AddMessage(m *MessageRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ThreadID, m.Role, m.Content, m.ToolCalls, m.ToolCallID, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// GetHistory returns the last limit messages of a thread, oldest first.
func (s *SQLiteStore) GetHistory(threadID int64, limit int) ([]MessageRecord, error) {
	query := `SELECT id, thread_id, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE thread_id = ? ORDER BY id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Maintenance ---

// Cleanup removes finished jobs and messages created before olderThan.
func (s *SQLiteStore) Cleanup(olderThan time.Time) error {
	cutoff := formatTime(olderThan)

	if _, err := s.db.Exec("DELETE FROM jobs WHERE completed_at != '' AND completed_at < ?", cutoff); err != nil {
		return fmt.Errorf("cleaning jobs: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM messages WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("cleaning messages: %w", err)
	}

	return nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	var j JobRecord
	var submittedAt, completedAt string

	err := row.Scan(&j.UPID, &j.Node, &j.Operation, &j.State, &j.ExitStatus, &j.LastStatus,
		&j.Detail, &j.Polls, &submittedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.SubmittedAt = parseTime(submittedAt)
	j.CompletedAt = parseTime(completedAt)

	return &j, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
