package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"murmur/internal/config"
	"murmur/internal/registry"
)

// Journal persists task history in SQLite. The in-memory registry stays
// authoritative for live state; the journal survives restarts and feeds the
// stats endpoint and startup sweeps.
type Journal struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Entry is a persisted task history row.
type Entry struct {
	TaskID          string
	Model           string
	State           registry.State
	SubmittedAt     time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ErrorCode       string
	ErrorMessage    string
	ResultPath      string
	ResultSize      int64
	ResultExpiresAt *time.Time
	UpdatedAt       time.Time
}

// Open initializes or connects to the journal database.
func Open(cfg *config.Config) (*Journal, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	j := &Journal{db: db, path: dbPath}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS task_history (
    task_id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    state TEXT NOT NULL,
    submitted_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    error_code TEXT,
    error_message TEXT,
    result_path TEXT,
    result_size INTEGER NOT NULL DEFAULT 0,
    result_expires_at TEXT,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_state ON task_history(state);
`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

// Record upserts the journal row for a task snapshot.
func (j *Journal) Record(ctx context.Context, task registry.Task) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		errCode, errMessage string
		resultPath          string
		resultSize          int64
		resultExpiresAt     any
	)
	if task.Err != nil {
		errCode = task.Err.Code
		errMessage = task.Err.Message
	}
	if task.Result != nil {
		resultPath = task.Result.Path
		resultSize = task.Result.Size
		resultExpiresAt = task.Result.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	err := j.execWithRetry(
		ctx,
		`INSERT INTO task_history (
            task_id, model, state, submitted_at, started_at, finished_at,
            error_code, error_message, result_path, result_size, result_expires_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(task_id) DO UPDATE SET
            model = excluded.model,
            state = excluded.state,
            submitted_at = excluded.submitted_at,
            started_at = excluded.started_at,
            finished_at = excluded.finished_at,
            error_code = excluded.error_code,
            error_message = excluded.error_message,
            result_path = excluded.result_path,
            result_size = excluded.result_size,
            result_expires_at = excluded.result_expires_at,
            updated_at = excluded.updated_at`,
		task.ID,
		task.Model,
		string(task.State),
		task.SubmittedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(task.StartedAt),
		nullableTime(task.FinishedAt),
		nullableString(errCode),
		nullableString(errMessage),
		nullableString(resultPath),
		resultSize,
		resultExpiresAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// ClearResult drops the result columns for a task whose artifact was removed.
func (j *Journal) ClearResult(ctx context.Context, taskID string) error {
	err := j.execWithRetry(
		ctx,
		`UPDATE task_history
         SET result_path = NULL, result_size = 0, result_expires_at = NULL, updated_at = ?
         WHERE task_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("clear result: %w", err)
	}
	return nil
}

// Remove deletes a task's history row.
func (j *Journal) Remove(ctx context.Context, taskID string) error {
	if err := j.execWithRetry(ctx, `DELETE FROM task_history WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("remove history row: %w", err)
	}
	return nil
}

// Get fetches a single history row.
func (j *Journal) Get(ctx context.Context, taskID string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM task_history WHERE task_id = ?`, taskID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history row: %w", err)
	}
	return entry, nil
}

// List returns history rows ordered by submission time, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM task_history ORDER BY submitted_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = j.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Stats returns a count of history rows grouped by state.
func (j *Journal) Stats(ctx context.Context) (map[registry.State]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM task_history GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[registry.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[registry.State(state)] = count
	}
	return stats, rows.Err()
}

// ExpiredResults returns ids of completed tasks whose result expiry passed.
// Used at startup to reconcile artifacts orphaned while the server was down.
func (j *Journal) ExpiredResults(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := j.db.QueryContext(
		ctx,
		`SELECT task_id FROM task_history
         WHERE state = ? AND result_path IS NOT NULL AND result_expires_at IS NOT NULL AND result_expires_at < ?`,
		string(registry.StateCompleted),
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired results: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (j *Journal) execWithRetry(ctx context.Context, query string, args ...any) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = j.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

const entryColumns = "task_id, model, state, submitted_at, started_at, finished_at, error_code, error_message, result_path, result_size, result_expires_at, updated_at"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		taskID          string
		model           string
		stateStr        string
		submittedRaw    string
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
		errorCode       sql.NullString
		errorMessage    sql.NullString
		resultPath      sql.NullString
		resultSize      sql.NullInt64
		resultExpiresAt sql.NullString
		updatedRaw      string
	)

	if err := scanner.Scan(
		&taskID,
		&model,
		&stateStr,
		&submittedRaw,
		&startedRaw,
		&finishedRaw,
		&errorCode,
		&errorMessage,
		&resultPath,
		&resultSize,
		&resultExpiresAt,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	entry := &Entry{
		TaskID:       taskID,
		Model:        model,
		State:        registry.State(stateStr),
		ErrorCode:    errorCode.String,
		ErrorMessage: errorMessage.String,
		ResultPath:   resultPath.String,
		ResultSize:   resultSize.Int64,
	}
	if submitted, err := parseTimeString(submittedRaw); err == nil {
		entry.SubmittedAt = submitted
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		entry.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			entry.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			entry.FinishedAt = &finished
		}
	}
	if resultExpiresAt.Valid {
		if expires, err := parseTimeString(resultExpiresAt.String); err == nil {
			entry.ResultExpiresAt = &expires
		}
	}
	return entry, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
