package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"verity/internal/config"
	"verity/internal/textutil"
)

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite database holding the job queue.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the queue database under the configured
// data directory and ensures the schema is current.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("queue: nil config")
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenPath(ctx, filepath.Join(cfg.Paths.DataDir, "queue.db"))
}

// OpenPath opens the queue database at an explicit path.
func OpenPath(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent stage updates.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// NewVideo inserts a pending job for the given source path.
func (s *Store) NewVideo(ctx context.Context, sourcePath string, frameCount int) (*Job, error) {
	now := time.Now().UTC()
	title := textutil.SanitizeTitle(strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)))
	job := &Job{
		SourcePath:    sourcePath,
		Title:         title,
		Status:        StatusPending,
		FrameCount:    frameCount,
		CreatedAt:     now,
		UpdatedAt:     now,
		ProgressStage: "queued",
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (source_path, title, status, frame_count, created_at, updated_at, progress_stage)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.SourcePath, job.Title, string(job.Status), job.FrameCount,
		now.Format(timeLayout), now.Format(timeLayout), job.ProgressStage,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	return job, nil
}

// GetByID fetches a single job; returns (nil, nil) when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Update persists all mutable fields of the job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			source_path = ?, title = ?, status = ?, frame_count = ?, sampled_frames = ?,
			error_message = ?, updated_at = ?, progress_stage = ?, progress_percent = ?,
			progress_message = ?, result_json = ?, last_heartbeat = ?
		WHERE id = ?`,
		job.SourcePath, job.Title, string(job.Status), job.FrameCount, job.SampledFrames,
		nullableString(job.ErrorMessage), job.UpdatedAt.Format(timeLayout),
		nullableString(job.ProgressStage), job.ProgressPercent,
		nullableString(job.ProgressMessage), nullableString(job.ResultJSON),
		nullableTime(job.LastHeartbeat), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return nil
}

// List returns jobs filtered by status (all statuses when empty), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := selectColumns + " FROM jobs"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextForStatuses atomically claims the oldest job in any of the given
// statuses, stamping its heartbeat so reclaim logic sees it as owned.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		selectColumns+" FROM jobs WHERE status IN ("+makePlaceholders(len(statuses))+") ORDER BY created_at ASC, id ASC LIMIT 1",
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ?",
		now.Format(timeLayout), now.Format(timeLayout), job.ID,
	); err != nil {
		return nil, fmt.Errorf("stamp heartbeat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	job.LastHeartbeat = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET last_heartbeat = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	return nil
}

// ReclaimStaleProcessing rolls jobs whose heartbeat is older than cutoff back
// to the status preceding their in-flight stage so they can be retried.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	reclaimed := 0
	for inflight, previous := range map[Status]Status{
		StatusSampling:  StatusPending,
		StatusInferring: StatusSampled,
		StatusFusing:    StatusInferred,
	} {
		result, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_heartbeat = NULL, updated_at = ?
			WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
			string(previous), time.Now().UTC().Format(timeLayout),
			string(inflight), cutoff.UTC().Format(timeLayout),
		)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s jobs: %w", inflight, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim count: %w", err)
		}
		reclaimed += int(n)
	}
	return reclaimed, nil
}

// ResetStuckProcessing rewinds every in-flight job regardless of heartbeat.
// Called once at daemon startup before any worker runs.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int, error) {
	reset := 0
	for inflight, previous := range map[Status]Status{
		StatusSampling:  StatusPending,
		StatusInferring: StatusSampled,
		StatusFusing:    StatusInferred,
	} {
		result, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_heartbeat = NULL, updated_at = ?
			WHERE status = ?`,
			string(previous), time.Now().UTC().Format(timeLayout), string(inflight),
		)
		if err != nil {
			return reset, fmt.Errorf("reset %s jobs: %w", inflight, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return reset, fmt.Errorf("reset count: %w", err)
		}
		reset += int(n)
	}
	return reset, nil
}

// RetryFailed moves failed jobs back to pending. With ids given, only those
// jobs are retried; otherwise every failed job is.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	query := `
		UPDATE jobs SET status = ?, error_message = NULL, result_json = NULL,
			progress_stage = 'queued', progress_percent = 0, progress_message = NULL,
			last_heartbeat = NULL, updated_at = ?
		WHERE status = ?`
	args := []any{string(StatusPending), time.Now().UTC().Format(timeLayout), string(StatusFailed)}
	if len(ids) > 0 {
		query += " AND id IN (" + makePlaceholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry count: %w", err)
	}
	return int(n), nil
}

// FailProcessing marks every in-flight job as failed with the given reason.
// Used during daemon shutdown so restarts don't resume half-finished work.
func (s *Store) FailProcessing(ctx context.Context, reason string) (int, error) {
	statuses := ProcessingStatuses()
	args := []any{string(StatusFailed), reason, reason, time.Now().UTC().Format(timeLayout)}
	for _, status := range statuses {
		args = append(args, string(status))
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, progress_stage = 'failed',
			progress_message = ?, last_heartbeat = NULL, updated_at = ?
		WHERE status IN (`+makePlaceholders(len(statuses))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("fail processing jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail count: %w", err)
	}
	return int(n), nil
}

// Stats returns the number of jobs in each status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int, len(allStatuses))
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// Health summarizes the queue for the daemon status endpoint.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{
		Pending:   stats[StatusPending] + stats[StatusSampled] + stats[StatusInferred],
		Failed:    stats[StatusFailed],
		Completed: stats[StatusCompleted],
	}
	for _, status := range ProcessingStatuses() {
		summary.Processing += stats[status]
	}
	for _, count := range stats {
		summary.Total += count
	}
	return summary, nil
}

// Remove deletes a job by id; it refuses to remove in-flight jobs.
func (s *Store) Remove(ctx context.Context, id int64) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", id)
	}
	if job.IsProcessing() {
		return fmt.Errorf("job %d is processing; stop the daemon or wait for it to finish", id)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	return nil
}

// ClearCompleted deletes all completed jobs.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	return s.clearStatuses(ctx, StatusCompleted)
}

// ClearFailed deletes all failed jobs.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	return s.clearStatuses(ctx, StatusFailed)
}

// Clear deletes every job that is not currently in flight.
func (s *Store) Clear(ctx context.Context) (int, error) {
	return s.clearStatuses(ctx,
		StatusPending, StatusSampled, StatusInferred, StatusCompleted, StatusFailed)
}

func (s *Store) clearStatuses(ctx context.Context, statuses ...Status) (int, error) {
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE status IN ("+makePlaceholders(len(statuses))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear count: %w", err)
	}
	return int(n), nil
}

const selectColumns = `SELECT id, source_path, title, status, frame_count, sampled_frames,
	error_message, created_at, updated_at, progress_stage, progress_percent,
	progress_message, result_json, last_heartbeat`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job             Job
		status          string
		title           sql.NullString
		errorMessage    sql.NullString
		createdAt       string
		updatedAt       string
		progressStage   sql.NullString
		progressMessage sql.NullString
		resultJSON      sql.NullString
		lastHeartbeat   sql.NullString
	)
	err := row.Scan(&job.ID, &job.SourcePath, &title, &status, &job.FrameCount,
		&job.SampledFrames, &errorMessage, &createdAt, &updatedAt,
		&progressStage, &job.ProgressPercent, &progressMessage, &resultJSON,
		&lastHeartbeat)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.Title = title.String
	job.ErrorMessage = errorMessage.String
	job.ProgressStage = progressStage.String
	job.ProgressMessage = progressMessage.String
	job.ResultJSON = resultJSON.String

	if job.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if lastHeartbeat.Valid {
		heartbeat, err := parseTimeString(lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		job.LastHeartbeat = &heartbeat
	}
	return &job, nil
}

func parseTimeString(value string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
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
	return value.UTC().Format(timeLayout)
}

func makePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
