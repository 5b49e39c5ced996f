package store

// ============================================================================
// Hub Store
// Responsibility: durable state behind the reference hub. Chat history,
// contractor positions and jobs live in sqlite so the REST snapshot
// endpoints answer from the same truth the websocket fanout writes.
// ============================================================================

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/umuve/livesync/pkg/types"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict reports a lost race, e.g. accepting an already-taken job.
var ErrConflict = errors.New("store: conflict")

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id          TEXT PRIMARY KEY,
	local_id    TEXT NOT NULL DEFAULT '',
	job_id      TEXT NOT NULL,
	sender_role TEXT NOT NULL,
	body        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	read_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_chat_job_created
	ON chat_messages (job_id, created_at);

CREATE TABLE IF NOT EXISTS contractors (
	id         TEXT PRIMARY KEY,
	lat        REAL NOT NULL DEFAULT 0,
	lng        REAL NOT NULL DEFAULT 0,
	online     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	lat           REAL NOT NULL,
	lng           REAL NOT NULL,
	price         REAL NOT NULL DEFAULT 0,
	contractor_id TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives an ephemeral store for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The hub serializes writes per handler already; a single connection
	// avoids sqlite's multi-writer lock errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// Chat
// ============================================================================

// InsertChatMessage persists a message. Duplicate ids are rejected, which
// makes redelivery of the same send idempotent at the hub.
func (s *Store) InsertChatMessage(ctx context.Context, msg types.ChatMessage) error {
	var readAt any
	if msg.ReadAt != nil {
		readAt = *msg.ReadAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, local_id, job_id, sender_role, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.LocalID, msg.JobID, string(msg.SenderRole), msg.Body, msg.CreatedAt, readAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ChatMessages returns a page of a job's thread, oldest first. before=0
// means the newest page; otherwise only messages created strictly before
// the cursor are returned.
func (s *Store) ChatMessages(ctx context.Context, jobID string, before int64, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, local_id, job_id, sender_role, body, created_at, read_at
		FROM chat_messages WHERE job_id = ?`
	args := []any{jobID}
	if before > 0 {
		q += ` AND created_at < ?`
		args = append(args, before)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var page []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var role string
		var readAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.LocalID, &m.JobID, &role, &m.Body, &m.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.SenderRole = types.SenderRole(role)
		if readAt.Valid {
			v := readAt.Int64
			m.ReadAt = &v
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest page came back descending; flip to thread order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// MarkChatRead stamps read_at on every message in the thread that the
// reader did not send and that is still unread.
func (s *Store) MarkChatRead(ctx context.Context, jobID string, reader types.SenderRole, readAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET read_at = ?
		WHERE job_id = ? AND sender_role != ? AND read_at IS NULL`,
		readAt, jobID, string(reader))
	if err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	return nil
}

// ============================================================================
// Contractors
// ============================================================================

// UpsertContractorPosition records a contractor's latest GPS fix. An
// incoming fix implies the contractor is online.
func (s *Store) UpsertContractorPosition(ctx context.Context, id string, p types.Point, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contractors (id, lat, lng, online, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET lat = ?, lng = ?, online = 1, updated_at = ?`,
		id, p.Lat, p.Lng, at, p.Lat, p.Lng, at)
	if err != nil {
		return fmt.Errorf("upsert contractor position: %w", err)
	}
	return nil
}

// SetContractorOnline flips a contractor's availability.
func (s *Store) SetContractorOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contractors (id, online) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET online = ?`,
		id, boolInt(online), boolInt(online))
	if err != nil {
		return fmt.Errorf("set contractor online: %w", err)
	}
	return nil
}

// OnlineContractors lists contractors currently marked online.
func (s *Store) OnlineContractors(ctx context.Context) ([]types.ContractorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lat, lng, online FROM contractors WHERE online = 1`)
	if err != nil {
		return nil, fmt.Errorf("query contractors: %w", err)
	}
	defer rows.Close()

	var out []types.ContractorRecord
	for rows.Next() {
		var c types.ContractorRecord
		var online int
		if err := rows.Scan(&c.ID, &c.Position.Lat, &c.Position.Lng, &online); err != nil {
			return nil, fmt.Errorf("scan contractor: %w", err)
		}
		c.Online = online == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Jobs
// ============================================================================

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, job types.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, lat, lng, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Position.Lat, job.Position.Lng, job.Price, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// AcceptJob atomically claims a job for a contractor. Losing a race (the
// job is no longer claimable) returns ErrConflict.
func (s *Store) AcceptJob(ctx context.Context, jobID, contractorID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, contractor_id = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.StatusAccepted), contractorID, jobID,
		string(types.StatusPending), string(types.StatusAssigned))
	if err != nil {
		return fmt.Errorf("accept job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateJobStatus moves a job to a new status.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`,
		string(status), jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenJobs lists jobs still visible on the live map (not completed or
// cancelled).
func (s *Store) OpenJobs(ctx context.Context) ([]types.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, lat, lng, price, created_at FROM jobs
		WHERE status NOT IN (?, ?)`,
		string(types.StatusCompleted), string(types.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []types.JobRecord
	for rows.Next() {
		var j types.JobRecord
		var status string
		if err := rows.Scan(&j.ID, &status, &j.Position.Lat, &j.Position.Lng, &j.Price, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = types.JobStatus(status)
		out = append(out, j)
	}
	return out, rows.Err()
}

// AvailableJobs lists jobs a driver can still claim.
func (s *Store) AvailableJobs(ctx context.Context) ([]types.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, lat, lng, price, created_at FROM jobs
		WHERE status IN (?, ?)`,
		string(types.StatusPending), string(types.StatusAssigned))
	if err != nil {
		return nil, fmt.Errorf("query available jobs: %w", err)
	}
	defer rows.Close()

	var out []types.JobRecord
	for rows.Next() {
		var j types.JobRecord
		var status string
		if err := rows.Scan(&j.ID, &status, &j.Position.Lat, &j.Position.Lng, &j.Price, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = types.JobStatus(status)
		out = append(out, j)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
