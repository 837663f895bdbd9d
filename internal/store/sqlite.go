// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent document persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with fixed nine-digit fractional seconds. The fixed
// width keeps lexicographic ordering of stored strings identical to
// chronological ordering, which the keyset pagination in ListIdleAgents
// relies on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A pooled second connection to :memory: would see a fresh empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait for locks instead of failing when CAS writers race
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			name              TEXT NOT NULL,
			repo              TEXT NOT NULL,
			prompt            TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			status_version    INTEGER NOT NULL DEFAULT 1,
			instance_name     TEXT NOT NULL DEFAULT '',
			instance_zone     TEXT NOT NULL DEFAULT '',
			terminal_ready    INTEGER NOT NULL DEFAULT 0,
			clone_status      TEXT NOT NULL DEFAULT '',
			clone_error       TEXT NOT NULL DEFAULT '',
			error_message     TEXT NOT NULL DEFAULT '',
			shared_with       TEXT NOT NULL DEFAULT '[]',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			started_at        TEXT,
			suspended_at      TEXT,
			stopped_at        TEXT,
			finished_at       TEXT,
			last_heartbeat_at TEXT,

			CHECK (status IN (
				'pending',
				'provisioning',
				'running',
				'suspended',
				'stopped',
				'completed',
				'failed',
				'cancelled'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status_heartbeat
			ON agents(status, last_heartbeat_at);

		CREATE TABLE IF NOT EXISTS reaper_lease (
			id          TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at  TEXT NOT NULL,

			CHECK (id = 'reaper')
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertAgent creates a new agent document with status_version 1.
// Returns ErrDuplicateAgent if an agent with the same ID already exists.
func (s *SQLiteStore) InsertAgent(ctx context.Context, agent *Agent) error {
	sharedJSON, err := marshalShared(agent.SharedWith)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (
			id, owner_id, name, repo, prompt,
			status, status_version,
			instance_name, instance_zone,
			terminal_ready, clone_status, clone_error, error_message, shared_with,
			created_at, updated_at,
			started_at, suspended_at, stopped_at, finished_at, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.OwnerID,
		agent.Name,
		agent.Repo,
		agent.Prompt,
		string(agent.Status),
		agent.InstanceName,
		agent.InstanceZone,
		boolToInt(agent.TerminalReady),
		agent.CloneStatus,
		agent.CloneError,
		agent.ErrorMessage,
		sharedJSON,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
		formatTimePtr(agent.StartedAt),
		formatTimePtr(agent.SuspendedAt),
		formatTimePtr(agent.StoppedAt),
		formatTimePtr(agent.FinishedAt),
		formatTimePtr(agent.LastHeartbeatAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	agent.StatusVersion = 1
	s.logger.Debug("created agent", "id", agent.ID, "owner", agent.OwnerID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

const agentColumns = `
	id, owner_id, name, repo, prompt,
	status, status_version,
	instance_name, instance_zone,
	terminal_ready, clone_status, clone_error, error_message, shared_with,
	created_at, updated_at,
	started_at, suspended_at, stopped_at, finished_at, last_heartbeat_at
`

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	return agent, nil
}

// ListAgentsByOwner retrieves agents owned by or shared with userID,
// newest first.
func (s *SQLiteStore) ListAgentsByOwner(ctx context.Context, userID string) ([]*Agent, error) {
	// shared_with is a JSON array of user IDs; the LIKE match is quoted so
	// "bob" can't match "bobby".
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE owner_id = ? OR shared_with LIKE ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, `%"`+userID+`"%`)
	if err != nil {
		return nil, fmt.Errorf("querying agents by owner: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}

	return agents, rows.Err()
}

// DeleteAgent removes an agent document.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

// CompareAndSwapAgent writes the full document if and only if the stored
// status_version equals expectVersion. Returns ErrConflict when another
// writer got there first, ErrNotFound when the agent doesn't exist.
func (s *SQLiteStore) CompareAndSwapAgent(ctx context.Context, agent *Agent, expectVersion int64) error {
	sharedJSON, err := marshalShared(agent.SharedWith)
	if err != nil {
		return err
	}

	query := `
		UPDATE agents SET
			owner_id = ?, name = ?, repo = ?, prompt = ?,
			status = ?, status_version = ?,
			instance_name = ?, instance_zone = ?,
			terminal_ready = ?, clone_status = ?, clone_error = ?,
			error_message = ?, shared_with = ?,
			updated_at = ?,
			started_at = ?, suspended_at = ?, stopped_at = ?, finished_at = ?,
			last_heartbeat_at = ?
		WHERE id = ? AND status_version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.OwnerID,
		agent.Name,
		agent.Repo,
		agent.Prompt,
		string(agent.Status),
		agent.StatusVersion,
		agent.InstanceName,
		agent.InstanceZone,
		boolToInt(agent.TerminalReady),
		agent.CloneStatus,
		agent.CloneError,
		agent.ErrorMessage,
		sharedJSON,
		formatTime(agent.UpdatedAt),
		formatTimePtr(agent.StartedAt),
		formatTimePtr(agent.SuspendedAt),
		formatTimePtr(agent.StoppedAt),
		formatTimePtr(agent.FinishedAt),
		formatTimePtr(agent.LastHeartbeatAt),
		agent.ID,
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Distinguish a lost race from a missing document.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, agent.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking agent existence: %w", err)
		}
		return ErrConflict
	}

	s.logger.Debug("agent updated",
		"id", agent.ID,
		"status", agent.Status,
		"version", agent.StatusVersion)
	return nil
}

// TouchAgentHeartbeat records liveness without bumping status_version.
// Only running agents are touched; anything else is a silent no-op so the
// hot relay path never fails on a racing suspend.
func (s *SQLiteStore) TouchAgentHeartbeat(ctx context.Context, id string, t time.Time) error {
	query := `
		UPDATE agents
		SET last_heartbeat_at = ?
		WHERE id = ? AND status = ?
	`

	_, err := s.db.ExecContext(ctx, query, formatTime(t), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("touching heartbeat: %w", err)
	}
	return nil
}

// MergeAgentRuntimeFields applies a partial update without touching status
// or status_version. Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) MergeAgentRuntimeFields(ctx context.Context, id string, fields RuntimeFields) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}

	if fields.TerminalReady != nil {
		sets = append(sets, "terminal_ready = ?")
		args = append(args, boolToInt(*fields.TerminalReady))
	}
	if fields.CloneStatus != nil {
		sets = append(sets, "clone_status = ?")
		args = append(args, *fields.CloneStatus)
	}
	if fields.CloneError != nil {
		sets = append(sets, "clone_error = ?")
		args = append(args, *fields.CloneError)
	}
	if fields.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *fields.ErrorMessage)
	}
	if fields.LastHeartbeatAt != nil {
		sets = append(sets, "last_heartbeat_at = ?")
		args = append(args, formatTime(*fields.LastHeartbeatAt))
	}

	args = append(args, id)
	query := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("merging agent fields: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListIdleAgents returns one page of agents in q.Status whose last heartbeat
// predates q.IdleBefore, stalest first. Pagination uses a keyset cursor on
// (last_heartbeat_at, id) so pages stay stable while the reaper mutates rows
// it has already seen.
func (s *SQLiteStore) ListIdleAgents(ctx context.Context, q IdleQuery) (*IdlePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?
	`
	args := []any{string(q.Status), formatTime(q.IdleBefore)}

	if q.Cursor != "" {
		ts, lastID, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (last_heartbeat_at > ? OR (last_heartbeat_at = ? AND id > ?))`
		cursorTS := formatTime(ts)
		args = append(args, cursorTS, cursorTS, lastID)
	}

	// Fetch one extra row to detect whether another page exists.
	query += ` ORDER BY last_heartbeat_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying idle agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating idle agents: %w", err)
	}

	page := &IdlePage{}
	if len(agents) > limit {
		agents = agents[:limit]
		page.HasMore = true
		last := agents[len(agents)-1]
		page.NextCursor = encodeCursor(*last.LastHeartbeatAt, last.ID)
	}
	page.Agents = agents

	return page, nil
}

// AcquireReaperLease takes the singleton lease when it is absent or expired.
// The upsert's WHERE clause makes check-and-take a single atomic statement:
// zero rows affected means a live holder exists.
func (s *SQLiteStore) AcquireReaperLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO reaper_lease (id, holder, acquired_at, expires_at)
		VALUES ('reaper', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE reaper_lease.expires_at < excluded.acquired_at
	`

	result, err := s.db.ExecContext(ctx, query,
		holder,
		formatTime(now),
		formatTime(now.Add(ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring reaper lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	acquired := rowsAffected > 0
	if acquired {
		s.logger.Debug("reaper lease acquired", "holder", holder, "ttl", ttl)
	}
	return acquired, nil
}

// ReleaseReaperLease drops the lease if holder still owns it.
func (s *SQLiteStore) ReleaseReaperLease(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reaper_lease WHERE id = 'reaper' AND holder = ?`, holder)
	if err != nil {
		return fmt.Errorf("releasing reaper lease: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var status, sharedJSON string
	var terminalReady int
	var createdAt, updatedAt string
	var startedAt, suspendedAt, stoppedAt, finishedAt, lastHeartbeatAt sql.NullString

	err := row.Scan(
		&agent.ID,
		&agent.OwnerID,
		&agent.Name,
		&agent.Repo,
		&agent.Prompt,
		&status,
		&agent.StatusVersion,
		&agent.InstanceName,
		&agent.InstanceZone,
		&terminalReady,
		&agent.CloneStatus,
		&agent.CloneError,
		&agent.ErrorMessage,
		&sharedJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&suspendedAt,
		&stoppedAt,
		&finishedAt,
		&lastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Status = Status(status)
	agent.TerminalReady = terminalReady != 0

	if err := json.Unmarshal([]byte(sharedJSON), &agent.SharedWith); err != nil {
		return nil, fmt.Errorf("parsing shared_with: %w", err)
	}

	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if agent.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if agent.SuspendedAt, err = parseTimePtr(suspendedAt); err != nil {
		return nil, fmt.Errorf("parsing suspended_at: %w", err)
	}
	if agent.StoppedAt, err = parseTimePtr(stoppedAt); err != nil {
		return nil, fmt.Errorf("parsing stopped_at: %w", err)
	}
	if agent.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if agent.LastHeartbeatAt, err = parseTimePtr(lastHeartbeatAt); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat_at: %w", err)
	}

	return &agent, nil
}

func marshalShared(shared []string) (string, error) {
	if shared == nil {
		shared = []string{}
	}
	data, err := json.Marshal(shared)
	if err != nil {
		return "", fmt.Errorf("encoding shared_with: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeCursor builds an opaque pagination cursor from a page boundary.
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", formatTime(ts), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a timestamp and agent ID.
// Returns an error if the cursor is invalid.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|agent_id")
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return ts, parts[1], nil
}
