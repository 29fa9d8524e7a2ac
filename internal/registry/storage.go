package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	_ "modernc.org/sqlite"

	"github.com/kart-io/shannon-mcp-core/internal/errs"
)

// Storage is the SQLite-backed durable store for processes, their
// history, and the inter-session mailbox. All mutations funnel through
// mu so that the state row and its history row commit atomically within
// one transaction.
type Storage struct {
	db   *sql.DB
	mu   sync.Mutex
	host string
}

// Open opens (and migrates) a registry database at path, tagging every
// entry registered through this handle with host.
func Open(ctx context.Context, path, host string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "registry.open", "open sqlite database").WithCause(err)
	}

	// SQLite allows exactly one writer; route every connection through
	// the same handle to avoid SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errs.New(errs.KindStorage, "registry.pragma", fmt.Sprintf("apply %s", pragma)).WithCause(err)
		}
	}

	s := &Storage{db: db, host: host}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			pid INTEGER, host TEXT, session_id TEXT, project_path TEXT,
			command TEXT, args TEXT, env TEXT, status TEXT,
			started_at TEXT, last_seen TEXT, port INTEGER, user TEXT,
			metadata TEXT, cpu_percent REAL, memory_mb REAL,
			disk_read_mb REAL, disk_write_mb REAL,
			PRIMARY KEY (pid, host),
			CHECK (status IN ('starting','running','idle','busy',
			                  'stopping','stopped','crashed','zombie')))`,
		`CREATE INDEX IF NOT EXISTS idx_processes_session ON processes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_project ON processes(project_path)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_last_seen ON processes(last_seen)`,
		`CREATE TABLE IF NOT EXISTS process_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pid INTEGER, host TEXT, session_id TEXT,
			event_type TEXT, event_time TEXT,
			old_status TEXT, new_status TEXT, details TEXT)`,
		`CREATE INDEX IF NOT EXISTS idx_history_pid_host ON process_history(pid, host)`,
		`CREATE INDEX IF NOT EXISTS idx_history_event_time ON process_history(event_time)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_session TEXT, to_session TEXT,
			message_type TEXT, payload TEXT,
			created_at TEXT, read_at TEXT, expires_at TEXT)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_session ON messages(to_session)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.New(errs.KindStorage, "registry.migrate", "create schema").WithCause(err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONInto[T any](raw string, out *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Register upserts a process entry and appends a "registered" (or
// "updated" on re-registration) history row in the same transaction.
func (s *Storage) Register(ctx context.Context, e *ProcessEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.tx_begin", "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM processes WHERE pid = ? AND host = ?`, e.PID, e.Host).Scan(new(int))
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return errs.New(errs.KindStorage, "registry.register_check", "check existing entry").WithCause(err)
	}

	argsJSON, err := marshalJSON(e.Args)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.marshal_args", "marshal args").WithCause(err)
	}
	envJSON, err := marshalJSON(e.Env)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.marshal_env", "marshal env").WithCause(err)
	}
	metaJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.marshal_metadata", "marshal metadata").WithCause(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processes (pid, host, session_id, project_path, command, args, env,
			status, started_at, last_seen, port, user, metadata,
			cpu_percent, memory_mb, disk_read_mb, disk_write_mb)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(pid, host) DO UPDATE SET
			session_id = excluded.session_id,
			project_path = excluded.project_path,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			status = excluded.status,
			started_at = excluded.started_at,
			last_seen = excluded.last_seen,
			port = excluded.port,
			user = excluded.user,
			metadata = excluded.metadata,
			cpu_percent = excluded.cpu_percent,
			memory_mb = excluded.memory_mb,
			disk_read_mb = excluded.disk_read_mb,
			disk_write_mb = excluded.disk_write_mb`,
		e.PID, e.Host, e.SessionID, e.ProjectPath, e.Command, argsJSON, envJSON,
		string(e.Status), e.StartedAt.UTC().Format(time.RFC3339Nano), e.LastSeen.UTC().Format(time.RFC3339Nano),
		e.Port, e.User, metaJSON, e.CPUPercent, e.MemoryMB, e.DiskReadMB, e.DiskWriteMB,
	)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.register_upsert", "upsert process entry").WithCause(err)
	}

	eventType := EventRegistered
	if exists {
		eventType = EventUpdated
	}
	if err := insertHistory(ctx, tx, e.PID, e.Host, e.SessionID, eventType, "", e.Status, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindStorage, "registry.tx_commit", "commit registration").WithCause(err)
	}
	logger.Infow("registry: process registered", "pid", e.PID, "host", e.Host, "session_id", e.SessionID)
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, pid int32, host, sessionID string, eventType HistoryEventType, oldStatus, newStatus Status, details string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO process_history (pid, host, session_id, event_type, event_time, old_status, new_status, details)
		VALUES (?,?,?,?,?,?,?,?)`,
		pid, host, sessionID, string(eventType), time.Now().UTC().Format(time.RFC3339Nano),
		string(oldStatus), string(newStatus), details)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.insert_history", "insert history row").WithCause(err)
	}
	return nil
}

// UpdateStatus changes a process's status and records the transition.
func (s *Storage) UpdateStatus(ctx context.Context, pid int32, host string, status Status, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.tx_begin", "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	var oldStatus, sessionID string
	err = tx.QueryRowContext(ctx, `SELECT status, session_id FROM processes WHERE pid = ? AND host = ?`, pid, host).
		Scan(&oldStatus, &sessionID)
	if err == sql.ErrNoRows {
		return errs.ErrNotFound.WithMessagef("process (%d, %s) not found", pid, host)
	} else if err != nil {
		return errs.New(errs.KindStorage, "registry.status_lookup", "lookup process for status update").WithCause(err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE processes SET status = ?, last_seen = ? WHERE pid = ? AND host = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), pid, host); err != nil {
		return errs.New(errs.KindStorage, "registry.status_update", "update status").WithCause(err)
	}

	if err := insertHistory(ctx, tx, pid, host, sessionID, EventStatusChanged, Status(oldStatus), status, details); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindStorage, "registry.tx_commit", "commit status update").WithCause(err)
	}
	return nil
}

// UpdateResources records a fresh sampling snapshot and bumps last_seen —
// the tracker's liveness proof.
func (s *Storage) UpdateResources(ctx context.Context, pid int32, host string, cpu, memMB, diskRead, diskWrite float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET cpu_percent = ?, memory_mb = ?, disk_read_mb = ?, disk_write_mb = ?, last_seen = ?
		WHERE pid = ? AND host = ?`,
		cpu, memMB, diskRead, diskWrite, time.Now().UTC().Format(time.RFC3339Nano), pid, host)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.update_resources", "update resource sample").WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound.WithMessagef("process (%d, %s) not found", pid, host)
	}
	return nil
}

// Remove deletes a process entry and records a "removed" history row with
// details (e.g. the reason, such as "hijacked" or "zombie").
func (s *Storage) Remove(ctx context.Context, pid int32, host, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.tx_begin", "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	var status, sessionID string
	err = tx.QueryRowContext(ctx, `SELECT status, session_id FROM processes WHERE pid = ? AND host = ?`, pid, host).
		Scan(&status, &sessionID)
	if err == sql.ErrNoRows {
		return errs.ErrNotFound.WithMessagef("process (%d, %s) not found", pid, host)
	} else if err != nil {
		return errs.New(errs.KindStorage, "registry.remove_lookup", "lookup process for removal").WithCause(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE pid = ? AND host = ?`, pid, host); err != nil {
		return errs.New(errs.KindStorage, "registry.remove_delete", "delete process entry").WithCause(err)
	}

	if err := insertHistory(ctx, tx, pid, host, sessionID, EventRemoved, Status(status), "", details); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindStorage, "registry.tx_commit", "commit removal").WithCause(err)
	}
	logger.Infow("registry: process removed", "pid", pid, "host", host, "details", details)
	return nil
}

func scanProcessEntry(row interface {
	Scan(dest ...any) error
}) (*ProcessEntry, error) {
	var e ProcessEntry
	var argsJSON, envJSON, metaJSON, startedAt, lastSeen, status string
	var port sql.NullInt64
	var user sql.NullString

	err := row.Scan(&e.PID, &e.Host, &e.SessionID, &e.ProjectPath, &e.Command, &argsJSON, &envJSON,
		&status, &startedAt, &lastSeen, &port, &user, &metaJSON,
		&e.CPUPercent, &e.MemoryMB, &e.DiskReadMB, &e.DiskWriteMB)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.StartedAt = parseTime(startedAt)
	e.LastSeen = parseTime(lastSeen)
	if port.Valid {
		e.Port = int32(port.Int64)
	}
	if user.Valid {
		e.User = user.String
	}
	if err := unmarshalJSONInto(argsJSON, &e.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSONInto(envJSON, &e.Env); err != nil {
		return nil, err
	}
	if err := unmarshalJSONInto(metaJSON, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

const processColumns = `pid, host, session_id, project_path, command, args, env,
	status, started_at, last_seen, port, user, metadata,
	cpu_percent, memory_mb, disk_read_mb, disk_write_mb`

// Get returns a single process entry by (pid, host).
func (s *Storage) Get(ctx context.Context, pid int32, host string) (*ProcessEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE pid = ? AND host = ?`, pid, host)
	e, err := scanProcessEntry(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound.WithMessagef("process (%d, %s) not found", pid, host)
	} else if err != nil {
		return nil, errs.New(errs.KindStorage, "registry.get", "scan process entry").WithCause(err)
	}
	return e, nil
}

// GetSession returns every entry for a session, optionally filtered by
// status.
func (s *Storage) GetSession(ctx context.Context, sessionID string, status Status) ([]*ProcessEntry, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	return s.queryEntries(ctx, query, args...)
}

// GetAll returns every entry, optionally filtered by status and/or host.
func (s *Storage) GetAll(ctx context.Context, status Status, host string) ([]*ProcessEntry, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if host != "" {
		query += ` AND host = ?`
		args = append(args, host)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *Storage) queryEntries(ctx context.Context, query string, args ...any) ([]*ProcessEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "registry.query", "query process entries").WithCause(err)
	}
	defer rows.Close()

	var out []*ProcessEntry
	for rows.Next() {
		e, err := scanProcessEntry(rows)
		if err != nil {
			return nil, errs.New(errs.KindStorage, "registry.scan", "scan process entry").WithCause(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupStale deletes every entry whose last_seen predates threshold and
// returns the number removed. Each removal records a history row.
func (s *Storage) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT pid, host, session_id, status FROM processes WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "registry.cleanup_stale_query", "query stale entries").WithCause(err)
	}
	type staleRow struct {
		pid               int32
		host, session, st string
	}
	var stale []staleRow
	for rows.Next() {
		var r staleRow
		if err := rows.Scan(&r.pid, &r.host, &r.session, &r.st); err != nil {
			rows.Close()
			return 0, errs.New(errs.KindStorage, "registry.cleanup_stale_scan", "scan stale entry").WithCause(err)
		}
		stale = append(stale, r)
	}
	rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "registry.tx_begin", "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	for _, r := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE pid = ? AND host = ?`, r.pid, r.host); err != nil {
			return 0, errs.New(errs.KindStorage, "registry.cleanup_stale_delete", "delete stale entry").WithCause(err)
		}
		if err := insertHistory(ctx, tx, r.pid, r.host, r.session, EventRemoved, Status(r.st), "", "stale: last_seen exceeded retention"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.New(errs.KindStorage, "registry.tx_commit", "commit stale cleanup").WithCause(err)
	}
	return len(stale), nil
}

// SendMessage inserts a mailbox entry.
func (s *Storage) SendMessage(ctx context.Context, msg *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (from_session, to_session, message_type, payload, created_at, read_at, expires_at)
		VALUES (?,?,?,?,?,?,?)`,
		msg.FromSession, nullStringOrEmpty(msg.ToSession), msg.MessageType, msg.Payload,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(msg.ReadAt), nullableTime(msg.ExpiresAt))
	if err != nil {
		return 0, errs.New(errs.KindStorage, "registry.send_message", "insert message").WithCause(err)
	}
	return res.LastInsertId()
}

func nullStringOrEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessages returns messages addressed to sessionID (plus broadcasts),
// only unread ones when unreadOnly is set, and marks every returned row
// that was unread as read; those returned messages carry the new read_at.
func (s *Storage) GetMessages(ctx context.Context, sessionID string, unreadOnly bool) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, from_session, to_session, message_type, payload, created_at, read_at, expires_at
		FROM messages WHERE (to_session = ? OR to_session IS NULL)`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "registry.get_messages", "query messages").WithCause(err)
	}
	defer rows.Close()

	var out []*Message
	var ids []int64
	for rows.Next() {
		var m Message
		var toSession sql.NullString
		var createdAt string
		var readAt, expiresAt sql.NullString
		if err := rows.Scan(&m.ID, &m.FromSession, &toSession, &m.MessageType, &m.Payload, &createdAt, &readAt, &expiresAt); err != nil {
			return nil, errs.New(errs.KindStorage, "registry.scan_message", "scan message").WithCause(err)
		}
		if toSession.Valid {
			m.ToSession = toSession.String
		}
		m.CreatedAt = parseTime(createdAt)
		m.ReadAt = parseTimePtr(readAt)
		m.ExpiresAt = parseTimePtr(expiresAt)
		out = append(out, &m)
		if m.ReadAt == nil {
			ids = append(ids, m.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		readAt := time.Now().UTC()
		if err := s.markReadLocked(ctx, ids, readAt); err != nil {
			return nil, err
		}
		for _, m := range out {
			if m.ReadAt == nil {
				m.ReadAt = &readAt
			}
		}
	}
	return out, nil
}

func (s *Storage) markReadLocked(ctx context.Context, ids []int64, readAt time.Time) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids)+1)
	args[0] = readAt.Format(time.RFC3339Nano)
	for i, id := range ids {
		placeholders[i] = "?"
		args[i+1] = id
	}
	// #nosec G201 -- placeholders are generated from len(ids), not user input
	query := fmt.Sprintf(`UPDATE messages SET read_at = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.KindStorage, "registry.mark_read", "mark messages read").WithCause(err)
	}
	return nil
}

// CleanupExpiredMessages deletes messages whose expires_at has passed,
// returning the count removed.
func (s *Storage) CleanupExpiredMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errs.New(errs.KindStorage, "registry.cleanup_messages", "delete expired messages").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetHistory returns history rows for a (pid, host), most recent first.
func (s *Storage) GetHistory(ctx context.Context, pid int32, host string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pid, host, session_id, event_type, event_time, old_status, new_status, details
		FROM process_history WHERE pid = ? AND host = ? ORDER BY event_time DESC LIMIT ?`, pid, host, limit)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "registry.get_history", "query history").WithCause(err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var eventTime string
		var oldStatus, newStatus, details sql.NullString
		if err := rows.Scan(&h.ID, &h.PID, &h.Host, &h.SessionID, &h.EventType, &eventTime, &oldStatus, &newStatus, &details); err != nil {
			return nil, errs.New(errs.KindStorage, "registry.scan_history", "scan history row").WithCause(err)
		}
		h.EventTime = parseTime(eventTime)
		h.OldStatus = Status(oldStatus.String)
		h.NewStatus = Status(newStatus.String)
		h.Details = details.String
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PurgeHistoryOlderThan deletes process_history rows older than the given
// retention window and returns how many rows were removed — the
// Cleaner's deep-clean retention enforcement.
func (s *Storage) PurgeHistoryOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM process_history WHERE event_time < ?`, cutoff)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "registry.purge_history", "purge old history rows").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Host returns the host tag this storage handle registers entries under.
func (s *Storage) Host() string { return s.host }
