// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/peer persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. A nil logger falls
// back to slog.Default.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// WAL lets many broker processes share the file; the busy timeout
	// makes concurrent writers queue instead of failing with SQLITE_BUSY.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			network_id TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT '',
			joined_at  TEXT NOT NULL,
			last_seen  TEXT NOT NULL,

			UNIQUE(agent_id, network_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_network
			ON sessions(network_id);

		CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id   TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			content      TEXT NOT NULL CHECK(length(content) <= 8000),
			is_broadcast INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TEXT NOT NULL,
			delivered_at TEXT,

			CHECK (status IN ('pending', 'delivered'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_inbox
			ON messages(recipient_id, status) WHERE status = 'pending';

		CREATE INDEX IF NOT EXISTS idx_messages_network_created
			ON messages(network_id, created_at);

		CREATE TABLE IF NOT EXISTS peers (
			name          TEXT PRIMARY KEY,
			url           TEXT NOT NULL,
			shared_secret TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			direction     TEXT NOT NULL DEFAULT 'outbound',
			created_at    TEXT NOT NULL,
			last_seen     TEXT,

			CHECK (status IN ('pending', 'approved', 'rejected')),
			CHECK (direction IN ('outbound', 'inbound', 'mutual'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: Add role column to sessions table (if it doesn't exist)
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'role'`).Scan(&exists)
	if err != nil {
		if _, err := s.db.Exec(`ALTER TABLE sessions ADD COLUMN role TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("adding role column to sessions: %w", err)
		}
		s.logger.Info("applied migration", "column", "role", "table", "sessions")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
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

// timeFormat is RFC3339 with a fixed-width fractional second. Stored in
// UTC it sorts lexicographically, so cutoff comparisons happen in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// UpsertSession creates or refreshes a session row. If a different session
// holds the same (agent_id, network_id) pair but its last_seen is older
// than activeSince, that stale holder is evicted first. A live holder
// causes ErrDuplicateAgent.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *Session, activeSince time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Evict a stale session holding this agent_id
	var staleID string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM sessions
		WHERE agent_id = ? AND network_id = ? AND session_id != ? AND last_seen < ?
	`, sess.AgentID, sess.NetworkID, sess.SessionID, formatTime(activeSince)).Scan(&staleID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking stale session: %w", err)
	}
	if staleID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, staleID); err != nil {
			return fmt.Errorf("evicting stale session: %w", err)
		}
		s.logger.Info("evicted expired session",
			"agent_id", sess.AgentID,
			"network_id", sess.NetworkID,
			"old_session", staleID,
			"new_session", sess.SessionID,
		)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, network_id, role, joined_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id   = excluded.agent_id,
			network_id = excluded.network_id,
			role       = excluded.role,
			last_seen  = excluded.last_seen
	`, sess.SessionID, sess.AgentID, sess.NetworkID, sess.Role,
		formatTime(sess.JoinedAt), formatTime(sess.LastSeen))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("upserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session upsert: %w", err)
	}

	s.logger.Debug("upserted session", "session_id", sess.SessionID, "agent_id", sess.AgentID, "network_id", sess.NetworkID)
	return nil
}

// GetSession retrieves a session by its session ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, network_id, role, joined_at, last_seen
		FROM sessions
		WHERE session_id = ?
	`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var joinedAtStr, lastSeenStr string

	err := row.Scan(&sess.SessionID, &sess.AgentID, &sess.NetworkID, &sess.Role, &joinedAtStr, &lastSeenStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.JoinedAt, err = parseTime(joinedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	sess.LastSeen, err = parseTime(lastSeenStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}

	return &sess, nil
}

// TouchSession bumps last_seen for a session. last_seen never regresses,
// and touching a session that no longer exists is a no-op.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen = ?
		WHERE session_id = ? AND last_seen <= ?
	`, formatTime(now), sessionID, formatTime(now))
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row. Deleting a non-existent session is
// not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessions returns the non-expired sessions of a network ordered by
// agent_id. Sessions with last_seen older than activeSince are excluded
// even if they have not been swept yet.
func (s *SQLiteStore) ListSessions(ctx context.Context, networkID string, activeSince time.Time) ([]*Session, error) {
	// Empty networkID matches all networks, same convention as CountPending.
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_id, network_id, role, joined_at, last_seen
		FROM sessions
		WHERE (? = '' OR network_id = ?) AND last_seen >= ?
		ORDER BY agent_id
	`, networkID, networkID, formatTime(activeSince))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var joinedAtStr, lastSeenStr string

		if err := rows.Scan(&sess.SessionID, &sess.AgentID, &sess.NetworkID, &sess.Role, &joinedAtStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.JoinedAt, err = parseTime(joinedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		sess.LastSeen, err = parseTime(lastSeenStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		sessions = append(sessions, &sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// SweepExpired physically removes sessions whose last_seen is older than
// the given cutoff. An empty networkID sweeps all networks.
func (s *SQLiteStore) SweepExpired(ctx context.Context, networkID string, before time.Time) (int64, error) {
	var result sql.Result
	var err error
	if networkID == "" {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE last_seen < ?`, formatTime(before))
	} else {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE network_id = ? AND last_seen < ?`, networkID, formatTime(before))
	}
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}

	swept, _ := result.RowsAffected()
	if swept > 0 {
		s.logger.Debug("swept expired sessions", "network_id", networkID, "count", swept)
	}
	return swept, nil
}

// InsertMessage inserts a pending message addressed to exactly one
// recipient and returns its ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (int64, error) {
	broadcast := 0
	if msg.Broadcast {
		broadcast = 1
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (network_id, sender_id, recipient_id, content, is_broadcast, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, msg.NetworkID, msg.SenderID, msg.RecipientID, msg.Content, broadcast, formatTime(msg.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting message id: %w", err)
	}

	s.logger.Debug("inserted message", "id", id, "from", msg.SenderID, "to", msg.RecipientID)
	return id, nil
}

// InsertBroadcast fans a message out to the given recipients, one
// independent pending row each, in a single transaction.
func (s *SQLiteStore) InsertBroadcast(ctx context.Context, networkID, senderID, content string, recipients []string, now time.Time) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := formatTime(now)
	for _, recipient := range recipients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (network_id, sender_id, recipient_id, content, is_broadcast, status, created_at)
			VALUES (?, ?, ?, ?, 1, 'pending', ?)
		`, networkID, senderID, recipient, content, createdAt)
		if err != nil {
			return 0, fmt.Errorf("inserting broadcast row for %s: %w", recipient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing broadcast: %w", err)
	}

	s.logger.Debug("inserted broadcast", "network_id", networkID, "from", senderID, "recipients", len(recipients))
	return len(recipients), nil
}

// ClaimPending atomically claims up to limit pending messages for an agent,
// oldest first, and marks exactly the claimed rows delivered. The claim is
// a single conditional UPDATE scoped to status='pending', so two racing
// retrievals for the same agent never double-deliver a row.
func (s *SQLiteStore) ClaimPending(ctx context.Context, networkID, agentID string, limit int, now time.Time) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'delivered', delivered_at = ?
		WHERE id IN (
			SELECT id FROM messages
			WHERE network_id = ? AND recipient_id = ? AND status = 'pending'
			ORDER BY created_at, id
			LIMIT ?
		) AND status = 'pending'
		RETURNING id, network_id, sender_id, recipient_id, content, is_broadcast, created_at, delivered_at
	`, formatTime(now), networkID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanClaimedMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed rows: %w", err)
	}

	// RETURNING does not guarantee an order
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	if len(messages) > 0 {
		s.logger.Debug("claimed messages", "agent_id", agentID, "count", len(messages))
	}
	return messages, nil
}

func scanClaimedMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var broadcast int
	var createdAtStr string
	var deliveredAtStr sql.NullString

	if err := rows.Scan(&msg.ID, &msg.NetworkID, &msg.SenderID, &msg.RecipientID,
		&msg.Content, &broadcast, &createdAtStr, &deliveredAtStr); err != nil {
		return nil, fmt.Errorf("scanning claimed row: %w", err)
	}

	msg.Broadcast = broadcast != 0
	msg.Status = StatusDelivered

	var err error
	msg.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if deliveredAtStr.Valid {
		t, err := parseTime(deliveredAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing delivered_at: %w", err)
		}
		msg.DeliveredAt = &t
	}

	return &msg, nil
}

// CountPending returns the number of pending messages addressed to an
// agent. An empty networkID counts across all networks.
func (s *SQLiteStore) CountPending(ctx context.Context, networkID, agentID string) (int, error) {
	var count int
	var err error
	if networkID == "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND status = 'pending'
		`, agentID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE network_id = ? AND recipient_id = ? AND status = 'pending'
		`, networkID, agentID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return count, nil
}

// CountPendingFrom returns the number of undelivered messages a sender has
// queued for one recipient. Backs the per-sender unread cap.
func (s *SQLiteStore) CountPendingFrom(ctx context.Context, senderID, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE sender_id = ? AND recipient_id = ? AND status = 'pending'
	`, senderID, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending from sender: %w", err)
	}
	return count, nil
}

// CountRecentFrom returns how many messages a sender has created for one
// recipient since the given time. Backs the per-pair rate limit.
func (s *SQLiteStore) CountRecentFrom(ctx context.Context, senderID, recipientID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE sender_id = ? AND recipient_id = ? AND created_at > ?
	`, senderID, recipientID, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent from sender: %w", err)
	}
	return count, nil
}

// ListHistory returns a network's messages in chronological order for the
// chat viewer. A zero since returns everything; a non-empty agentFilter
// keeps only messages sent by or addressed to that agent.
func (s *SQLiteStore) ListHistory(ctx context.Context, networkID string, since time.Time, agentFilter string) ([]*Message, error) {
	query := `
		SELECT id, network_id, sender_id, recipient_id, content, is_broadcast, status, created_at, delivered_at
		FROM messages
		WHERE network_id = ?
	`
	args := []any{networkID}

	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(since))
	}
	if agentFilter != "" {
		query += ` AND (sender_id = ? OR recipient_id = ?)`
		args = append(args, agentFilter, agentFilter)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var broadcast int
		var createdAtStr string
		var deliveredAtStr sql.NullString

		if err := rows.Scan(&msg.ID, &msg.NetworkID, &msg.SenderID, &msg.RecipientID,
			&msg.Content, &broadcast, &msg.Status, &createdAtStr, &deliveredAtStr); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}

		msg.Broadcast = broadcast != 0
		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if deliveredAtStr.Valid {
			t, err := parseTime(deliveredAtStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing delivered_at: %w", err)
			}
			msg.DeliveredAt = &t
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return messages, nil
}

// ListNetworks summarizes all networks with member names and last activity,
// most recently active first.
func (s *SQLiteStore) ListNetworks(ctx context.Context) ([]*NetworkSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT network_id,
		       GROUP_CONCAT(agent_id, ','),
		       COUNT(*),
		       MAX(last_seen)
		FROM sessions
		GROUP BY network_id
		ORDER BY MAX(last_seen) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	var networks []*NetworkSummary
	for rows.Next() {
		var n NetworkSummary
		var agents, lastActiveStr string

		if err := rows.Scan(&n.NetworkID, &agents, &n.AgentCount, &lastActiveStr); err != nil {
			return nil, fmt.Errorf("scanning network row: %w", err)
		}
		n.Agents = strings.Split(agents, ",")
		sort.Strings(n.Agents)
		n.LastActive, err = parseTime(lastActiveStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_active: %w", err)
		}
		networks = append(networks, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating network rows: %w", err)
	}
	return networks, nil
}

// PurgeDelivered removes delivered messages older than the given cutoff.
// Pending rows are never purged, so undelivered mail survives any absence.
func (s *SQLiteStore) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE status = 'delivered' AND delivered_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging delivered messages: %w", err)
	}

	purged, _ := result.RowsAffected()
	if purged > 0 {
		s.logger.Debug("purged delivered messages", "count", purged)
	}
	return purged, nil
}

// UpsertPeer creates or replaces a peer record by name
func (s *SQLiteStore) UpsertPeer(ctx context.Context, peer *Peer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (name, url, shared_secret, status, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url           = excluded.url,
			shared_secret = excluded.shared_secret,
			status        = excluded.status,
			direction     = excluded.direction
	`, peer.Name, peer.URL, peer.SharedSecret, peer.Status, peer.Direction, formatTime(peer.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting peer: %w", err)
	}

	s.logger.Debug("upserted peer", "name", peer.Name, "status", peer.Status)
	return nil
}

// GetPeer retrieves a peer by name.
// Returns ErrNotFound if the peer doesn't exist.
func (s *SQLiteStore) GetPeer(ctx context.Context, name string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, url, shared_secret, status, direction, created_at, last_seen
		FROM peers WHERE name = ?
	`, name)
	return scanPeer(row)
}

// GetPeerBySecret retrieves an approved mutual peer by its shared secret.
// Used to authenticate inbound peer HTTP requests.
func (s *SQLiteStore) GetPeerBySecret(ctx context.Context, secret string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, url, shared_secret, status, direction, created_at, last_seen
		FROM peers
		WHERE shared_secret = ? AND shared_secret != '' AND status = 'approved' AND direction = 'mutual'
	`, secret)
	return scanPeer(row)
}

func scanPeer(row *sql.Row) (*Peer, error) {
	var p Peer
	var createdAtStr string
	var lastSeenStr sql.NullString

	err := row.Scan(&p.Name, &p.URL, &p.SharedSecret, &p.Status, &p.Direction, &createdAtStr, &lastSeenStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning peer: %w", err)
	}

	p.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeenStr.Valid {
		t, err := parseTime(lastSeenStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		p.LastSeen = &t
	}

	return &p, nil
}

// ListPeers returns all configured peers ordered by creation time
func (s *SQLiteStore) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, url, shared_secret, status, direction, created_at, last_seen
		FROM peers ORDER BY created_at, name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		var p Peer
		var createdAtStr string
		var lastSeenStr sql.NullString

		if err := rows.Scan(&p.Name, &p.URL, &p.SharedSecret, &p.Status, &p.Direction, &createdAtStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scanning peer row: %w", err)
		}
		p.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if lastSeenStr.Valid {
			t, err := parseTime(lastSeenStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_seen: %w", err)
			}
			p.LastSeen = &t
		}
		peers = append(peers, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating peer rows: %w", err)
	}
	return peers, nil
}

// SetPeerStatus updates a peer's status and direction, bumping last_seen.
// Returns ErrNotFound if the peer doesn't exist.
func (s *SQLiteStore) SetPeerStatus(ctx context.Context, name, status, direction string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE peers SET status = ?, direction = ?, last_seen = ? WHERE name = ?
	`, status, direction, formatTime(now), name)
	if err != nil {
		return fmt.Errorf("updating peer status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated peer status", "name", name, "status", status, "direction", direction)
	return nil
}

// DeletePeer removes a peer.
// Returns ErrNotFound if the peer doesn't exist.
func (s *SQLiteStore) DeletePeer(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting peer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted peer", "name", name)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
