// Package dbstore is the relational persistence layer: message history,
// user/agent identities, and chat session membership. It is the
// durable half of the Dual Writer and the fallback read path of the
// Context Loader when the cache misses.
package dbstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MessageType mirrors the gateway's numeric message_type column.
// The agent always persists TypeText (0): the spec picks 0 uniformly
// for bot output so downstream clients distinguish bots via the
// sender's is_agent flag, not a separate message type.
type MessageType int

const (
	TypeText   MessageType = 0
	TypeImage  MessageType = 1
	TypeFile   MessageType = 2
	TypeSpeech MessageType = 3
)

var (
	ErrMessageNotFound = errors.New("dbstore: message not found")
	ErrUserNotFound    = errors.New("dbstore: user not found")
)

// Store wraps the sqlite-backed message/user/chat_session schema.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the sqlite database at dataDir/agent.db,
// in WAL mode for concurrent reader/writer access (teacher's
// schedule.Store uses the same pragmas).
func Open(dataDir, dsn string) (*Store, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	path := dsn
	if dataDir != "" && !filepath.IsAbs(dsn) {
		path = filepath.Join(dataDir, dsn)
	}

	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user (
		user_id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL,
		is_agent INTEGER NOT NULL DEFAULT 0,
		agent_model TEXT,
		agent_provider TEXT,
		agent_description TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_session (
		chat_session_id TEXT PRIMARY KEY,
		name TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_session_member (
		chat_session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_session_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_member_user ON chat_session_member(user_id);

	CREATE TABLE IF NOT EXISTS message (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message_type INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		file_name TEXT,
		metadata TEXT,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_message_session ON message(session_id, create_time);
	CREATE INDEX IF NOT EXISTS idx_message_user ON message(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Message is a persisted chat message joined with sender metadata.
// Metadata is an opaque JSON blob (the orchestrator's {model,
// provider, tool_calls[], run_id}); plain user messages leave it
// empty.
type Message struct {
	MessageID   string
	SessionID   string
	UserID      string
	Nickname    string
	MessageType MessageType
	Content     string
	FileName    string
	Metadata    string
	CreateTime  time.Time
	IsAgent     bool
}

// UpsertMessage inserts a message, or updates its content and
// metadata if the message id already exists. Grounded on the original
// dual-writer's `ON DUPLICATE KEY UPDATE content = VALUES(content)`,
// translated to sqlite's upsert clause so retried writes stay
// idempotent on message_id.
func (s *Store) UpsertMessage(m *Message) error {
	if m.CreateTime.IsZero() {
		m.CreateTime = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO message (message_id, session_id, user_id, message_type, content, file_name, metadata, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET content = excluded.content, metadata = excluded.metadata`,
		m.MessageID, m.SessionID, m.UserID, int(m.MessageType), m.Content, nullString(m.FileName), nullString(m.Metadata), m.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.MessageID, err)
	}
	return nil
}

// RecentMessages returns the newest `limit` messages of a session
// joined with sender metadata, reversed to oldest-first order, with
// file messages having their content replaced by their filename.
// Grounded on context_manager.py's `_load_from_mysql`.
func (s *Store) RecentMessages(sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT m.message_id, m.user_id, m.message_type, m.content, m.file_name, m.metadata, m.create_time,
		       COALESCE(u.nickname, m.user_id), COALESCE(u.is_agent, 0)
		FROM message m
		LEFT JOIN user u ON m.user_id = u.user_id
		WHERE m.session_id = ?
		ORDER BY m.create_time DESC
		LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var fileName, metadata sql.NullString
		var isAgent int
		m.SessionID = sessionID
		if err := rows.Scan(&m.MessageID, &m.UserID, &m.MessageType, &m.Content, &fileName, &metadata, &m.CreateTime, &m.Nickname, &isAgent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if fileName.Valid {
			m.FileName = fileName.String
		}
		m.Metadata = metadata.String
		m.IsAgent = isAgent != 0
		if m.MessageType == TypeFile && m.FileName != "" {
			m.Content = m.FileName
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SearchMessages does a substring search over a session's content,
// newest first, for the search_messages tool.
func (s *Store) SearchMessages(sessionID, query string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT m.message_id, m.user_id, m.message_type, m.content, m.file_name, m.metadata, m.create_time,
		       COALESCE(u.nickname, m.user_id), COALESCE(u.is_agent, 0)
		FROM message m
		LEFT JOIN user u ON m.user_id = u.user_id
		WHERE m.session_id = ? AND m.content LIKE '%' || ? || '%'
		ORDER BY m.create_time DESC
		LIMIT ?`, sessionID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var fileName, metadata sql.NullString
		var isAgent int
		m.SessionID = sessionID
		if err := rows.Scan(&m.MessageID, &m.UserID, &m.MessageType, &m.Content, &fileName, &metadata, &m.CreateTime, &m.Nickname, &isAgent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if fileName.Valid {
			m.FileName = fileName.String
		}
		m.Metadata = metadata.String
		m.IsAgent = isAgent != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// User is a row in the shared user table; agents are users with
// IsAgent set.
type User struct {
	UserID           string
	Nickname         string
	IsAgent          bool
	AgentModel       string
	AgentProvider    string
	AgentDescription string
}

// GetUser fetches a single user/agent identity by id.
func (s *Store) GetUser(userID string) (*User, error) {
	var u User
	var isAgent int
	var model, provider, desc sql.NullString
	err := s.db.QueryRow(`
		SELECT user_id, nickname, is_agent, agent_model, agent_provider, agent_description
		FROM user WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &u.Nickname, &isAgent, &model, &provider, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	u.IsAgent = isAgent != 0
	u.AgentModel = model.String
	u.AgentProvider = provider.String
	u.AgentDescription = desc.String
	return &u, nil
}

// UpsertUser inserts or replaces a user/agent identity row. Used by
// the Agent Registry to seed configured agents at boot.
func (s *Store) UpsertUser(u *User) error {
	_, err := s.db.Exec(`
		INSERT INTO user (user_id, nickname, is_agent, agent_model, agent_provider, agent_description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			nickname = excluded.nickname,
			is_agent = excluded.is_agent,
			agent_model = excluded.agent_model,
			agent_provider = excluded.agent_provider,
			agent_description = excluded.agent_description`,
		u.UserID, u.Nickname, boolToInt(u.IsAgent), nullString(u.AgentModel), nullString(u.AgentProvider), nullString(u.AgentDescription),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UserID, err)
	}
	return nil
}

// ListAgents returns every user row with is_agent set, for the
// GET /agents endpoint.
func (s *Store) ListAgents() ([]User, error) {
	rows, err := s.db.Query(`
		SELECT user_id, nickname, is_agent, agent_model, agent_provider, agent_description
		FROM user WHERE is_agent = 1 ORDER BY nickname`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		var u User
		var isAgent int
		var model, provider, desc sql.NullString
		if err := rows.Scan(&u.UserID, &u.Nickname, &isAgent, &model, &provider, &desc); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		u.IsAgent = isAgent != 0
		u.AgentModel = model.String
		u.AgentProvider = provider.String
		u.AgentDescription = desc.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// AddSessionMember adds a user (typically an agent) as a chat session
// participant; idempotent on the composite key.
func (s *Store) AddSessionMember(sessionID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_session (chat_session_id) VALUES (?)
		ON CONFLICT(chat_session_id) DO NOTHING`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("ensure chat session %s: %w", sessionID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO chat_session_member (chat_session_id, user_id) VALUES (?, ?)
		ON CONFLICT(chat_session_id, user_id) DO NOTHING`, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("add session member %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

// SessionMembers lists the user ids belonging to a chat session.
func (s *Store) SessionMembers(sessionID string) ([]User, error) {
	rows, err := s.db.Query(`
		SELECT u.user_id, u.nickname, u.is_agent, u.agent_model, u.agent_provider, u.agent_description
		FROM chat_session_member m
		JOIN user u ON u.user_id = m.user_id
		WHERE m.chat_session_id = ?`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		var u User
		var isAgent int
		var model, provider, desc sql.NullString
		if err := rows.Scan(&u.UserID, &u.Nickname, &isAgent, &model, &provider, &desc); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		u.IsAgent = isAgent != 0
		u.AgentModel = model.String
		u.AgentProvider = provider.String
		u.AgentDescription = desc.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserSessions lists chat session ids a user belongs to, for the
// get_user_sessions tool.
func (s *Store) UserSessions(userID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT chat_session_id FROM chat_session_member WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
