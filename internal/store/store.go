// Package store provides durable server state backed by an embedded SQLite
// database (modernc.org/sqlite, pure Go, no cgo). It owns the users,
// chat-group, membership, message, offline-message, and file-metadata
// tables, exposing typed operations rather than raw SQL to the rest of the
// server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// PublicGroupName is the reserved name of the distinguished group that every
// newly-registered user joins.
const PublicGroupName = "public"

// Domain errors. Callers translate these into protocol.Error codes at the
// handler boundary; the store package itself stays protocol-agnostic.
var (
	ErrUserExists     = errors.New("store: username already exists")
	ErrUserNotFound   = errors.New("store: user not found")
	ErrGroupExists    = errors.New("store: group name already exists")
	ErrGroupNotFound  = errors.New("store: group not found")
	ErrGroupBanned    = errors.New("store: group is banned")
	ErrUserBanned     = errors.New("store: user is banned")
	ErrContentTooLong = errors.New("store: message content exceeds limit")
)

// MaxMessageContentLen is the hard cap on Message.content.
const MaxMessageContentLen = 2000

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_online     INTEGER NOT NULL DEFAULT 0,
		is_banned     INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — chat groups
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		is_private_chat INTEGER NOT NULL DEFAULT 0,
		is_banned       INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — group membership
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id  INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (group_id, user_id)
	)`,
	// v4 — messages; v5 — its history index
	`CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id     INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		sender_id    INTEGER NOT NULL DEFAULT 0,
		content      TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		timestamp    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_id, timestamp DESC)`,
	// v6 — offline messages; v7 — its drain index
	`CREATE TABLE IF NOT EXISTS offline_messages (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		payload        BLOB NOT NULL,
		created_at     INTEGER NOT NULL DEFAULT (unixepoch()),
		is_delivered   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_user_delivered ON offline_messages(user_id, is_delivered)`,
	// v8 — file metadata
	`CREATE TABLE IF NOT EXISTS file_metadata (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		original_filename TEXT NOT NULL,
		server_filepath  TEXT NOT NULL UNIQUE,
		file_size        INTEGER NOT NULL,
		checksum         TEXT NOT NULL,
		uploader_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		chat_group_id    INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		upload_time      INTEGER NOT NULL DEFAULT (unixepoch()),
		message_id       INTEGER
	)`,
	// v9 — settings key/value store (ambient config persistence)
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v10 — audit log for admin moderation actions
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id     INTEGER NOT NULL,
		actor_name   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details      TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v11 — enable WAL mode for concurrent readers
	`PRAGMA journal_mode=WAL`,
	// v12–v16 — give messages.sender_id referential integrity. sender_id=0 was
	// previously a bare sentinel for the system pseudo-user with no FK, so
	// deleting a user left their authored messages pointing at a nonexistent
	// id. NULL now marks a system- or deleted-user-authored message instead,
	// enforced by ON DELETE SET NULL; SQLite can't ALTER a column onto an
	// existing table, so the table is rebuilt.
	`CREATE TABLE messages_new (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id     INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		sender_id    INTEGER REFERENCES users(id) ON DELETE SET NULL,
		content      TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		timestamp    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`INSERT INTO messages_new(id, group_id, sender_id, content, message_type, timestamp)
	 SELECT m.id, m.group_id,
	        CASE WHEN m.sender_id = 0 OR u.id IS NULL THEN NULL ELSE m.sender_id END,
	        m.content, m.message_type, m.timestamp
	 FROM messages m
	 LEFT JOIN users u ON u.id = m.sender_id`,
	`DROP TABLE messages`,
	`ALTER TABLE messages_new RENAME TO messages`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_id, timestamp DESC)`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes; SQLite permits
	// only one writer regardless of connection pool size.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.WithError(err).Warn("store: set busy_timeout (non-fatal)")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		log.WithError(err).Warn("store: enable foreign_keys (non-fatal)")
	}

	s := &Store{db: db, log: log.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensurePublicGroup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure public group: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.WithField("version", v).Debug("applied migration")
	}
	return nil
}

// ensurePublicGroup creates the reserved "public" group on first boot.
func (s *Store) ensurePublicGroup() error {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM chat_groups WHERE name = ?`, PublicGroupName).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO chat_groups(name, is_private_chat) VALUES(?, 0)`, PublicGroupName)
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// User is a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsOnline     bool
	IsBanned     bool
	CreatedAt    int64
}

// hashPassword salts and hashes a plaintext password with bcrypt.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// verifyPassword performs a bcrypt comparison, which is itself
// constant-time over the hash comparison; subtle.ConstantTimeCompare
// additionally guards the boolean result path from short-circuiting.
func verifyPassword(hash, password string) bool {
	if len(hash) == 0 {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return subtle.ConstantTimeCompare([]byte{boolByte(err == nil)}, []byte{1}) == 1
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// CreateUser inserts a new user and adds it to the public group in the same
// transaction (create_user). Returns ErrUserExists on a unique
// violation.
func (s *Store) CreateUser(ctx context.Context, username, password string) (int64, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&exists)
	if err == nil {
		return 0, ErrUserExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO users(username, password_hash) VALUES(?, ?)`, username, hash)
	if err != nil {
		return 0, err
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	var publicGroupID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM chat_groups WHERE name = ?`, PublicGroupName).Scan(&publicGroupID); err != nil {
		return 0, fmt.Errorf("locate public group: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members(group_id, user_id) VALUES(?, ?) ON CONFLICT(group_id, user_id) DO NOTHING`,
		publicGroupID, userID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return userID, nil
}

// dummyHash is a precomputed bcrypt hash used only to equalize timing for
// unknown usernames in Authenticate.
var dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5L2JUFiMOcVDFHKa0kF0g2i3Bxx6a"

// Authenticate verifies username/password and returns the user record on
// success. It never distinguishes "no such user" from "wrong password" to
// the caller's return value alone — callers map both to INVALID_CREDENTIALS.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Run a bcrypt comparison against a fixed dummy hash so the
			// timing profile for "no such user" matches "wrong password"
			// as closely as bcrypt's own cost allows.
			verifyPassword(dummyHash, password)
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if u.IsBanned {
		return nil, ErrUserBanned
	}
	if !verifyPassword(u.PasswordHash, password) {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *Store) userByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	var online, banned int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &online, &banned, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsOnline, u.IsBanned = online != 0, banned != 0
	return &u, nil
}

// UserByID returns the user record for id.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	var online, banned int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &online, &banned, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsOnline, u.IsBanned = online != 0, banned != 0
	return &u, nil
}

// ListUsers returns every user ordered by id, for the admin REST surface.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var online, banned int
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &online, &banned, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.IsOnline, u.IsBanned = online != 0, banned != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetOnline mirrors connection-registry presence into the users table, so
// a restart-time query can see the last known online state.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_online = ? WHERE id = ?`, boolByte(online), userID)
	return err
}

// Ban marks a user banned; a banned user cannot authenticate or send.
func (s *Store) Ban(ctx context.Context, userID int64) error {
	return s.setBanned(ctx, userID, true)
}

// Unban clears the ban flag.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	return s.setBanned(ctx, userID, false)
}

func (s *Store) setBanned(ctx context.Context, userID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = ? WHERE id = ?`, boolByte(banned), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateUserFields optionally updates username and/or password for userID.
type UpdateUserFields struct {
	Username *string
	Password *string
}

// UpdateUser applies the non-nil fields of f to userID.
func (s *Store) UpdateUser(ctx context.Context, userID int64, f UpdateUserFields) error {
	if f.Username != nil {
		res, err := s.db.ExecContext(ctx, `UPDATE users SET username = ? WHERE id = ?`, *f.Username, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
	}
	if f.Password != nil {
		hash, err := hashPassword(*f.Password)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUser removes a user, cascading to memberships and file metadata and
// nulling the authorship of their messages (chat history is preserved, not
// deleted). Returns orphanedPaths: on-disk file paths orphaned by the
// cascade, for the caller to unlink post-commit.
func (s *Store) DeleteUser(ctx context.Context, userID int64) (orphanedPaths []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT server_filepath FROM file_metadata WHERE uploader_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		orphanedPaths = append(orphanedPaths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUserNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return orphanedPaths, nil
}

// ---------------------------------------------------------------------------
// Chat groups
// ---------------------------------------------------------------------------

// ChatGroup is a named group channel or a private 1:1 chat.
type ChatGroup struct {
	ID            int64
	Name          string
	IsPrivateChat bool
	IsBanned      bool
	CreatedAt     int64
}

// CreateGroup inserts a group; isPrivateChat marks a two-party private
// conversation modelled as a regular group.
func (s *Store) CreateGroup(ctx context.Context, name string, isPrivateChat bool) (int64, error) {
	var exists int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM chat_groups WHERE name = ?`, name).Scan(&exists)
	if err == nil {
		return 0, ErrGroupExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups(name, is_private_chat) VALUES(?, ?)`, name, boolByte(isPrivateChat),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GroupByID returns the group record for id.
func (s *Store) GroupByID(ctx context.Context, id int64) (*ChatGroup, error) {
	var g ChatGroup
	var priv, banned int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private_chat, is_banned, created_at FROM chat_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &priv, &banned, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	g.IsPrivateChat, g.IsBanned = priv != 0, banned != 0
	return &g, nil
}

// GroupByName returns the group record for name.
func (s *Store) GroupByName(ctx context.Context, name string) (*ChatGroup, error) {
	var g ChatGroup
	var priv, banned int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private_chat, is_banned, created_at FROM chat_groups WHERE name = ?`, name,
	).Scan(&g.ID, &g.Name, &priv, &banned, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	g.IsPrivateChat, g.IsBanned = priv != 0, banned != 0
	return &g, nil
}

// ListGroups returns every chat group ordered by id, for the admin REST
// surface.
func (s *Store) ListGroups(ctx context.Context) ([]ChatGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_private_chat, is_banned, created_at FROM chat_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []ChatGroup
	for rows.Next() {
		var g ChatGroup
		var priv, banned int
		if err := rows.Scan(&g.ID, &g.Name, &priv, &banned, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.IsPrivateChat, g.IsBanned = priv != 0, banned != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// BanGroup marks a group banned; a banned group refuses new messages.
func (s *Store) BanGroup(ctx context.Context, groupID int64) error {
	return s.setGroupBanned(ctx, groupID, true)
}

// UnbanGroup clears the ban flag.
func (s *Store) UnbanGroup(ctx context.Context, groupID int64) error {
	return s.setGroupBanned(ctx, groupID, false)
}

func (s *Store) setGroupBanned(ctx context.Context, groupID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_groups SET is_banned = ? WHERE id = ?`, boolByte(banned), groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// DeleteGroup removes a group, cascading memberships, messages, and file
// metadata. Returns orphaned file paths for post-commit unlink.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) (orphanedPaths []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT server_filepath FROM file_metadata WHERE chat_group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		orphanedPaths = append(orphanedPaths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_groups WHERE id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrGroupNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return orphanedPaths, nil
}

// AddMember inserts a membership row; idempotent (add_member).
func (s *Store) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members(group_id, user_id) VALUES(?, ?) ON CONFLICT(group_id, user_id) DO NOTHING`,
		groupID, userID,
	)
	return err
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	return err
}

// Member is a membership row joined with the username.
type Member struct {
	UserID   int64
	Username string
	JoinedAt int64
}

// ListMembers returns every member of groupID.
func (s *Store) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, gm.joined_at FROM group_members gm
		 JOIN users u ON u.id = gm.user_id
		 WHERE gm.group_id = ? ORDER BY gm.joined_at ASC`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListUserGroups returns every group userID belongs to.
func (s *Store) ListUserGroups(ctx context.Context, userID int64) ([]ChatGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, g.is_private_chat, g.is_banned, g.created_at
		 FROM group_members gm JOIN chat_groups g ON g.id = gm.group_id
		 WHERE gm.user_id = ? ORDER BY g.id ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []ChatGroup
	for rows.Next() {
		var g ChatGroup
		var priv, banned int
		if err := rows.Scan(&g.ID, &g.Name, &priv, &banned, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.IsPrivateChat, g.IsBanned = priv != 0, banned != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// IsMember reports whether userID belongs to groupID.
func (s *Store) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageType domain, mirrored from protocol to avoid an import cycle; kept
// in lockstep with protocol.MessageType's string values.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
	MessageAI     MessageType = "ai"
	MessageFile   MessageType = "file"
)

// Message is one persisted chat message.
type Message struct {
	ID             int64
	GroupID        int64
	SenderID       int64
	SenderUsername string
	Content        string
	MessageType    MessageType
	Timestamp      int64
}

// SaveMessage validates referential existence and content length, then
// appends a message row. senderID=0 denotes the system pseudo-user and is
// stored as a NULL sender_id.
func (s *Store) SaveMessage(ctx context.Context, groupID, senderID int64, content string, kind MessageType) (int64, error) {
	if len(content) > MaxMessageContentLen {
		return 0, ErrContentTooLong
	}
	group, err := s.GroupByID(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if group.IsBanned {
		return 0, ErrGroupBanned
	}
	var sender sql.NullInt64
	if senderID != 0 {
		if _, err := s.UserByID(ctx, senderID); err != nil {
			return 0, err
		}
		sender = sql.NullInt64{Int64: senderID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(group_id, sender_id, content, message_type) VALUES(?, ?, ?, ?)`,
		groupID, sender, content, string(kind),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetHistory returns up to limit messages with id < beforeID (or the latest
// if beforeID is 0), in ascending id order, joined to sender username.
func (s *Store) GetHistory(ctx context.Context, groupID int64, limit int, beforeID int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	const base = `
		SELECT m.id, m.group_id, m.sender_id,
		       COALESCE(u.username, 'system') AS sender_username,
		       m.content, m.message_type, m.timestamp
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.group_id = ?`
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx, base+` AND m.id < ? ORDER BY m.id DESC LIMIT ?`, groupID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, base+` ORDER BY m.id DESC LIMIT ?`, groupID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var kind string
		var sender sql.NullInt64
		if err := rows.Scan(&m.ID, &m.GroupID, &sender, &m.SenderUsername, &m.Content, &kind, &m.Timestamp); err != nil {
			return nil, err
		}
		m.SenderID = sender.Int64 // 0 for a system- or deleted-user-authored message
		m.MessageType = MessageType(kind)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to ascending id order (we queried DESC to get the latest N).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Offline messages
// ---------------------------------------------------------------------------

// OfflineMessage is a queued message awaiting delivery to a recipient
// who was not reachable at send time.
type OfflineMessage struct {
	ID          int64
	UserID      int64
	Payload     []byte
	CreatedAt   int64
	IsDelivered bool
}

// EnqueueOffline stores a frame payload for a user who could not be reached
// live.
func (s *Store) EnqueueOffline(ctx context.Context, userID int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages(user_id, payload) VALUES(?, ?)`, userID, payload,
	)
	return err
}

// DrainOffline atomically marks up to limit undelivered rows for userID as
// delivered and returns them in insertion order. The exactly-once
// is_delivered transition (OfflineMessage invariant) is enforced
// by selecting-then-updating inside one transaction.
func (s *Store) DrainOffline(ctx context.Context, userID int64, limit int) ([]OfflineMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, payload, created_at FROM offline_messages
		 WHERE user_id = ? AND is_delivered = 0 ORDER BY id ASC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	var msgs []OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.Payload, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.IsDelivered = true
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `UPDATE offline_messages SET is_delivered = 1 WHERE id = ?`, m.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ReapDelivered deletes delivered offline-message rows older than
// retention. Returns the number of rows removed.
func (s *Store) ReapDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_messages WHERE is_delivered = 1 AND created_at <= ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// File metadata
// ---------------------------------------------------------------------------

// FileMetadata is a completed upload's catalog entry.
type FileMetadata struct {
	ID               int64
	OriginalFilename string
	ServerFilepath   string
	FileSize         int64
	Checksum         string
	UploaderID       int64
	ChatGroupID      int64
	UploadTime       int64
	MessageID        *int64
}

// SaveFileMetadata persists a completed upload's metadata.
func (s *Store) SaveFileMetadata(ctx context.Context, f FileMetadata) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO file_metadata(original_filename, server_filepath, file_size, checksum, uploader_id, chat_group_id, message_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		f.OriginalFilename, f.ServerFilepath, f.FileSize, f.Checksum, f.UploaderID, f.ChatGroupID, f.MessageID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FileByID returns the file metadata record for id.
func (s *Store) FileByID(ctx context.Context, id int64) (*FileMetadata, error) {
	var f FileMetadata
	var msgID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, original_filename, server_filepath, file_size, checksum, uploader_id, chat_group_id, upload_time, message_id
		 FROM file_metadata WHERE id = ?`, id,
	).Scan(&f.ID, &f.OriginalFilename, &f.ServerFilepath, &f.FileSize, &f.Checksum, &f.UploaderID, &f.ChatGroupID, &f.UploadTime, &msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file metadata %d: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if msgID.Valid {
		v := msgID.Int64
		f.MessageID = &v
	}
	return &f, nil
}

// ListGroupFiles returns every file uploaded to groupID, most recent first.
func (s *Store) ListGroupFiles(ctx context.Context, groupID int64) ([]FileMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_filename, server_filepath, file_size, checksum, uploader_id, chat_group_id, upload_time, message_id
		 FROM file_metadata WHERE chat_group_id = ? ORDER BY id DESC`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileMetadata
	for rows.Next() {
		var f FileMetadata
		var msgID sql.NullInt64
		if err := rows.Scan(&f.ID, &f.OriginalFilename, &f.ServerFilepath, &f.FileSize, &f.Checksum, &f.UploaderID, &f.ChatGroupID, &f.UploadTime, &msgID); err != nil {
			return nil, err
		}
		if msgID.Valid {
			v := msgID.Int64
			f.MessageID = &v
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ---------------------------------------------------------------------------
// Settings, stats, vacuum
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key -> value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// InsertAuditLog records an admin moderation action.
func (s *Store) InsertAuditLog(ctx context.Context, actorID int64, actorName, action, target, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(actor_id, actor_name, action, target, details) VALUES(?,?,?,?,?)`,
		actorID, actorName, action, target, details,
	)
	return err
}

// Stats is the operational snapshot returned by Store.Stats.
type Stats struct {
	Users            int64
	Groups           int64
	Messages         int64
	PendingOffline   int64
	Files            int64
	OldestPendingAge time.Duration
}

// Stats returns row counts per table plus the age of the oldest undelivered
// offline message.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_groups`).Scan(&st.Groups); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.Messages); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_metadata`).Scan(&st.Files); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_messages WHERE is_delivered = 0`).Scan(&st.PendingOffline); err != nil {
		return st, err
	}
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM offline_messages WHERE is_delivered = 0`).Scan(&oldest); err != nil {
		return st, err
	}
	if oldest.Valid {
		st.OldestPendingAge = time.Since(time.Unix(oldest.Int64, 0))
	}
	return st, nil
}

// Vacuum reclaims disk space from deleted rows.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}
