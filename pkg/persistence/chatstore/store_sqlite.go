package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL, a busy timeout and foreign keys on.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  email TEXT NOT NULL UNIQUE,
		  password_hash TEXT NOT NULL,
		  name TEXT,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		  title TEXT NOT NULL DEFAULT 'New Chat',
		  model_id TEXT,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) check() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	return nil
}

func (s *SQLiteStore) nowMs() int64 {
	return s.now().UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string, name *string) (User, error) {
	if err := s.check(); err != nil {
		return User{}, err
	}
	email = strings.TrimSpace(email)
	if email == "" || passwordHash == "" {
		return User{}, errors.New("sqlite chat store: email and password hash are required")
	}
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, name, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, email, passwordHash, nullString(name), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, errors.Wrap(err, "sqlite chat store: insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, errors.Wrap(err, "sqlite chat store: user id")
	}
	return User{ID: id, Email: email, Name: name, PasswordHash: passwordHash, CreatedAt: fromMs(now)}, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := s.check(); err != nil {
		return User{}, err
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, created_at_ms FROM users WHERE email = ?
	`, strings.TrimSpace(email)))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	if err := s.check(); err != nil {
		return User{}, err
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, created_at_ms FROM users WHERE id = ?
	`, id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (User, error) {
	var (
		u       User
		name    sql.NullString
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, errors.Wrap(err, "sqlite chat store: scan user")
	}
	u.Name = stringPtr(name)
	u.CreatedAt = fromMs(created)
	return u, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model_id, created_at_ms, updated_at_ms
		FROM chats
		WHERE user_id = ?
		ORDER BY updated_at_ms DESC, id DESC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list chats")
	}
	defer func() { _ = rows.Close() }()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list chats")
	}
	return chats, nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, userID int64, title string, modelID *string) (Chat, error) {
	if err := s.check(); err != nil {
		return Chat{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	if modelID != nil && *modelID == "" {
		modelID = nil
	}
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (user_id, title, model_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, userID, title, nullString(modelID), now, now)
	if err != nil {
		return Chat{}, errors.Wrap(err, "sqlite chat store: insert chat")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, errors.Wrap(err, "sqlite chat store: chat id")
	}
	return Chat{ID: id, Title: title, ModelID: modelID, CreatedAt: fromMs(now), UpdatedAt: fromMs(now)}, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, userID, chatID int64) (Chat, error) {
	if err := s.check(); err != nil {
		return Chat{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model_id, created_at_ms, updated_at_ms
		FROM chats
		WHERE id = ? AND user_id = ?
	`, chatID, userID)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, userID, chatID int64, title string) (Chat, error) {
	if err := s.check(); err != nil {
		return Chat{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return Chat{}, errors.New("sqlite chat store: title is empty")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_at_ms = ?
		WHERE id = ? AND user_id = ?
	`, title, s.nowMs(), chatID, userID)
	if err != nil {
		return Chat{}, errors.Wrap(err, "sqlite chat store: update chat")
	}
	if n, err := res.RowsAffected(); err != nil {
		return Chat{}, errors.Wrap(err, "sqlite chat store: update chat")
	} else if n == 0 {
		return Chat{}, ErrNotFound
	}
	return s.GetChat(ctx, userID, chatID)
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID int64) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: delete chat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: delete chat")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, userID, chatID int64) ([]Message, error) {
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at_ms ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		m.CreatedAt = fromMs(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	return msgs, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, userID, chatID int64, role, content string) (Message, error) {
	if err := s.check(); err != nil {
		return Message{}, err
	}
	if role == "" || content == "" {
		return Message{}, errors.New("sqlite chat store: role and content are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMs()
	res, err := tx.ExecContext(ctx, `
		UPDATE chats SET updated_at_ms = ? WHERE id = ? AND user_id = ?
	`, now, chatID, userID)
	if err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: touch chat")
	}
	if n, err := res.RowsAffected(); err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: touch chat")
	} else if n == 0 {
		return Message{}, ErrNotFound
	}
	res, err = tx.ExecContext(ctx, `
		INSERT INTO messages (chat_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)
	`, chatID, role, content, now)
	if err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: message id")
	}
	if err := tx.Commit(); err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: commit")
	}
	return Message{ID: id, Role: role, Content: content, CreatedAt: fromMs(now)}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (Chat, error) {
	var (
		c                Chat
		modelID          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Title, &modelID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, err
		}
		return Chat{}, errors.Wrap(err, "sqlite chat store: scan chat")
	}
	c.ModelID = stringPtr(modelID)
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(updated)
	return c, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
