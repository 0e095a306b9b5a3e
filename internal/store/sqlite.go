package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Connection options appended to every DSN: cascades need foreign keys,
// and concurrent writers wait on the lock instead of failing with SQLITE_BUSY.
const dsnOptions = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withOptions(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withOptions(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + dsnOptions
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + "?" + dsnOptions
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        email TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL UNIQUE,
        owner_email TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (owner_email) REFERENCES users (email) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions (owner_email);

    CREATE TABLE IF NOT EXISTS exchanges (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        message_id TEXT NOT NULL UNIQUE,
        session_id TEXT NOT NULL,
        query TEXT NOT NULL,
        response TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (session_id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges (session_id, id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	user := User{Email: email, Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, name, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.Email, user.Name, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		"SELECT email, name, password_hash, created_at FROM users WHERE email = ?", email).
		Scan(&user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes the user together with all of their sessions and exchanges.
func (s *SQLiteStore) DeleteUser(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE email = ?", email); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// Session methods

// EnsureSession returns the session with sessionID, creating it for ownerEmail
// if it does not exist yet. An existing session is returned unchanged.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID, ownerEmail string) (*Session, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (session_id, owner_email, created_at) VALUES (?, ?, ?) ON CONFLICT (session_id) DO NOTHING",
		sessionID, ownerEmail, time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrReferential
		}
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s vanished after insert", sessionID)
	}
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, owner_email, created_at FROM sessions WHERE session_id = ?", sessionID).
		Scan(&session.SessionID, &session.OwnerEmail, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// ClearOwner deletes every session owned by ownerEmail, and through the
// cascade their exchanges, in a single transaction.
func (s *SQLiteStore) ClearOwner(ctx context.Context, ownerEmail string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM exchanges WHERE session_id IN (SELECT session_id FROM sessions WHERE owner_email = ?)",
		ownerEmail); err != nil {
		return 0, fmt.Errorf("failed to delete exchanges: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE owner_email = ?", ownerEmail)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit clear transaction: %w", err)
	}
	return removed, nil
}

// Exchange methods

// AppendExchange inserts ex. It fails with ErrDuplicateMessage when the
// message id was already recorded and ErrReferential when the session is missing.
func (s *SQLiteStore) AppendExchange(ctx context.Context, ex *Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO exchanges (message_id, session_id, query, response, created_at) VALUES (?, ?, ?, ?, ?)",
		ex.MessageID, ex.SessionID, ex.Query, ex.Response, ex.CreatedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrDuplicateMessage
		case isForeignKeyViolation(err):
			return ErrReferential
		}
		return fmt.Errorf("failed to insert exchange: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExchange(ctx context.Context, messageID string) (*Exchange, error) {
	var ex Exchange
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id, session_id, query, response, created_at FROM exchanges WHERE message_id = ?", messageID).
		Scan(&ex.MessageID, &ex.SessionID, &ex.Query, &ex.Response, &ex.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get exchange: %w", err)
	}
	return &ex, nil
}

func (s *SQLiteStore) ListExchangesBySession(ctx context.Context, sessionID string) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, session_id, query, response, created_at FROM exchanges WHERE session_id = ? ORDER BY id ASC",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	return scanExchanges(rows)
}

// SummarizeByOwner returns the earliest exchange of each session owned by
// ownerEmail, most recently created session first.
func (s *SQLiteStore) SummarizeByOwner(ctx context.Context, ownerEmail string) ([]Exchange, error) {
	query := `
        SELECT e.message_id, e.session_id, e.query, e.response, e.created_at
        FROM sessions s
        JOIN exchanges e ON e.id = (
            SELECT MIN(id) FROM exchanges WHERE session_id = s.session_id
        )
        WHERE s.owner_email = ?
        ORDER BY s.id DESC
    `
	rows, err := s.db.QueryContext(ctx, query, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query session summaries: %w", err)
	}
	return scanExchanges(rows)
}

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.MessageID, &ex.SessionID, &ex.Query, &ex.Response, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange row: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exchanges: %w", err)
	}
	return exchanges, nil
}
