package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteStore keeps sessions in a local SQLite file. It only gives the
// multi-replica guarantees of the Redis store when every replica shares the
// file, so it is intended for single-node deployments and development.
type sqliteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore opens (and if needed creates) the session database.
func NewSQLiteStore(dbPath string, ttl time.Duration) (Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes from concurrent requests serialize on a single connection,
	// which keeps each Set a whole-value replace.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)")

	return &sqliteStore{db: db, ttl: ttl}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (*AuthState, error) {
	var (
		data      string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, expires_at FROM sessions WHERE key = ?", key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		// Entry outlived its TTL; drop it lazily.
		s.db.ExecContext(ctx, "DELETE FROM sessions WHERE key = ?", key)
		return nil, nil
	}
	return decodeAuthState([]byte(data))
}

func (s *sqliteStore) New(ctx context.Context, auth *AuthState) (string, error) {
	key := uuid.NewString()
	if err := s.Set(ctx, key, auth); err != nil {
		return "", err
	}
	return key, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, auth *AuthState) error {
	data, err := encodeAuthState(auth)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (key, data, expires_at) VALUES (?, ?, ?)",
		key, string(data), time.Now().Add(s.ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
