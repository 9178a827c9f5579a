// Package store persists accounts and batched chat messages in Postgres.
// Two tables: users (credentials plus a JSON-serialized channel set) and
// messages (one row per chat message), with a secondary index on
// messages.channel. The store never retries; retry policy belongs to the
// batcher.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/auth"
)

var (
	// ErrNotFound is returned when a username has no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating an account whose username is taken.
	ErrDuplicate = errors.New("store: username already exists")

	// ErrInvalidAccount is returned for usernames or passwords outside their bounds.
	ErrInvalidAccount = errors.New("store: invalid account details")
)

// ChatRecord is one persisted chat message. SentAt is stamped by the hub at
// dispatch time and stored verbatim.
type ChatRecord struct {
	Username string `json:"username"`
	Channel  string `json:"channel"`
	Content  string `json:"content"`
	SentAt   string `json:"sent_at"`
}

// Credentials is the handshake-time account lookup result.
type Credentials struct {
	PasswordHash string
	Disabled     bool
}

// Config holds database connection settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default pool settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store wraps the SQL connection pool.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Dur("conn_max_lifetime", cfg.ConnMaxLifetime).
		Msg("Database connected")

	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password_hashed TEXT NOT NULL,
	disabled BOOLEAN NOT NULL DEFAULT FALSE,
	channels TEXT NOT NULL DEFAULT '[]',
	creation_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	sent_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages (channel);
`

// EnsureSchema creates the tables and index if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Credentials looks up the password hash and disabled flag for a username.
// Returns ErrNotFound for unknown accounts.
func (s *Store) Credentials(ctx context.Context, username string) (Credentials, error) {
	var creds Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hashed, disabled FROM users WHERE username = $1`,
		username,
	).Scan(&creds.PasswordHash, &creds.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Credentials query failed")
		return Credentials{}, fmt.Errorf("credentials query: %w", err)
	}
	return creds, nil
}

// Subscriptions returns the persisted channel set for a username. A missing
// row or an empty stored value yields an empty set.
func (s *Store) Subscriptions(ctx context.Context, username string) (map[string]struct{}, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT channels FROM users WHERE username = $1`,
		username,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Subscriptions query failed")
		return nil, fmt.Errorf("subscriptions query: %w", err)
	}
	return decodeChannels(raw.String), nil
}

// AddSubscription adds a channel to the user's persisted set. Idempotent.
func (s *Store) AddSubscription(ctx context.Context, username, channel string) error {
	return s.updateChannels(ctx, username, func(channels map[string]struct{}) {
		channels[channel] = struct{}{}
	})
}

// RemoveSubscription removes a channel from the user's persisted set. Idempotent.
func (s *Store) RemoveSubscription(ctx context.Context, username, channel string) error {
	return s.updateChannels(ctx, username, func(channels map[string]struct{}) {
		delete(channels, channel)
	})
}

// updateChannels applies mutate to the stored channel set inside a
// transaction, locking the row so concurrent updates serialize.
func (s *Store) updateChannels(ctx context.Context, username string, mutate func(map[string]struct{})) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin channels update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT channels FROM users WHERE username = $1 FOR UPDATE`,
		username,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Channels select failed")
		return fmt.Errorf("channels select: %w", err)
	}

	channels := decodeChannels(raw.String)
	mutate(channels)

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET channels = $1 WHERE username = $2`,
		encodeChannels(channels), username,
	); err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Channels update failed")
		return fmt.Errorf("channels update: %w", err)
	}
	return tx.Commit()
}

// InsertBatch writes the records in a single transaction. On any failure
// nothing is written and the caller keeps the batch.
func (s *Store) InsertBatch(ctx context.Context, records []ChatRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (username, channel, content, sent_at) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Username, r.Channel, r.Content, r.SentAt); err != nil {
			s.logger.Error().Err(err).
				Str("username", r.Username).
				Str("channel", r.Channel).
				Msg("Batch insert failed, rolling back")
			return fmt.Errorf("batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

// CreateAccount registers a new account with the default channel set.
func (s *Store) CreateAccount(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 50 {
		return fmt.Errorf("%w: username must be 3-50 characters", ErrInvalidAccount)
	}
	if len(password) < 6 || len(password) > 255 {
		return fmt.Errorf("%w: password must be 6-255 characters", ErrInvalidAccount)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// New accounts start subscribed to the welcome channel.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hashed, channels) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO NOTHING`,
		username, hash, `["welcome"]`,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Account insert failed")
		return fmt.Errorf("account insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account insert result: %w", err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

// Health verifies both tables exist.
func (s *Store) Health(ctx context.Context) (bool, string) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('users', 'messages')`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Sprintf("database unreachable: %v", err)
	}
	if count < 2 {
		return false, "database schema incomplete"
	}
	return true, "ok"
}

func decodeChannels(raw string) map[string]struct{} {
	channels := map[string]struct{}{}
	if raw == "" {
		return channels
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		// A corrupt column value reads as empty rather than failing the
		// handshake.
		return channels
	}
	for _, c := range list {
		channels[c] = struct{}{}
	}
	return channels
}

func encodeChannels(channels map[string]struct{}) string {
	list := make([]string, 0, len(channels))
	for c := range channels {
		list = append(list, c)
	}
	sort.Strings(list)
	b, _ := json.Marshal(list)
	return string(b)
}
