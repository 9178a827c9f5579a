package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, zerolog.Nop()), mock
}

func TestCredentials(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT password_hashed, disabled FROM users`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"password_hashed", "disabled"}).
			AddRow("$2a$10$hash", false))

	creds, err := s.Credentials(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", creds.PasswordHash)
	assert.False(t, creds.Disabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT password_hashed, disabled FROM users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Credentials(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptions(t *testing.T) {
	tests := []struct {
		name   string
		stored interface{}
		want   map[string]struct{}
	}{
		{"populated", `["welcome","room"]`, map[string]struct{}{"welcome": {}, "room": {}}},
		{"empty string", "", map[string]struct{}{}},
		{"empty array", `[]`, map[string]struct{}{}},
		{"corrupt json", `{nope`, map[string]struct{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(`SELECT channels FROM users`).
				WithArgs("alice").
				WillReturnRows(sqlmock.NewRows([]string{"channels"}).AddRow(tt.stored))

			got, err := s.Subscriptions(context.Background(), "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscriptionsMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT channels FROM users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	got, err := s.Subscriptions(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT channels FROM users .* FOR UPDATE`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"channels"}).AddRow(`["welcome"]`))
	mock.ExpectExec(`UPDATE users SET channels`).
		WithArgs(`["room","welcome"]`, "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AddSubscription(context.Background(), "alice", "room"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSubscriptionIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	// Adding a channel already present rewrites the same set.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT channels FROM users .* FOR UPDATE`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"channels"}).AddRow(`["room","welcome"]`))
	mock.ExpectExec(`UPDATE users SET channels`).
		WithArgs(`["room","welcome"]`, "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AddSubscription(context.Background(), "alice", "room"))
}

func TestRemoveSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT channels FROM users .* FOR UPDATE`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"channels"}).AddRow(`["room","welcome"]`))
	mock.ExpectExec(`UPDATE users SET channels`).
		WithArgs(`["welcome"]`, "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.RemoveSubscription(context.Background(), "alice", "room"))
}

func TestInsertBatchCommitsAllRecords(t *testing.T) {
	s, mock := newMockStore(t)

	records := []ChatRecord{
		{Username: "alice", Channel: "room", Content: "a", SentAt: "2026-08-24T10:00:00+00:00"},
		{Username: "bob", Channel: "room", Content: "b", SentAt: "2026-08-24T10:00:01+00:00"},
	}

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare(`INSERT INTO messages`)
	for _, r := range records {
		stmt.ExpectExec().
			WithArgs(r.Username, r.Channel, r.Content, r.SentAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.InsertBatch(context.Background(), records))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	records := []ChatRecord{
		{Username: "alice", Channel: "room", Content: "a", SentAt: "t"},
		{Username: "bob", Channel: "room", Content: "b", SentAt: "t"},
	}

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare(`INSERT INTO messages`)
	stmt.ExpectExec().
		WithArgs("alice", "room", "a", "t").
		WillReturnResult(sqlmock.NewResult(1, 1))
	stmt.ExpectExec().
		WithArgs("bob", "room", "b", "t").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.InsertBatch(context.Background(), records)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	require.NoError(t, s.InsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("carol", sqlmock.AnyArg(), `["welcome"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateAccount(context.Background(), " carol ", "secret99"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccountDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("carol", sqlmock.AnyArg(), `["welcome"]`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateAccount(context.Background(), "carol", "secret99")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateAccountValidation(t *testing.T) {
	s, _ := newMockStore(t)

	assert.ErrorIs(t, s.CreateAccount(context.Background(), "ab", "secret99"), ErrInvalidAccount)
	assert.ErrorIs(t, s.CreateAccount(context.Background(), "carol", "short"), ErrInvalidAccount)
}

func TestHealth(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema.tables`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	ok, detail := s.Health(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "ok", detail)
}

func TestHealthMissingTable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema.tables`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, detail := s.Health(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "database schema incomplete", detail)
}
