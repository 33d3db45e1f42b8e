package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("disk I/O error")

func TestStoresWrapBackendErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	users := NewUserStore(db)
	sessions := NewSessionStore(db)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE email = ?").
		WithArgs("alice@example.com").
		WillReturnError(errBackend)
	u, err := users.GetByEmail(ctx, "alice@example.com")
	assert.Nil(t, u)
	assert.ErrorIs(t, err, errBackend)

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(errBackend)
	u, err = users.Create(ctx, "alice@example.com", "hash", "Alice")
	assert.Nil(t, u)
	assert.ErrorIs(t, err, errBackend)
	assert.NotErrorIs(t, err, ErrDuplicateEmail)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE token = \\? AND active = 1").
		WithArgs("tok").
		WillReturnError(errBackend)
	s, err := sessions.GetActiveByToken(ctx, "tok")
	assert.Nil(t, s)
	assert.ErrorIs(t, err, errBackend)

	mock.ExpectExec("UPDATE sessions SET active = 0 WHERE token = ?").
		WithArgs("tok").
		WillReturnError(errBackend)
	assert.ErrorIs(t, sessions.Deactivate(ctx, "tok"), errBackend)

	mock.ExpectExec("DELETE FROM sessions WHERE expires_at <= ?").
		WillReturnError(errBackend)
	_, err = sessions.DeleteExpired(ctx, time.Now())
	assert.ErrorIs(t, err, errBackend)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserCreateMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)"))

	_, err = NewUserStore(db).Create(context.Background(), "alice@example.com", "hash", "Alice")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}
