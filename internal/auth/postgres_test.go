package auth

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userRowColumns = []string{"id", "email", "password_hash", "role", "first_name", "last_name", "created_at", "updated_at", "deleted_at"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	hash := "hash"

	mock.ExpectQuery(regexp.QuoteMeta(`insert into users(id, email, password_hash, role, first_name, last_name)`)).
		WithArgs(sqlmock.AnyArg(), "bob@example.com", sqlmock.AnyArg(), "USER", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	u := &User{Email: "Bob@Example.com", PasswordHash: &hash}
	require.NoError(t, store.Create(ctx, u))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "bob@example.com", u.Email)
	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, now, u.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`insert into users`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Create(context.Background(), &User{Email: "bob@example.com"})
	assert.ErrorIs(t, err, ErrEmailUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	deleted := now.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`from users where email=$1`)).
		WithArgs("bob@example.com").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "bob@example.com", nil, "admin", "Bob", "", now, now, deleted))

	u, err := store.FindByEmail(context.Background(), " BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Nil(t, u.PasswordHash)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.Equal(t, "Bob", u.FirstName)
	require.NotNil(t, u.DeletedAt)
	assert.False(t, u.Active())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`from users where id=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreFindUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`from users where id=$1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "bob@example.com", "hash", "ROOT", "", "", now, now, nil))

	_, err := store.Find(context.Background(), "u1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`where deleted_at is null order by created_at, id limit $1 offset $2`)).
		WithArgs(10, 20).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "a@example.com", "h1", "USER", "", "", now, now, nil).
			AddRow("u2", "b@example.com", "h2", "ADMIN", "", "", now, now, nil))

	users, err := store.List(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[1].ID)
	require.NotNil(t, users[0].PasswordHash)
	assert.Equal(t, "h1", *users[0].PasswordHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreUpdatePassword(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`update users set password_hash=$2`)).
		WithArgs("u1", "newhash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`update users set password_hash=$2`)).
		WithArgs("ghost", "newhash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.UpdatePassword(context.Background(), "u1", "newhash"))
	assert.ErrorIs(t, store.UpdatePassword(context.Background(), "ghost", "newhash"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreReactivate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`deleted_at=null`)).
		WithArgs("u1", "newhash", "USER").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Reactivate(context.Background(), "u1", "newhash"))
	require.NoError(t, mock.ExpectationsWereMet())
}
