package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"gatehouse.dev/internal/ids"
)

var _ UserStore = (*PGStore)(nil)

const userColumns = `id, email, password_hash, role, coalesce(first_name, ''), coalesce(last_name, ''), created_at, updated_at, deleted_at`

// PGStore implements UserStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	u.Email = NormalizeEmail(u.Email)
	row := s.db.QueryRowContext(ctx,
		`insert into users(id, email, password_hash, role, first_name, last_name)
		 values($1,$2,$3,$4,nullif($5,''),nullif($6,''))
		 returning created_at, updated_at`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.FirstName, u.LastName,
	)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrEmailUsed
		}
		return err
	}
	return nil
}

func (s *PGStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, NormalizeEmail(email))
	return scanUser(row)
}

func (s *PGStore) List(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users where deleted_at is null order by created_at, id limit $1 offset $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PGStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PGStore) Reactivate(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, role=$3, deleted_at=null, updated_at=now() where id=$1`,
		userID, passwordHash, string(RoleUser))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		password  sql.NullString
		role      string
		deletedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &password, &role, &u.FirstName, &u.LastName, &u.CreatedAt, &u.UpdatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if password.Valid {
		u.PasswordHash = &password.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		u.DeletedAt = &t
	}
	u.Role = ParseRole(role)
	if u.Role == "" {
		return nil, fmt.Errorf("auth: user %s has unknown role %q", u.ID, role)
	}
	return &u, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
