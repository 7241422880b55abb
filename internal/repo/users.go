package repo

import (
	"context"
	"database/sql"
	"errors"

	"gigline/internal/domain"
)

// GetUser returns the user record for an address, without creating one.
func (r Repo) GetUser(ctx context.Context, address string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT address,reputation,created_at FROM users WHERE address=?`, address).
		Scan(&u.Address, &u.Reputation, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// GetOrCreateUser returns the existing record or inserts a fresh one with
// reputation 0. The upsert-then-select makes concurrent identical calls
// converge on a single row; uniqueness is enforced by the primary key.
// The second return reports whether a new row was inserted.
func (r Repo) GetOrCreateUser(ctx context.Context, address string) (domain.User, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(address,reputation,created_at) VALUES (?,0,?)
ON CONFLICT(address) DO NOTHING`, address, now())
	if err != nil {
		return domain.User{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.User{}, false, err
	}
	u, err := r.GetUser(ctx, address)
	return u, n > 0, err
}
