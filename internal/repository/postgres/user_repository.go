package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kaftw/newsletter/internal/domain/user"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*user.Credentials, error) {
	c := &user.Credentials{}
	err := ConnFromCtx(ctx, r.pool).QueryRow(ctx,
		`SELECT user_id, username, password_hash FROM users WHERE username = $1`, username,
	).Scan(&c.UserID, &c.Username, &c.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return c, nil
}
