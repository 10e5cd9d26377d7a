package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
)

const userCols = `id, username, display_name, avatar_url, created_at`

// UserRepository is the user directory: id -> display fields.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.CreatedAt)
}

// Create inserts a user; an existing id is left untouched (dev seeding is re-runnable).
func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, display_name, avatar_url, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// GetPublicMany resolves display fields for ids. Unknown ids are skipped.
func (r *UserRepository) GetPublicMany(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.GetPublicMany", time.Now())()
	out := make(map[string]model.UserPublic, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetPublicMany query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.GetPublicMany scan: %w", err)
		}
		out[u.ID] = u.ToPublic()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetPublicMany rows: %w", err)
	}
	return out, nil
}
