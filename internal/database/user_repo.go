package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepo creates a new user repository.
func NewUserRepo(db *DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	user := &User{}
	err := r.db.pool.QueryRow(ctx, UserGetByID, id).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Timezone,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// promptRepo implements PromptRepository.
type promptRepo struct {
	db *DB
}

// NewPromptRepo creates a new prompt repository.
func NewPromptRepo(db *DB) PromptRepository {
	return &promptRepo{db: db}
}

func (r *promptRepo) Get(ctx context.Context, id uuid.UUID) (*Prompt, error) {
	prompt := &Prompt{}
	err := r.db.pool.QueryRow(ctx, PromptGetByID, id).Scan(
		&prompt.ID,
		&prompt.OwnerID,
		&prompt.Name,
		&prompt.Text,
		&prompt.CreatedAt,
		&prompt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return prompt, nil
}
