package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepo creates a new agent repository.
func NewAgentRepo(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

func (r *agentRepo) Get(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return r.scanOne(r.db.pool.QueryRow(ctx, AgentGetByID, id))
}

func (r *agentRepo) GetByName(ctx context.Context, name string) (*Agent, error) {
	return r.scanOne(r.db.pool.QueryRow(ctx, AgentGetByName, name))
}

func (r *agentRepo) List(ctx context.Context, page Pagination) ([]Agent, error) {
	rows, err := r.db.pool.Query(ctx, AgentList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var agent Agent
		if err := rows.Scan(
			&agent.ID,
			&agent.OwnerID,
			&agent.Name,
			&agent.Description,
			&agent.Model,
			&agent.Tools,
			&agent.CreatedAt,
			&agent.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (r *agentRepo) scanOne(row pgx.Row) (*Agent, error) {
	agent := &Agent{}
	err := row.Scan(
		&agent.ID,
		&agent.OwnerID,
		&agent.Name,
		&agent.Description,
		&agent.Model,
		&agent.Tools,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}
