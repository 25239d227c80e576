package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// workflowRepo implements WorkflowRepository. Node and edge lists are stored
// as jsonb columns; the graph is always read and written whole.
type workflowRepo struct {
	db *DB
}

// NewWorkflowRepo creates a new workflow repository.
func NewWorkflowRepo(db *DB) WorkflowRepository {
	return &workflowRepo{db: db}
}

func (r *workflowRepo) Create(ctx context.Context, wf *Workflow) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	nodes, edges, err := marshalGraph(wf.Nodes, wf.Edges)
	if err != nil {
		return err
	}
	err = r.db.pool.QueryRow(ctx, WorkflowInsert,
		wf.ID,
		wf.UserID,
		wf.Name,
		nodes,
		edges,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", WrapDBError(err))
	}
	return nil
}

func (r *workflowRepo) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	wf := &Workflow{}
	var nodes, edges []byte
	err := r.db.pool.QueryRow(ctx, WorkflowGetByID, id).Scan(
		&wf.ID,
		&wf.UserID,
		&wf.Name,
		&nodes,
		&edges,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if err := unmarshalGraph(nodes, edges, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *workflowRepo) Update(ctx context.Context, wf *Workflow) error {
	nodes, edges, err := marshalGraph(wf.Nodes, wf.Edges)
	if err != nil {
		return err
	}
	err = r.db.pool.QueryRow(ctx, WorkflowUpdate,
		wf.ID,
		wf.Name,
		nodes,
		edges,
	).Scan(&wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update workflow: %w", WrapDBError(err))
	}
	return nil
}

func (r *workflowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, WorkflowDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *workflowRepo) ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Workflow, error) {
	rows, err := r.db.pool.Query(ctx, WorkflowListByUser, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []Workflow
	for rows.Next() {
		var wf Workflow
		var nodes, edges []byte
		if err := rows.Scan(
			&wf.ID,
			&wf.UserID,
			&wf.Name,
			&nodes,
			&edges,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if err := unmarshalGraph(nodes, edges, &wf); err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func marshalGraph(nodes []WorkflowNode, edges []WorkflowEdge) ([]byte, []byte, error) {
	if nodes == nil {
		nodes = []WorkflowNode{}
	}
	if edges == nil {
		edges = []WorkflowEdge{}
	}
	nodeJSON, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal workflow nodes: %w", err)
	}
	edgeJSON, err := json.Marshal(edges)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal workflow edges: %w", err)
	}
	return nodeJSON, edgeJSON, nil
}

func unmarshalGraph(nodes, edges []byte, wf *Workflow) error {
	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return fmt.Errorf("failed to unmarshal workflow nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &wf.Edges); err != nil {
		return fmt.Errorf("failed to unmarshal workflow edges: %w", err)
	}
	return nil
}
