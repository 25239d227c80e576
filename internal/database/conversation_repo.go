package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// conversationRepo implements ConversationRepository.
type conversationRepo struct {
	db *DB
}

// NewConversationRepo creates a new conversation repository.
func NewConversationRepo(db *DB) ConversationRepository {
	return &conversationRepo{db: db}
}

func (r *conversationRepo) Create(ctx context.Context, conv *Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.Tags == nil {
		conv.Tags = []string{}
	}
	err := r.db.pool.QueryRow(ctx, ConversationInsert,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.Tags,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", WrapDBError(err))
	}
	return nil
}

func (r *conversationRepo) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	conv := &Conversation{}
	err := r.db.pool.QueryRow(ctx, ConversationGetByID, id).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.Tags,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *conversationRepo) Tag(ctx context.Context, id uuid.UUID, title string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	result, err := r.db.pool.Exec(ctx, ConversationTag, id, title, tags)
	if err != nil {
		return fmt.Errorf("failed to tag conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepo) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ContentType == "" {
		msg.ContentType = "text"
	}
	err := r.db.pool.QueryRow(ctx, MessageInsert,
		msg.ID,
		msg.ConversationID,
		msg.ParentID,
		msg.AgentID,
		msg.Role,
		msg.Content,
		msg.ContentType,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", WrapDBError(err))
	}
	return nil
}

func (r *conversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := r.db.pool.Query(ctx, MessageListByConversation, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.ParentID,
			&msg.AgentID,
			&msg.Role,
			&msg.Content,
			&msg.ContentType,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
