package message

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hatcher/hatch/pubsub"
	"github.com/hatcher/hatch/storage"
)

type CreateMessageParams struct {
	Role             MessageRole
	Parts            []ContentPart
	Model            string
	Provider         string
	IsSummaryMessage bool
}

type Service interface {
	pubsub.Subscriber[Message]

	Create(ctx context.Context, sessionID string, params CreateMessageParams) (Message, error)
	Update(ctx context.Context, msg Message) error
	Get(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, sessionID string) ([]Message, error)
	Delete(ctx context.Context, id string) error
	// ReplacePrefix substitutes messages[:count] of a session with the given
	// summary message, preserving the suffix.
	ReplacePrefix(ctx context.Context, sessionID string, count int, summary Message) (Message, error)
}

type service struct {
	*pubsub.Broker[Message]
	q storage.Querier
}

func NewService(q storage.Querier) Service {
	return &service{
		Broker: pubsub.NewBroker[Message](),
		q:      q,
	}
}

func (s *service) Create(ctx context.Context, sessionID string, params CreateMessageParams) (Message, error) {
	parts, err := MarshalParts(params.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("marshal parts: %w", err)
	}
	row, err := s.q.CreateMessage(ctx, storage.CreateMessageArgs{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Role:             string(params.Role),
		Parts:            parts,
		Model:            params.Model,
		Provider:         params.Provider,
		IsSummaryMessage: params.IsSummaryMessage,
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	msg, err := fromStorage(row)
	if err != nil {
		return Message{}, err
	}
	s.Publish(pubsub.CreatedEvent, msg)
	return msg, nil
}

func (s *service) Update(ctx context.Context, msg Message) error {
	parts, err := MarshalParts(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	if err := s.q.UpdateMessage(ctx, storage.UpdateMessageArgs{
		ID:    msg.ID,
		Parts: parts,
	}); err != nil {
		return err
	}
	s.Publish(pubsub.UpdatedEvent, msg)
	return nil
}

func (s *service) Get(ctx context.Context, id string) (Message, error) {
	row, err := s.q.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	return fromStorage(row)
}

func (s *service) List(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.q.ListMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := fromStorage(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.q.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.Publish(pubsub.DeletedEvent, msg)
	return nil
}

func (s *service) ReplacePrefix(ctx context.Context, sessionID string, count int, summary Message) (Message, error) {
	parts, err := MarshalParts(summary.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("marshal parts: %w", err)
	}
	row, err := s.q.ReplaceMessagePrefix(ctx, sessionID, count, storage.CreateMessageArgs{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Role:             string(summary.Role),
		Parts:            parts,
		Model:            summary.Model,
		Provider:         summary.Provider,
		IsSummaryMessage: true,
	})
	if err != nil {
		return Message{}, fmt.Errorf("replace message prefix: %w", err)
	}
	msg, err := fromStorage(row)
	if err != nil {
		return Message{}, err
	}
	s.Publish(pubsub.CreatedEvent, msg)
	return msg, nil
}

func fromStorage(row storage.Message) (Message, error) {
	parts, err := UnmarshalParts(row.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("decode parts for %s: %w", row.ID, err)
	}
	return Message{
		ID:               row.ID,
		SessionID:        row.SessionID,
		Role:             MessageRole(row.Role),
		Parts:            parts,
		Model:            row.Model,
		Provider:         row.Provider,
		IsSummaryMessage: row.IsSummaryMessage,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}
