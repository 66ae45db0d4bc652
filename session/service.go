package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hatcher/hatch/pubsub"
	"github.com/hatcher/hatch/storage"
)

type Service interface {
	pubsub.Subscriber[Session]

	Create(ctx context.Context, title, workingDir string) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	Save(ctx context.Context, sess Session) (Session, error)
	Delete(ctx context.Context, id string) error
	// Fork copies the session and its first truncateAt messages into a new
	// session; truncateAt < 0 keeps the full history.
	Fork(ctx context.Context, id string, truncateAt int) (Session, error)
	Flush(ctx context.Context, id string) error
}

type service struct {
	*pubsub.Broker[Session]
	q storage.Querier
}

func NewService(q storage.Querier) Service {
	return &service{
		Broker: pubsub.NewBroker[Session](),
		q:      q,
	}
}

func (s *service) Create(ctx context.Context, title, workingDir string) (Session, error) {
	row, err := s.q.CreateSession(ctx, storage.CreateSessionArgs{
		ID:         uuid.NewString(),
		Title:      title,
		WorkingDir: workingDir,
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	sess, err := fromStorage(row)
	if err != nil {
		return Session{}, err
	}
	s.Publish(pubsub.CreatedEvent, sess)
	return sess, nil
}

func (s *service) Get(ctx context.Context, id string) (Session, error) {
	row, err := s.q.GetSessionByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return fromStorage(row)
}

func (s *service) List(ctx context.Context) ([]Session, error) {
	rows, err := s.q.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		sess, err := fromStorage(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *service) Save(ctx context.Context, sess Session) (Session, error) {
	args, err := toUpdateArgs(sess)
	if err != nil {
		return Session{}, err
	}
	row, err := s.q.UpdateSession(ctx, args)
	if err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	saved, err := fromStorage(row)
	if err != nil {
		return Session{}, err
	}
	s.Publish(pubsub.UpdatedEvent, saved)
	return saved, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.q.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.Publish(pubsub.DeletedEvent, sess)
	return nil
}

func (s *service) Fork(ctx context.Context, id string, truncateAt int) (Session, error) {
	row, err := s.q.ForkSession(ctx, storage.ForkSessionArgs{
		SourceID:   id,
		NewID:      uuid.NewString(),
		TruncateAt: truncateAt,
	})
	if err != nil {
		return Session{}, fmt.Errorf("fork session %s: %w", id, err)
	}
	sess, err := fromStorage(row)
	if err != nil {
		return Session{}, err
	}
	s.Publish(pubsub.CreatedEvent, sess)
	return sess, nil
}

func (s *service) Flush(ctx context.Context, id string) error {
	return s.q.Flush(ctx, id)
}

func fromStorage(row storage.Session) (Session, error) {
	sess := Session{
		ID:               row.ID,
		ParentSessionID:  row.ParentSessionID,
		Title:            row.Title,
		WorkingDir:       row.WorkingDir,
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		SummaryMessageID: row.SummaryMessageID,
		Cost:             row.Cost,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if len(row.Todos) > 0 {
		if err := json.Unmarshal(row.Todos, &sess.Todos); err != nil {
			return Session{}, fmt.Errorf("decode todos for %s: %w", row.ID, err)
		}
	}
	if len(row.Usage) > 0 {
		if err := json.Unmarshal(row.Usage, &sess.Usage); err != nil {
			return Session{}, fmt.Errorf("decode usage for %s: %w", row.ID, err)
		}
	}
	if len(row.PermissionMemory) > 0 {
		if err := json.Unmarshal(row.PermissionMemory, &sess.PermissionMemory); err != nil {
			return Session{}, fmt.Errorf("decode permission memory for %s: %w", row.ID, err)
		}
	}
	return sess, nil
}

func toUpdateArgs(sess Session) (storage.UpdateSessionArgs, error) {
	args := storage.UpdateSessionArgs{
		ID:               sess.ID,
		Title:            sess.Title,
		WorkingDir:       sess.WorkingDir,
		PromptTokens:     sess.PromptTokens,
		CompletionTokens: sess.CompletionTokens,
		Cost:             sess.Cost,
		SummaryMessageID: sess.SummaryMessageID,
	}
	var err error
	if sess.Todos != nil {
		if args.Todos, err = json.Marshal(sess.Todos); err != nil {
			return args, err
		}
	}
	if sess.Usage != nil {
		if args.Usage, err = json.Marshal(sess.Usage); err != nil {
			return args, err
		}
	}
	if sess.PermissionMemory != nil {
		if args.PermissionMemory, err = json.Marshal(sess.PermissionMemory); err != nil {
			return args, err
		}
	}
	return args, nil
}
