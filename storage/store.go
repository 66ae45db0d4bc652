// Package storage persists sessions as one JSON document per session,
// named by session ID, under a data directory. Writes are atomic (temp
// file + rename) so a failed write never clobbers the previous snapshot.
// The in-memory copy is authoritative between flushes; callers flush at
// turn boundaries, never mid-dispatch.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupted wraps read/parse failures of an existing session file.
	// The file on disk is left untouched for diagnosis.
	ErrCorrupted = errors.New("storage: session file corrupted")
)

// Querier is the persistence surface consumed by the session and message
// services.
type Querier interface {
	CreateSession(ctx context.Context, args CreateSessionArgs) (Session, error)
	GetSessionByID(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSession(ctx context.Context, args UpdateSessionArgs) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ForkSession(ctx context.Context, args ForkSessionArgs) (Session, error)

	CreateMessage(ctx context.Context, args CreateMessageArgs) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessagesBySession(ctx context.Context, sessionID string) ([]Message, error)
	UpdateMessage(ctx context.Context, args UpdateMessageArgs) error
	DeleteMessage(ctx context.Context, id string) error
	// ReplaceMessagePrefix atomically replaces messages[:endExclusive] with
	// a single summary message. Used by compaction only.
	ReplaceMessagePrefix(ctx context.Context, sessionID string, endExclusive int, summary CreateMessageArgs) (Message, error)

	Flush(ctx context.Context, sessionID string) error
	FlushAll(ctx context.Context) error
}

type fileStore struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*sessionFile
	msgIndex map[string]string // message ID -> session ID
}

// NewFileStore opens (creating if needed) a file-backed store rooted at dir.
func NewFileStore(dir string) (Querier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &fileStore{
		dir:      dir,
		sessions: make(map[string]*sessionFile),
		msgIndex: make(map[string]string),
	}, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func now() int64 { return time.Now().Unix() }

// load pulls a session file into memory if it is not already cached.
// Callers must hold the write lock.
func (s *fileStore) load(id string) (*sessionFile, error) {
	if sf, ok := s.sessions[id]; ok {
		return sf, nil
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	s.sessions[id] = &sf
	for _, m := range sf.Messages {
		s.msgIndex[m.ID] = id
	}
	return &sf, nil
}

// write serializes a session file atomically. On any failure the previous
// on-disk snapshot is left intact.
func (s *fileStore) write(sf *sessionFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, sf.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, sf.ID+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(sf.ID)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fileStore) CreateSession(_ context.Context, args CreateSessionArgs) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(args.ID); err == nil {
		return Session{}, fmt.Errorf("session already exists: %s", args.ID)
	}

	ts := now()
	sf := &sessionFile{
		Session: Session{
			ID:              args.ID,
			ParentSessionID: args.ParentSessionID,
			Title:           args.Title,
			WorkingDir:      args.WorkingDir,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		},
	}
	s.sessions[args.ID] = sf
	if err := s.write(sf); err != nil {
		return Session{}, err
	}
	return sf.Session, nil
}

func (s *fileStore) GetSessionByID(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(id)
	if err != nil {
		return Session{}, err
	}
	return sf.Session, nil
}

func (s *fileStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var sessions []Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		sf, err := s.load(id)
		if err != nil {
			// A corrupt file must not hide the rest of the listing.
			continue
		}
		sessions = append(sessions, sf.Session)
		seen[id] = true
	}
	// Include sessions created but not yet flushed.
	for id, sf := range s.sessions {
		if !seen[id] {
			sessions = append(sessions, sf.Session)
		}
	}
	slices.SortFunc(sessions, func(a, b Session) int {
		return int(b.UpdatedAt - a.UpdatedAt)
	})
	return sessions, nil
}

func (s *fileStore) UpdateSession(_ context.Context, args UpdateSessionArgs) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(args.ID)
	if err != nil {
		return Session{}, err
	}
	sf.Title = args.Title
	sf.WorkingDir = args.WorkingDir
	sf.PromptTokens = args.PromptTokens
	sf.CompletionTokens = args.CompletionTokens
	sf.Cost = args.Cost
	sf.SummaryMessageID = args.SummaryMessageID
	sf.Todos = args.Todos
	sf.Usage = args.Usage
	sf.PermissionMemory = args.PermissionMemory
	sf.UpdatedAt = now()
	return sf.Session, nil
}

func (s *fileStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(id)
	if err != nil {
		return err
	}
	for _, m := range sf.Messages {
		delete(s.msgIndex, m.ID)
	}
	delete(s.sessions, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fileStore) ForkSession(_ context.Context, args ForkSessionArgs) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.load(args.SourceID)
	if err != nil {
		return Session{}, err
	}

	ts := now()
	fork := &sessionFile{Session: src.Session}
	fork.ID = args.NewID
	fork.ParentSessionID = src.ID
	fork.CreatedAt = ts
	fork.UpdatedAt = ts

	msgs := src.Messages
	if args.TruncateAt >= 0 && args.TruncateAt < len(msgs) {
		msgs = msgs[:args.TruncateAt]
	}
	fork.Messages = make([]Message, len(msgs))
	for i, m := range msgs {
		cp := m
		cp.SessionID = args.NewID
		cp.Parts = slices.Clone(m.Parts)
		fork.Messages[i] = cp
	}

	if err := s.write(fork); err != nil {
		return Session{}, err
	}
	s.sessions[args.NewID] = fork
	return fork.Session, nil
}

func (s *fileStore) CreateMessage(_ context.Context, args CreateMessageArgs) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(args.SessionID)
	if err != nil {
		return Message{}, err
	}
	ts := now()
	msg := Message{
		ID:               args.ID,
		SessionID:        args.SessionID,
		Role:             args.Role,
		Parts:            args.Parts,
		Model:            args.Model,
		Provider:         args.Provider,
		IsSummaryMessage: args.IsSummaryMessage,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	sf.Messages = append(sf.Messages, msg)
	sf.UpdatedAt = ts
	s.msgIndex[msg.ID] = args.SessionID
	return msg, nil
}

func (s *fileStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, _, err := s.findMessage(id)
	if err != nil {
		return Message{}, err
	}
	return *msg, nil
}

// findMessage locates a message by ID. Callers must hold the write lock.
func (s *fileStore) findMessage(id string) (*Message, *sessionFile, error) {
	sessionID, ok := s.msgIndex[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	sf, err := s.load(sessionID)
	if err != nil {
		return nil, nil, err
	}
	for i := range sf.Messages {
		if sf.Messages[i].ID == id {
			return &sf.Messages[i], sf, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (s *fileStore) ListMessagesBySession(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(sf.Messages), nil
}

func (s *fileStore) UpdateMessage(_ context.Context, args UpdateMessageArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, sf, err := s.findMessage(args.ID)
	if err != nil {
		return err
	}
	msg.Parts = args.Parts
	msg.UpdatedAt = now()
	sf.UpdatedAt = msg.UpdatedAt
	return nil
}

func (s *fileStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.msgIndex[id]
	if !ok {
		return ErrNotFound
	}
	sf, err := s.load(sessionID)
	if err != nil {
		return err
	}
	for i := range sf.Messages {
		if sf.Messages[i].ID == id {
			sf.Messages = slices.Delete(sf.Messages, i, i+1)
			break
		}
	}
	delete(s.msgIndex, id)
	sf.UpdatedAt = now()
	return nil
}

func (s *fileStore) ReplaceMessagePrefix(_ context.Context, sessionID string, endExclusive int, summary CreateMessageArgs) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.load(sessionID)
	if err != nil {
		return Message{}, err
	}
	if endExclusive < 0 || endExclusive > len(sf.Messages) {
		return Message{}, fmt.Errorf("prefix end %d out of range (0..%d)", endExclusive, len(sf.Messages))
	}

	ts := now()
	msg := Message{
		ID:               summary.ID,
		SessionID:        sessionID,
		Role:             summary.Role,
		Parts:            summary.Parts,
		Model:            summary.Model,
		Provider:         summary.Provider,
		IsSummaryMessage: true,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}

	for _, m := range sf.Messages[:endExclusive] {
		delete(s.msgIndex, m.ID)
	}
	sf.Messages = append([]Message{msg}, sf.Messages[endExclusive:]...)
	sf.UpdatedAt = ts
	s.msgIndex[msg.ID] = sessionID
	return msg, nil
}

func (s *fileStore) Flush(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	return s.write(sf)
}

func (s *fileStore) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, sf := range s.sessions {
		if err := s.write(sf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
