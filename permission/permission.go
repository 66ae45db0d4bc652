package permission

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/hatcher/hatch/logs"
	"github.com/hatcher/hatch/pubsub"

	"github.com/hatcher/hatch/csync"
)

// MemoryStore reads and writes a session's persisted permission grants.
// Implemented by the app over the session service.
type MemoryStore interface {
	Patterns(ctx context.Context, sessionID string) ([]string, error)
	Remember(ctx context.Context, sessionID, pattern string) error
}

type Service interface {
	pubsub.Subscriber[PermissionRequest]

	// Request blocks until the request is granted, denied or ctx is
	// canceled. Only one request is in flight at a time.
	Request(ctx context.Context, opts PermissionRequest) (bool, error)
	Grant(ctx context.Context, requestID string, scope GrantScope)
	Deny(requestID string)
	AutoApproveSession(sessionID string)
	SetSkipRequests(skip bool)
	SkipRequests() bool
	SubscribeNotifications(ctx context.Context) <-chan pubsub.Event[PermissionNotification]
}

type permissionService struct {
	*pubsub.Broker[PermissionRequest]
	notificationBroker *pubsub.Broker[PermissionNotification]
	workingDir         string
	memory             MemoryStore

	sessionGrants   []PermissionRequest
	sessionGrantsMu sync.RWMutex

	pendingRequests       *csync.Map[string, chan bool]
	autoApproveSessions   map[string]bool
	autoApproveSessionsMu sync.RWMutex
	skip                  bool
	allowedPatterns       []string

	// serializes requests so the user sees one prompt at a time
	requestMu       sync.Mutex
	activeRequest   *PermissionRequest
	activeRequestMu sync.Mutex
}

func NewService(workingDir string, skip bool, allowedPatterns []string, memory MemoryStore) Service {
	return &permissionService{
		Broker:              pubsub.NewBroker[PermissionRequest](),
		notificationBroker:  pubsub.NewBroker[PermissionNotification](),
		workingDir:          workingDir,
		memory:              memory,
		sessionGrants:       make([]PermissionRequest, 0),
		autoApproveSessions: make(map[string]bool),
		skip:                skip,
		allowedPatterns:     allowedPatterns,
		pendingRequests:     csync.NewMap[string, chan bool](),
	}
}

// matchesAny reports whether key matches one of the doublestar patterns.
// A bare tool name pattern also matches every action of that tool.
func matchesAny(patterns []string, key, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == toolName {
			return true
		}
		if ok, err := doublestar.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *permissionService) Request(ctx context.Context, opts PermissionRequest) (bool, error) {
	if s.skip {
		return true, nil
	}

	s.notificationBroker.Publish(pubsub.CreatedEvent, PermissionNotification{
		ToolCallID: opts.ToolCallID,
	})
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	key := opts.Key()
	if matchesAny(s.allowedPatterns, key, opts.ToolName) {
		return true, nil
	}

	s.autoApproveSessionsMu.RLock()
	autoApprove := s.autoApproveSessions[opts.SessionID]
	s.autoApproveSessionsMu.RUnlock()
	if autoApprove {
		return true, nil
	}

	if s.memory != nil {
		remembered, err := s.memory.Patterns(ctx, opts.SessionID)
		if err != nil {
			logs.Warnf("read permission memory for %s: %v", opts.SessionID, err)
		} else if matchesAny(remembered, key, opts.ToolName) {
			return true, nil
		}
	}

	request := opts
	request.ID = uuid.NewString()
	request.Path = s.normalizePath(opts.Path)

	s.sessionGrantsMu.RLock()
	for _, p := range s.sessionGrants {
		if p.ToolName == request.ToolName && p.Action == request.Action && p.SessionID == request.SessionID {
			s.sessionGrantsMu.RUnlock()
			return true, nil
		}
	}
	s.sessionGrantsMu.RUnlock()

	s.activeRequestMu.Lock()
	s.activeRequest = &request
	s.activeRequestMu.Unlock()

	respCh := make(chan bool, 1)
	s.pendingRequests.Set(request.ID, respCh)
	defer s.pendingRequests.Del(request.ID)

	s.Publish(pubsub.CreatedEvent, request)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case granted := <-respCh:
		return granted, nil
	}
}

func (s *permissionService) normalizePath(path string) string {
	if path == "" || path == "." {
		return s.workingDir
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func (s *permissionService) Grant(ctx context.Context, requestID string, scope GrantScope) {
	request := s.takeActive(requestID)
	if request == nil {
		return
	}

	switch scope {
	case ScopeSession:
		s.sessionGrantsMu.Lock()
		s.sessionGrants = append(s.sessionGrants, *request)
		s.sessionGrantsMu.Unlock()
	case ScopeAlways:
		s.sessionGrantsMu.Lock()
		s.sessionGrants = append(s.sessionGrants, *request)
		s.sessionGrantsMu.Unlock()
		if s.memory != nil {
			if err := s.memory.Remember(ctx, request.SessionID, request.Key()); err != nil {
				logs.Warnf("persist permission grant %s: %v", request.Key(), err)
			}
		}
	}

	s.notificationBroker.Publish(pubsub.CreatedEvent, PermissionNotification{
		ToolCallID: request.ToolCallID,
		Granted:    true,
	})
	if respCh, ok := s.pendingRequests.Get(requestID); ok {
		respCh <- true
	}
}

// Deny rejects the single pending invocation. A denied request does not
// lock the tool out; the next invocation asks again.
func (s *permissionService) Deny(requestID string) {
	request := s.takeActive(requestID)
	if request == nil {
		return
	}
	s.notificationBroker.Publish(pubsub.CreatedEvent, PermissionNotification{
		ToolCallID: request.ToolCallID,
		Granted:    false,
		Denied:     true,
	})
	if respCh, ok := s.pendingRequests.Get(requestID); ok {
		respCh <- false
	}
}

func (s *permissionService) takeActive(requestID string) *PermissionRequest {
	s.activeRequestMu.Lock()
	defer s.activeRequestMu.Unlock()
	if s.activeRequest == nil || s.activeRequest.ID != requestID {
		return nil
	}
	request := s.activeRequest
	s.activeRequest = nil
	return request
}

func (s *permissionService) AutoApproveSession(sessionID string) {
	s.autoApproveSessionsMu.Lock()
	s.autoApproveSessions[sessionID] = true
	s.autoApproveSessionsMu.Unlock()
}

func (s *permissionService) SubscribeNotifications(ctx context.Context) <-chan pubsub.Event[PermissionNotification] {
	return s.notificationBroker.Subscribe(ctx)
}

func (s *permissionService) SetSkipRequests(skip bool) {
	s.skip = skip
}

func (s *permissionService) SkipRequests() bool {
	return s.skip
}
