package tools

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatcher/hatch/csync"
	"github.com/hatcher/hatch/logs"
)

const (
	// MaxBackgroundJobs caps concurrent background jobs across all tools.
	MaxBackgroundJobs = 50
	// DefaultPerToolJobs caps concurrent background jobs per tool name.
	DefaultPerToolJobs = 10
	// CompletedJobRetention is how long finished jobs stay pollable before
	// Cleanup removes them.
	CompletedJobRetention = 8 * time.Hour

	defaultPollTimeout = 5 * time.Second
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// syncBuffer is a thread-safe wrapper around bytes.Buffer.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.RWMutex
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) WriteString(s string) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.WriteString(s)
}

func (sb *syncBuffer) String() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.buf.String()
}

// JobFunc is the body of a background job. It streams progress through
// report and honors ctx for cooperative cancellation.
type JobFunc func(ctx context.Context, report func(string)) (ToolResult, error)

// Job is one background execution tracked by the Manager. Polling never
// mutates a terminal status.
type Job struct {
	ID       string
	ToolName string

	ctx         context.Context
	cancel      context.CancelFunc
	output      *syncBuffer
	done        chan struct{}
	result      ToolResult
	err         error
	cancelled   atomic.Bool
	startedAt   int64
	completedAt atomic.Int64
}

// JobSnapshot is the immutable view returned by polls.
type JobSnapshot struct {
	ID          string     `json:"id"`
	ToolName    string     `json:"tool_name"`
	Status      JobStatus  `json:"status"`
	Output      string     `json:"output"`
	Result      ToolResult `json:"result,omitzero"`
	StartedAt   int64      `json:"started_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
}

func (j *Job) snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:        j.ID,
		ToolName:  j.ToolName,
		Status:    JobRunning,
		Output:    j.output.String(),
		StartedAt: j.startedAt,
	}
	select {
	case <-j.done:
		snap.CompletedAt = j.completedAt.Load()
		snap.Result = j.result
		switch {
		case j.cancelled.Load():
			snap.Status = JobCancelled
		case j.err != nil || !j.result.Success:
			snap.Status = JobFailed
		default:
			snap.Status = JobSucceeded
		}
	default:
	}
	return snap
}

// Manager owns the background job table. Over-capacity starts are rejected
// rather than queued.
type Manager struct {
	jobs       *csync.Map[string, *Job]
	perTool    int
	globalCap  int
	idCounter  atomic.Uint64
	perToolCap map[string]int
	mu         sync.Mutex
}

type ManagerOption func(*Manager)

func WithGlobalCap(n int) ManagerOption {
	return func(m *Manager) { m.globalCap = n }
}

func WithPerToolCap(toolName string, n int) ManagerOption {
	return func(m *Manager) { m.perToolCap[toolName] = n }
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		jobs:       csync.NewMap[string, *Job](),
		perTool:    DefaultPerToolJobs,
		globalCap:  MaxBackgroundJobs,
		perToolCap: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) capFor(toolName string) int {
	if n, ok := m.perToolCap[toolName]; ok {
		return n
	}
	return m.perTool
}

// runningCounts must be cheap; the table stays small by design.
func (m *Manager) runningCounts(toolName string) (total, tool int) {
	for job := range m.jobs.Seq() {
		if job.completedAt.Load() != 0 {
			continue
		}
		total++
		if job.ToolName == toolName {
			tool++
		}
	}
	return total, tool
}

// Start launches fn as a background job for toolName. It returns a
// capacity error result (not a Go error) when a cap is hit, so the model
// sees the rejection as data.
func (m *Manager) Start(ctx context.Context, toolName string, fn JobFunc) (*Job, *ToolError) {
	m.mu.Lock()
	total, tool := m.runningCounts(toolName)
	if total >= m.globalCap {
		m.mu.Unlock()
		return nil, &ToolError{Kind: ErrCapacityExceeded, Message: "background job limit reached; wait for running jobs to finish"}
	}
	if tool >= m.capFor(toolName) {
		m.mu.Unlock()
		return nil, &ToolError{Kind: ErrCapacityExceeded, Message: "too many concurrent " + toolName + " jobs; wait or cancel one"}
	}

	id := fmt.Sprintf("job_%03X", m.idCounter.Add(1))
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:        id,
		ToolName:  toolName,
		ctx:       jobCtx,
		cancel:    cancel,
		output:    &syncBuffer{},
		done:      make(chan struct{}),
		startedAt: time.Now().Unix(),
	}
	m.jobs.Set(id, job)
	m.mu.Unlock()

	go func() {
		defer close(job.done)
		defer func() {
			if r := recover(); r != nil {
				logs.Errorf("background job %s panicked: %v", id, r)
				job.result = NewErrorResult(ErrHandlerException, "job panicked: %v", r)
			}
			job.completedAt.Store(time.Now().Unix())
		}()
		result, err := fn(jobCtx, func(line string) {
			job.output.WriteString(line)
		})
		if jobCtx.Err() != nil && job.cancelled.Load() {
			job.result = NewErrorResult(ErrCanceled, "job cancelled")
			return
		}
		job.result = result
		job.err = err
		if err != nil && job.result.Error == nil {
			job.result = NewErrorResult(ErrHandlerException, "%v", err)
		}
	}()

	return job, nil
}

func (m *Manager) Get(id string) (*Job, bool) {
	return m.jobs.Get(id)
}

// Poll returns a snapshot of the job. With block set it waits until the
// job leaves the running state or timeout elapses, returning the partial
// snapshot on timeout.
func (m *Manager) Poll(ctx context.Context, id string, block bool, timeout time.Duration) (JobSnapshot, bool) {
	job, ok := m.jobs.Get(id)
	if !ok {
		return JobSnapshot{}, false
	}
	if !block {
		return job.snapshot(), true
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	select {
	case <-job.done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	return job.snapshot(), true
}

// Cancel requests cooperative cancellation. The return reports whether the
// job was found and a cancellation issued, not that it already stopped.
func (m *Manager) Cancel(id string) bool {
	job, ok := m.jobs.Get(id)
	if !ok {
		return false
	}
	select {
	case <-job.done:
		// Terminal states never change.
		return false
	default:
	}
	job.cancelled.Store(true)
	job.cancel()
	return true
}

// List returns snapshots of all tracked jobs, newest first.
func (m *Manager) List() []JobSnapshot {
	snaps := make([]JobSnapshot, 0, m.jobs.Len())
	for job := range m.jobs.Seq() {
		snaps = append(snaps, job.snapshot())
	}
	slices.SortFunc(snaps, func(a, b JobSnapshot) int {
		return int(b.StartedAt - a.StartedAt)
	})
	return snaps
}

// Cleanup drops jobs that finished longer than the retention period ago.
func (m *Manager) Cleanup() int {
	cutoff := time.Now().Add(-CompletedJobRetention).Unix()
	var removed int
	for id, job := range m.jobs.Seq2() {
		if completed := job.completedAt.Load(); completed > 0 && completed < cutoff {
			m.jobs.Del(id)
			removed++
		}
	}
	return removed
}

// KillAll cancels every job and waits briefly for them to stop.
func (m *Manager) KillAll() {
	jobs := slices.Collect(m.jobs.Seq())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				select {
				case <-j.done:
					// Already terminal; the recorded status stands.
					return
				default:
				}
				j.cancelled.Store(true)
				j.cancel()
				<-j.done
			}(job)
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
