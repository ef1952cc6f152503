package storage

import (
	"context"
	"sync"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// Memory is an in-process Backend. Values are cloned on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]*checkpoint.Checkpoint
	jobs        map[string]*checkpoint.Job
	events      map[string][]event.Record
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]map[string]*checkpoint.Checkpoint),
		jobs:        make(map[string]*checkpoint.Job),
		events:      make(map[string][]event.Record),
	}
}

func (m *Memory) StoreCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.checkpoints[cp.JobID]
	if !ok {
		byID = make(map[string]*checkpoint.Checkpoint)
		m.checkpoints[cp.JobID] = byID
	}
	byID[cp.ID] = cp.Clone()
	return nil
}

func (m *Memory) RetrieveCheckpoint(ctx context.Context, jobID, checkpointID string) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[jobID][checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (m *Memory) ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*checkpoint.Checkpoint, 0, len(m.checkpoints[jobID]))
	for _, cp := range m.checkpoints[jobID] {
		out = append(out, cp.Clone())
	}
	SortCheckpoints(out)
	return out, nil
}

func (m *Memory) StoreJob(ctx context.Context, job *checkpoint.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := *job
	m.jobs[job.ID] = &j
	return nil
}

func (m *Memory) RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func (m *Memory) CreateJob(ctx context.Context, jobID, expertKey string, maxSteps int) (*checkpoint.Job, error) {
	job := checkpoint.NewJob(jobID, expertKey, maxSteps)
	if err := m.StoreJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Memory) StoreEvent(ctx context.Context, rec event.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[rec.JobID] = append(m.events[rec.JobID], rec)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, jobID string) ([]event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]event.Record(nil), m.events[jobID]...), nil
}

func (m *Memory) Close() error { return nil }
