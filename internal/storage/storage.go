// Package storage declares the persistence interfaces the run engine
// consumes. Backends live in subpackages.
package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// ErrNotFound is returned when a checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	StoreCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error
	// RetrieveCheckpoint returns ErrNotFound when the id is unknown.
	RetrieveCheckpoint(ctx context.Context, jobID, checkpointID string) (*checkpoint.Checkpoint, error)
	// ListCheckpoints returns a job's checkpoints oldest first.
	ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error)
}

// JobStore persists jobs.
type JobStore interface {
	StoreJob(ctx context.Context, job *checkpoint.Job) error
	// RetrieveJob returns nil, nil when the job does not exist.
	RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error)
	CreateJob(ctx context.Context, jobID, expertKey string, maxSteps int) (*checkpoint.Job, error)
}

// EventStore persists run-scoped events.
type EventStore interface {
	StoreEvent(ctx context.Context, rec event.Record) error
	// ListEvents returns a job's events in the order they were stored.
	ListEvents(ctx context.Context, jobID string) ([]event.Record, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	CheckpointStore
	JobStore
	EventStore
	Close() error
}

// SortCheckpoints orders checkpoints by creation time, then run and step.
func SortCheckpoints(cps []*checkpoint.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].StepNumber < cps[j].StepNumber
	})
}
