// Package filestore stores jobs, checkpoints and events as plain files:
//
//	<dir>/jobs/<jobId>/job.json
//	<dir>/jobs/<jobId>/checkpoints/<checkpointId>.json
//	<dir>/jobs/<jobId>/events.jsonl
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// Store implements storage.Backend on the filesystem.
type Store struct {
	dir string
	mu  sync.Mutex // serializes event appends and job writes
}

// New creates the root directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.dir, "jobs", jobID)
}

func (s *Store) StoreCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.JobID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires job id and id")
	}
	dir := filepath.Join(s.jobDir(cp.JobID), "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return writeJSON(filepath.Join(dir, cp.ID+".json"), cp)
}

func (s *Store) RetrieveCheckpoint(ctx context.Context, jobID, checkpointID string) (*checkpoint.Checkpoint, error) {
	path := filepath.Join(s.jobDir(jobID), "checkpoints", checkpointID+".json")
	var cp checkpoint.Checkpoint
	if err := readJSON(path, &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, storage.ErrNotFound)
		}
		return nil, err
	}
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error) {
	dir := filepath.Join(s.jobDir(jobID), "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*checkpoint.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var cp checkpoint.Checkpoint
		if err := readJSON(filepath.Join(dir, entry.Name()), &cp); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	storage.SortCheckpoints(out)
	return out, nil
}

func (s *Store) StoreJob(ctx context.Context, job *checkpoint.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.jobDir(job.ID), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	return writeJSON(filepath.Join(s.jobDir(job.ID), "job.json"), job)
}

func (s *Store) RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	var job checkpoint.Job
	if err := readJSON(filepath.Join(s.jobDir(jobID), "job.json"), &job); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, jobID, expertKey string, maxSteps int) (*checkpoint.Job, error) {
	job := checkpoint.NewJob(jobID, expertKey, maxSteps)
	if err := s.StoreJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// StoreEvent appends one JSONL line to the job's event log.
func (s *Store) StoreEvent(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.jobDir(rec.JobID), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.jobDir(rec.JobID), "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]event.Record, error) {
	f, err := os.Open(filepath.Join(s.jobDir(jobID), "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// bufio.Reader rather than Scanner: tool results can exceed the
	// scanner's line limit.
	reader := bufio.NewReader(f)
	var out []event.Record
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec event.Record
			if perr := json.Unmarshal(line, &rec); perr != nil {
				return nil, fmt.Errorf("failed to parse event log: %w", perr)
			}
			out = append(out, rec)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading event log: %w", err)
		}
	}
	return out, nil
}

// ListJobs returns the ids of every stored job.
func (s *Store) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "jobs"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) Close() error { return nil }

// writeJSON writes through a temp file so readers never see a partial file.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
