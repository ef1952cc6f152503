package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

type memRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memRecorder) StoreEvent(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func testCheckpoint() *checkpoint.Checkpoint {
	cp := checkpoint.NewInitial(checkpoint.Setting{JobID: "job-1", RunID: "run-1"}, checkpoint.Expert{Key: "writer@1"})
	cp.StepNumber = 3
	return cp
}

func TestEmitRecordsBeforeDispatch(t *testing.T) {
	rec := &memRecorder{}
	var seenRecorded int
	listener := ListenerFunc(func(ctx context.Context, ev Event) {
		rec.mu.Lock()
		seenRecorded = len(rec.records)
		rec.mu.Unlock()
	})

	em := NewEmitter(rec, listener)
	ev := &CallTools{Header: RunScope(testCheckpoint()), ToolCalls: []checkpoint.ToolCall{{ID: "c1", ToolName: "read"}}}
	if err := em.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if seenRecorded != 1 {
		t.Errorf("listener saw %d records, want 1", seenRecorded)
	}
	if ev.Type != TypeCallTools {
		t.Errorf("type = %s", ev.Type)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("header not stamped")
	}
	got := rec.records[0]
	if got.StepNumber != 3 || got.JobID != "job-1" || got.Seq != 1 {
		t.Errorf("record = %+v", got)
	}
}

func TestEmitRuntimeEventNotRecorded(t *testing.T) {
	rec := &memRecorder{}
	var dispatched []Type
	em := NewEmitter(rec, ListenerFunc(func(ctx context.Context, ev Event) {
		dispatched = append(dispatched, ev.EventHeader().Type)
	}))

	if err := em.Emit(context.Background(), &SkillStderr{Skill: "fs", Line: "warming up"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(rec.records) != 0 {
		t.Errorf("runtime event recorded: %+v", rec.records)
	}
	if len(dispatched) != 1 || dispatched[0] != TypeSkillStderr {
		t.Errorf("dispatched = %v", dispatched)
	}
}

func TestEmitStoreFailureSkipsListener(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	called := false
	em := NewEmitter(rec, ListenerFunc(func(ctx context.Context, ev Event) { called = true }))

	err := em.Emit(context.Background(), &CompleteRun{Header: RunScope(testCheckpoint()), Text: "done"})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("listener called after failed store")
	}
}

func TestEmitPreservesOrder(t *testing.T) {
	rec := &memRecorder{}
	em := NewEmitter(rec, nil)
	cp := testCheckpoint()
	events := []Event{
		&StartGeneration{Header: RunScope(cp)},
		&CallTools{Header: RunScope(cp)},
		&ResolveToolResults{Header: RunScope(cp)},
		&ContinueToNextStep{Header: RunScope(cp), NextStepNumber: 4},
	}
	for _, ev := range events {
		if err := em.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	for i, r := range rec.records {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d seq = %d", i, r.Seq)
		}
		if r.Type != TypeOf(events[i]) {
			t.Errorf("record %d type = %s, want %s", i, r.Type, TypeOf(events[i]))
		}
	}
}

func TestRecordDecode(t *testing.T) {
	cp := testCheckpoint()
	ev := &StopRunByError{Header: RunScope(cp), Error: "Max retries (3) exceeded"}
	ev.Type = TypeOf(ev)

	rec, err := NewRecord(7, ev)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	decoded, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	stop, ok := decoded.(*StopRunByError)
	if !ok {
		t.Fatalf("decoded %T", decoded)
	}
	if stop.Error != ev.Error || stop.StepNumber != cp.StepNumber {
		t.Errorf("decoded = %+v", stop)
	}

	rec.Type = "bogus"
	if _, err := rec.Decode(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestMultiSkipsNil(t *testing.T) {
	var calls int
	l := Multi(nil, ListenerFunc(func(ctx context.Context, ev Event) { calls++ }), nil,
		ListenerFunc(func(ctx context.Context, ev Event) { calls++ }))
	l.OnEvent(context.Background(), &SkillStarting{Skill: "x"})
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

func TestToSnake(t *testing.T) {
	if got := toSnake("stopRunByExceededMaxSteps"); got != "stop_run_by_exceeded_max_steps" {
		t.Errorf("toSnake = %q", got)
	}
}
