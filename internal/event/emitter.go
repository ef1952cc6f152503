package event

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Recorder durably stores run-scoped events.
type Recorder interface {
	StoreEvent(ctx context.Context, rec Record) error
}

// Listener receives every emitted event after it has been recorded.
type Listener interface {
	OnEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type multi []Listener

func (m multi) OnEvent(ctx context.Context, ev Event) {
	for _, l := range m {
		l.OnEvent(ctx, ev)
	}
}

// Multi dispatches to each non-nil listener in order.
func Multi(listeners ...Listener) Listener {
	var out multi
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// Emitter stamps events, records the run-scoped ones and then notifies the
// listener. It is safe for concurrent use by parallel child runs.
type Emitter struct {
	recorder Recorder
	listener Listener
	seq      atomic.Uint64
	now      func() time.Time
}

// NewEmitter creates an emitter. Either argument may be nil.
func NewEmitter(recorder Recorder, listener Listener) *Emitter {
	return &Emitter{recorder: recorder, listener: listener, now: time.Now}
}

// Emit records ev when it carries a step number, then dispatches it. A
// recording failure is returned and the listener is not called.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if e == nil {
		return nil
	}
	h := ev.EventHeader()
	h.Type = TypeOf(ev)
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = e.now()
	}

	if RunScoped(ev) && e.recorder != nil {
		rec, err := NewRecord(e.seq.Add(1), ev)
		if err != nil {
			return err
		}
		if err := e.recorder.StoreEvent(ctx, rec); err != nil {
			return fmt.Errorf("failed to store %s event: %w", h.Type, err)
		}
	}

	if e.listener != nil {
		e.listener.OnEvent(ctx, ev)
	}
	return nil
}
