package event

import (
	"encoding/json"
	"fmt"
)

// Record is the persisted form of a run-scoped event. Seq is monotonic per
// emitter and orders records written in the same millisecond.
type Record struct {
	Seq uint64 `json:"seq"`
	Header
	Payload json.RawMessage `json:"payload"`
}

// NewRecord wraps ev for storage.
func NewRecord(seq uint64, ev Event) (Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s event: %w", TypeOf(ev), err)
	}
	return Record{Seq: seq, Header: *ev.EventHeader(), Payload: payload}, nil
}

// Decode rebuilds the typed event from the payload.
func (r Record) Decode() (Event, error) {
	ev, err := newOfType(r.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Payload, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", r.Type, err)
	}
	return ev, nil
}
