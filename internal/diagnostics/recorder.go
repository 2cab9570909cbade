package diagnostics

import (
	"context"
	"sync"
)

// Record is one diagnostics report captured by a Recorder.
type Record struct {
	Kind   string
	UserID int
	RoomID string
	Action string
	Reason string
}

// Recorder keeps every report in memory. Used by tests across packages.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *Recorder) Denied(_ context.Context, userID int, roomID, action, reason string) {
	r.add(Record{Kind: "denied", UserID: userID, RoomID: roomID, Action: action, Reason: reason})
}

func (r *Recorder) Repaired(_ context.Context, roomID, detail string) {
	r.add(Record{Kind: "repaired", RoomID: roomID, Reason: detail})
}

func (r *Recorder) Quarantined(_ context.Context, roomID, reason string) {
	r.add(Record{Kind: "quarantined", RoomID: roomID, Reason: reason})
}

func (r *Recorder) DeliveryDropped(_ context.Context, roomID, sessionID, reason string) {
	r.add(Record{Kind: "dropped", RoomID: roomID, Action: sessionID, Reason: reason})
}

// Records returns the reports of the given kind ("" for all).
func (r *Recorder) Records(kind string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}
