// Package store persists call records and their transcripts.
//
// Every relay session produces one [CallRecord]: identifiers from the
// telephony leg, a status lifecycle (active → completed | failed), the
// final relay counters, and an append-only transcript fed from engine
// transcript events. The [Store] interface is implemented in-memory here
// and by PostgreSQL in the postgres subpackage; the in-memory store is the
// default and doubles as the test backend.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for the requested call ID.
var ErrNotFound = errors.New("store: call not found")

// ErrAlreadyExists is returned by StartCall when a record with the same
// call ID was already registered.
var ErrAlreadyExists = errors.New("store: call already recorded")

// CallStatus is the lifecycle state of a call record.
type CallStatus string

const (
	// StatusActive marks a call whose session is still running.
	StatusActive CallStatus = "active"

	// StatusCompleted marks a call that ended in an orderly way: hangup
	// or timeout.
	StatusCompleted CallStatus = "completed"

	// StatusFailed marks a call torn down by an engine or transport fault.
	StatusFailed CallStatus = "failed"
)

// Stats holds the per-call relay counters accumulated over a session.
type Stats struct {
	// FramesIn is the number of caller frames forwarded to the engine.
	FramesIn uint64

	// FramesOut is the number of agent frames sent to the telephony leg,
	// silence fill excluded.
	FramesOut uint64

	// InboundDrops counts caller frames discarded under backpressure.
	InboundDrops uint64

	// CodecErrors counts malformed frames rejected by the transcoder.
	CodecErrors uint64

	// BargeIns counts caller interruptions of agent playback.
	BargeIns uint64
}

// TranscriptEntry is one utterance of a call transcript.
type TranscriptEntry struct {
	// Role is the speaker: "user" for the caller, "assistant" for the
	// agent.
	Role string

	// Text is the utterance as the engine recognized or synthesized it.
	Text string

	// At is when the entry was recorded.
	At time.Time
}

// CallRecord is the persistent record of one relayed call.
type CallRecord struct {
	// CallID is the telephony leg's call identifier.
	CallID string

	// StreamID identifies the media stream within the call.
	StreamID string

	// From and To are the call party identifiers when known.
	From string
	To   string

	// Status is the record's lifecycle state.
	Status CallStatus

	// StartedAt is when the session began.
	StartedAt time.Time

	// EndedAt is when the session ended. Zero while the call is active.
	EndedAt time.Time

	// EndReason says why the session ended ("hangup", "max_duration",
	// "idle_timeout", "engine_error", "shutdown"). Empty while active.
	EndReason string

	// Stats holds the final relay counters. Zero while the call is active.
	Stats Stats
}

// Store is the persistence interface for call records and transcripts.
type Store interface {
	// StartCall registers a new active call. An empty Status defaults to
	// [StatusActive] and a zero StartedAt to the current time. Returns
	// [ErrAlreadyExists] if the call ID is already registered.
	StartCall(ctx context.Context, rec CallRecord) error

	// EndCall finalizes the record for callID: status, end reason, final
	// counters, and the end timestamp. Returns [ErrNotFound] for an
	// unknown call ID.
	EndCall(ctx context.Context, callID string, status CallStatus, reason string, stats Stats) error

	// AppendTranscript appends one entry to the call's transcript log.
	AppendTranscript(ctx context.Context, callID string, entry TranscriptEntry) error

	// Call returns the record for callID, or [ErrNotFound].
	Call(ctx context.Context, callID string) (CallRecord, error)

	// Transcript returns the call's transcript entries in append order.
	Transcript(ctx context.Context, callID string) ([]TranscriptEntry, error)

	// ActiveCalls returns the records of all currently active calls.
	ActiveCalls(ctx context.Context) ([]CallRecord, error)

	// Ping reports whether the backing storage is reachable. Used by
	// readiness checks.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is the in-memory [Store] implementation: a mutex-guarded map of
// call records plus per-call transcript slices. Records live until process
// exit; there is no eviction.
type MemStore struct {
	mu          sync.RWMutex
	calls       map[string]CallRecord
	transcripts map[string][]TranscriptEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		calls:       make(map[string]CallRecord),
		transcripts: make(map[string][]TranscriptEntry),
	}
}

// StartCall implements [Store].
func (s *MemStore) StartCall(_ context.Context, rec CallRecord) error {
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[rec.CallID]; ok {
		return ErrAlreadyExists
	}
	s.calls[rec.CallID] = rec
	return nil
}

// EndCall implements [Store].
func (s *MemStore) EndCall(_ context.Context, callID string, status CallStatus, reason string, stats Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.EndReason = reason
	rec.Stats = stats
	rec.EndedAt = time.Now()
	s.calls[callID] = rec
	return nil
}

// AppendTranscript implements [Store].
func (s *MemStore) AppendTranscript(_ context.Context, callID string, entry TranscriptEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transcripts[callID] = append(s.transcripts[callID], entry)
	return nil
}

// Call implements [Store].
func (s *MemStore) Call(_ context.Context, callID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// Transcript implements [Store].
func (s *MemStore) Transcript(_ context.Context, callID string) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.transcripts[callID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// ActiveCalls implements [Store].
func (s *MemStore) ActiveCalls(_ context.Context) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CallRecord
	for _, rec := range s.calls {
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Ping implements [Store]. The in-memory store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store]. It is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
