package approval

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyPending is returned when registering an id that is still pending.
var ErrAlreadyPending = errors.New("approval id already pending")

// Store holds all currently outstanding approval requests. It is the only
// component allowed to mutate the pending set; removal from the set is the
// single arbiter of who resumes a waiter, so a record can never be resolved
// twice nor resolved after expiry.
type Store struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	// now is replaceable in tests.
	now func() time.Time
}

// pendingEntry pairs a record with its waiter signal and expiry timer.
// Exactly one entry exists per outstanding id.
type pendingEntry struct {
	record *Record
	// done receives the final record exactly once. Buffered so the
	// resolving side never blocks.
	done  chan *Record
	timer *time.Timer
}

// NewStore creates an empty approval store.
func NewStore() *Store {
	return &Store{
		pending: make(map[string]*pendingEntry),
		now:     time.Now,
	}
}

// Create builds a new record expiring timeout from now. The supplied id is
// used if non-empty after trimming, otherwise a fresh UUID is generated.
// Create is pure construction; the record enters the pending set in Register.
func (s *Store) Create(req Request, timeout time.Duration, id string) *Record {
	if id == "" {
		id = uuid.New().String()
	}
	nowMs := s.now().UnixMilli()
	return &Record{
		ID:          id,
		Request:     req.Normalize(),
		CreatedAtMs: nowMs,
		ExpiresAtMs: nowMs + timeout.Milliseconds(),
	}
}

// Register adds the record to the pending set and arms its expiry timer.
// Returns ErrAlreadyPending, without mutating state, if the id is already
// pending. Registration happens before any broadcast of the new request, so
// a resolver reacting synchronously to the broadcast always finds the entry.
func (s *Store) Register(rec *Record) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[rec.ID]; exists {
		return nil, ErrAlreadyPending
	}

	entry := &pendingEntry{
		record: rec,
		done:   make(chan *Record, 1),
	}
	s.pending[rec.ID] = entry

	wait := time.Until(time.UnixMilli(rec.ExpiresAtMs))
	entry.timer = time.AfterFunc(wait, func() { s.expire(rec.ID) })

	return &Waiter{entry: entry}, nil
}

// expire removes a still-pending entry on timer fire and resumes its waiter
// with no decision. A lost race against Resolve is a no-op.
func (s *Store) expire(id string) {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.done <- entry.record
}

// Resolve finalizes a pending record: removes it from the pending set, stops
// its timer, stamps the decision, and resumes the waiter. Returns false if
// the id is not currently pending, which covers late or duplicate resolve
// calls racing a prior resolve or expiry.
//
// notify, when non-nil, runs after the record is finalized but before the
// waiter resumes, so a resolution broadcast is observable before the
// original request call completes.
func (s *Store) Resolve(id string, decision Decision, resolvedBy string, notify func(*Record)) (*Record, bool) {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	entry.timer.Stop()

	rec := entry.record
	rec.ResolvedAtMs = s.now().UnixMilli()
	rec.Decision = &decision
	rec.ResolvedBy = resolvedBy

	if notify != nil {
		notify(rec)
	}
	entry.done <- rec
	return rec, true
}

// Get returns a still-pending record by id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[id]
	if !ok {
		return nil, false
	}
	return entry.record, true
}

// ListPending returns a snapshot of every pending record relative to now,
// ordered by creation time ascending with lexicographic id as tie-break.
// The ordering is a deterministic contract: repeated calls during a single
// instant yield identical output.
func (s *Store) ListPending(now time.Time) []PendingSnapshot {
	s.mu.Lock()
	snaps := make([]PendingSnapshot, 0, len(s.pending))
	for _, entry := range s.pending {
		snaps = append(snaps, entry.record.Snapshot(now))
	}
	s.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAtMs != snaps[j].CreatedAtMs {
			return snaps[i].CreatedAtMs < snaps[j].CreatedAtMs
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// PendingCount returns the number of outstanding requests.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Waiter is the suspended side of a registered request.
type Waiter struct {
	entry *pendingEntry
}

// Wait blocks until the record is resolved or its timer fires. The returned
// record is finalized; its Decision is nil when the request timed out, which
// callers must treat as an implicit deny. Exactly one resumption occurs per
// registered record.
func (w *Waiter) Wait() *Record {
	return <-w.entry.done
}
