// Package record holds the session-scoped record bookkeeping shared by the
// profiles: sequence-keyed record stores and the session start anchor used
// to turn relative time offsets into wall-clock timestamps.
package record

import (
	"sort"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Sequenced is a decoded record placed on the session timeline.
type Sequenced[T any] struct {
	SequenceNumber uint16
	Record         T
	Timestamp      time.Time
}

// Store keeps records keyed by sequence number. A record with an existing
// sequence number replaces the previous one. Store is safe for concurrent use.
type Store[T any] struct {
	mu      sync.RWMutex
	records *orderedmap.OrderedMap[uint16, Sequenced[T]]
	highest uint16
}

// NewStore returns an empty Store.
func NewStore[T any]() *Store[T] {
	return &Store[T]{records: orderedmap.New[uint16, Sequenced[T]]()}
}

// Put inserts or replaces records.
func (s *Store[T]) Put(records ...Sequenced[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records.Set(r.SequenceNumber, r)
		if r.SequenceNumber > s.highest {
			s.highest = r.SequenceNumber
		}
	}
}

// Get returns the record with the given sequence number.
func (s *Store[T]) Get(seq uint16) (Sequenced[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Get(seq)
}

func (s *Store[T]) HasRecords() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Len() > 0
}

// HighestSequenceNumber returns the largest stored sequence number, or 0 when empty.
func (s *Store[T]) HighestSequenceNumber() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Len()
}

func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = orderedmap.New[uint16, Sequenced[T]]()
	s.highest = 0
}

// Snapshot returns a copy of the records ordered by sequence number.
func (s *Store[T]) Snapshot() []Sequenced[T] {
	s.mu.RLock()
	out := make([]Sequenced[T], 0, s.records.Len())
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out
}

// Anchor is the session start time. The zero value is "unknown".
type Anchor struct {
	mu    sync.RWMutex
	start time.Time
	now   func() time.Time
}

// NewAnchor returns an unknown Anchor. A nil now uses time.Now.
func NewAnchor(now func() time.Time) *Anchor {
	if now == nil {
		now = time.Now
	}
	return &Anchor{now: now}
}

// Known reports whether the session start has been established.
func (a *Anchor) Known() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.start.IsZero()
}

// Start returns the session start, zero when unknown.
func (a *Anchor) Start() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.start
}

// MarkNow sets the session start to the current time.
func (a *Anchor) MarkNow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start = a.now()
}

// SetFromOffset derives the session start from a time offset (minutes since
// session start) observed now.
func (a *Anchor) SetFromOffset(offsetMinutes uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start = a.now().Add(-time.Duration(offsetMinutes) * time.Minute)
}

// Reset returns the anchor to unknown.
func (a *Anchor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start = time.Time{}
}

// At returns the absolute time of a record at offsetMinutes. It returns the
// zero time when the anchor is unknown.
func (a *Anchor) At(offsetMinutes uint16) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.start.IsZero() {
		return time.Time{}
	}
	return a.start.Add(time.Duration(offsetMinutes) * time.Minute)
}
