// Package records is the append-only store of fulfillment records.
package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status change is not a legal edge.
	ErrInvalidTransition = errors.New("invalid record status transition")
	// ErrAlreadySwapped is returned when a record's amounts are swapped twice.
	ErrAlreadySwapped = errors.New("record already swapped")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	ID   types.RecordID
	From types.RecordStatus
	To   types.RecordStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Store holds fulfillment records keyed by id. Ids are handed out sequentially
// from 1 and never reused, even when the creating operation is rolled back.
type Store struct {
	mu      sync.RWMutex
	records map[types.RecordID]*types.FulfillmentRecord
	lastID  types.RecordID
}

// NewStore creates an empty record store.
func NewStore() *Store {
	return &Store{
		records: make(map[types.RecordID]*types.FulfillmentRecord),
	}
}

// Create assigns the next id to rec, stores a copy with PENDING status and
// returns it.
func (s *Store) Create(ctx context.Context, rec types.FulfillmentRecord) *types.FulfillmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	rec.ID = s.lastID
	rec.Status = types.RecordStatusPending
	rec.ExternalID = ""
	rec.ReceiptURI = ""
	rec.Swapped = false
	stored := rec.Clone()
	s.records[stored.ID] = stored

	id := stored.ID
	journal.Record(ctx, func() {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
	})
	return stored.Clone()
}

// Get returns a copy of the record.
func (s *Store) Get(id types.RecordID) (*types.FulfillmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || id == 0 {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Transition moves a record to next, filling in the success fields when
// next is SUCCESS. Illegal edges fail with a *TransitionError.
func (s *Store) Transition(ctx context.Context, id types.RecordID, next types.RecordStatus, externalID, receiptURI string) (*types.FulfillmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Status.CanTransitionTo(next) {
		return nil, &TransitionError{ID: id, From: rec.Status, To: next}
	}

	prev := rec.Clone()
	rec.Status = next
	if next == types.RecordStatusSuccess {
		rec.ExternalID = externalID
		rec.ReceiptURI = receiptURI
	}

	journal.Record(ctx, func() {
		s.mu.Lock()
		s.records[id] = prev
		s.mu.Unlock()
	})
	return rec.Clone(), nil
}

// MarkSwapped flags a SUCCESS record whose credited amounts have left the
// source asset. A record is swapped at most once.
func (s *Store) MarkSwapped(ctx context.Context, id types.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Swapped {
		return fmt.Errorf("%w: %d", ErrAlreadySwapped, id)
	}
	if rec.Status != types.RecordStatusSuccess {
		return &TransitionError{ID: id, From: rec.Status, To: rec.Status}
	}
	rec.Swapped = true

	journal.Record(ctx, func() {
		s.mu.Lock()
		if r, ok := s.records[id]; ok {
			r.Swapped = false
		}
		s.mu.Unlock()
	})
	return nil
}

// LastID returns the most recently assigned id.
func (s *Store) LastID() types.RecordID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// Filter selects records in List. Zero values match everything.
type Filter struct {
	ServiceID types.ServiceID
	Status    types.RecordStatus
	Limit     int
}

// List returns matching records in id order.
func (s *Store) List(f Filter) []*types.FulfillmentRecord {
	s.mu.RLock()
	out := make([]*types.FulfillmentRecord, 0)
	for _, rec := range s.records {
		if f.ServiceID != 0 && rec.ServiceID != f.ServiceID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
