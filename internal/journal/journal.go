// Package journal records undo actions for in-memory state so that a group of
// mutations can be rolled back as one unit, following the revision model of
// go-ethereum's state journal. Events produced while a journal is active are
// buffered and only released once the outermost unit commits.
package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/moltbunker/escrowd/pkg/types"
)

type revision struct {
	id        int
	undoIndex int
	evtIndex  int
}

// Journal is an ordered list of undo actions plus buffered events.
// It belongs to a single logical operation and is not shared across goroutines
// except through nested calls carried by the same context.
type Journal struct {
	mu        sync.Mutex
	undo      []func()
	events    []types.Event
	revisions []revision
	nextID    int
	depth     int
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{}
}

// Append records an action that reverses a mutation that has already been applied.
func (j *Journal) Append(undo func()) {
	j.mu.Lock()
	j.undo = append(j.undo, undo)
	j.mu.Unlock()
}

// Emit buffers an event until the journal is committed.
func (j *Journal) Emit(e types.Event) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

// Snapshot returns a revision id that RevertToSnapshot can roll back to.
func (j *Journal) Snapshot() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextID
	j.nextID++
	j.revisions = append(j.revisions, revision{id: id, undoIndex: len(j.undo), evtIndex: len(j.events)})
	return id
}

// RevertToSnapshot undoes every action recorded after the snapshot was taken
// and drops the events emitted since.
func (j *Journal) RevertToSnapshot(id int) {
	j.mu.Lock()
	idx := -1
	for i := len(j.revisions) - 1; i >= 0; i-- {
		if j.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		j.mu.Unlock()
		panic(fmt.Sprintf("journal: revision id %d cannot be reverted", id))
	}
	rev := j.revisions[idx]
	pending := j.undo[rev.undoIndex:]
	j.undo = j.undo[:rev.undoIndex]
	j.events = j.events[:rev.evtIndex]
	j.revisions = j.revisions[:idx]
	j.mu.Unlock()

	// Undo actions take their own locks on the state they touch.
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

// Revert undoes everything recorded in the journal.
func (j *Journal) Revert() {
	j.mu.Lock()
	pending := j.undo
	j.undo = nil
	j.events = nil
	j.revisions = nil
	j.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

// Commit discards the undo log and returns the buffered events in emission order.
func (j *Journal) Commit() []types.Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	events := j.events
	j.undo = nil
	j.events = nil
	j.revisions = nil
	return events
}

// Len returns the number of recorded undo actions.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo)
}

// Enter marks the start of a nested call and returns its depth (1 = outermost).
func (j *Journal) Enter() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.depth++
	return j.depth
}

// Exit marks the end of a nested call.
func (j *Journal) Exit() {
	j.mu.Lock()
	j.depth--
	j.mu.Unlock()
}

// Depth returns the current nesting depth.
func (j *Journal) Depth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.depth
}

type contextKey struct{}

// WithJournal returns a context carrying j.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, contextKey{}, j)
}

// FromContext returns the journal carried by ctx, or nil.
func FromContext(ctx context.Context) *Journal {
	if ctx == nil {
		return nil
	}
	j, _ := ctx.Value(contextKey{}).(*Journal)
	return j
}

// Record appends undo to the journal in ctx. Without a journal the mutation is
// permanent and undo is dropped.
func Record(ctx context.Context, undo func()) {
	if j := FromContext(ctx); j != nil {
		j.Append(undo)
	}
}
