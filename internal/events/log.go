// Package events keeps the stream of committed settlement events and fans it
// out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/pkg/types"
)

// DefaultCapacity is the number of events a Log retains.
const DefaultCapacity = 10000

// subscriberBuffer is the channel depth given to each subscriber.
const subscriberBuffer = 256

// Log is a bounded, append-only event journal. Older events are dropped once
// capacity is reached; sequence numbers keep increasing.
type Log struct {
	mu       sync.RWMutex
	entries  []types.Event
	capacity int
	nextSeq  uint64

	subMu   sync.Mutex
	subs    map[uint64]chan types.Event
	nextSub uint64
	dropped uint64
}

// NewLog creates a log retaining up to capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		nextSeq:  1,
		subs:     make(map[uint64]chan types.Event),
	}
}

// Publish stamps e with an id and sequence number, stores it and delivers it
// to subscribers. Slow subscribers miss events rather than block publishing.
func (l *Log) Publish(e types.Event) {
	l.mu.Lock()
	e.ID = uuid.New().String()
	e.Seq = l.nextSeq
	l.nextSeq++
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-l.capacity:]...)
	}
	l.mu.Unlock()

	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			l.dropped++
			logging.Debug("event subscriber lagging",
				logging.Component("events"),
				"subscriber", id,
				"seq", e.Seq)
		}
	}
}

// Since returns up to limit events with a sequence number greater than seq.
// A limit of 0 returns every retained event after seq.
func (l *Log) Since(seq uint64, limit int) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.entries)
	for i, e := range l.entries {
		if e.Seq > seq {
			start = i
			break
		}
	}
	end := len(l.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]types.Event, end-start)
	copy(out, l.entries[start:end])
	return out
}

// Filter returns retained events matching kind and service, newest last.
// Zero values match everything.
func (l *Log) Filter(kind types.EventKind, service types.ServiceID, limit int) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.Event
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if kind != "" && e.Kind != kind {
			continue
		}
		if service != 0 && e.ServiceID != service {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// LastSeq returns the sequence number of the newest event, or 0.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - 1
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving every event published from now on and
// a function that ends the subscription and closes the channel.
func (l *Log) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (l *Log) Dropped() uint64 {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return l.dropped
}
