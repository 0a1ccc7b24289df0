package events

import "github.com/moltbunker/escrowd/pkg/types"

// Sink receives published events.
type Sink interface {
	Publish(e types.Event)
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Sink

// Publish forwards e to every sink.
func (f Fanout) Publish(e types.Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.Event)

// Publish calls fn(e).
func (fn SinkFunc) Publish(e types.Event) {
	fn(e)
}
