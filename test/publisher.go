package test

import (
	"sync"

	"github.com/tucanchat/tucan/realtime"
)

// PublishedEvent is one event handed to a Publisher, with the room it was
// addressed to.
type PublishedEvent struct {
	Room  string
	Event *realtime.Event
}

// Publisher is a realtime.Publisher that captures events instead of fanning
// them out.
type Publisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// NewPublisher returns a new empty publisher
func NewPublisher() *Publisher {
	return &Publisher{}
}

var _ realtime.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(room string, event *realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, PublishedEvent{Room: room, Event: event})
}

// Events returns everything published so far
func (p *Publisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]PublishedEvent{}, p.events...)
}

// EventsOfType returns the published events with the given type
func (p *Publisher) EventsOfType(typ string) []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	matches := make([]PublishedEvent, 0)
	for _, e := range p.events {
		if e.Event.Type == typ {
			matches = append(matches, e)
		}
	}
	return matches
}

// Clear forgets everything published so far
func (p *Publisher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = nil
}
