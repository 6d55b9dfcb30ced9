// Package bus provides an in-process publish/subscribe bus for pipeline
// and execution events. Publishing never blocks: a subscriber that falls
// behind loses events rather than stalling the pipeline.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Topic identifies an event stream.
type Topic string

const (
	// TopicPipelineUpdated fires after every pipeline stage transition.
	TopicPipelineUpdated Topic = "pipeline.updated"

	// TopicStepUpdated fires when an execution step is appended.
	TopicStepUpdated Topic = "step.updated"
)

// Event is a published notification.
type Event struct {
	Topic        Topic  `json:"topic"`
	Stage        string `json:"stage,omitempty"`
	TranscriptID string `json:"transcript_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	StepID       string `json:"step_id,omitempty"`
}

const subscriberBuffer = 64

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic]map[int]chan Event
	nextID int
	logger *zap.Logger
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic]map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber for a topic. The returned cancel
// function unregisters it and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of its topic. Slow
// subscribers are skipped; observer failures must never affect pipeline
// correctness.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("topic", string(ev.Topic)),
				zap.Int("subscriber", id),
			)
		}
	}
}
