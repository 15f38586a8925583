package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventCampaignRegistered EventType = "campaign_registered"
	EventCampaignRemoved    EventType = "campaign_removed"
	EventArmsUpdated        EventType = "arms_updated"
	EventArmSelected        EventType = "arm_selected"
	EventRewardObserved     EventType = "reward_observed"
	EventFallback           EventType = "fallback"
	EventBidApplied         EventType = "bid_applied"
	EventStepFailed         EventType = "step_failed"
	EventWorkflowStarted    EventType = "workflow_started"
	EventActivityCompleted  EventType = "activity_completed"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
)

// Event is a single campaign event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AdvertID  string    `json:"advert_id,omitempty"`

	// Step fields.
	StepID      string  `json:"step_id,omitempty"`
	Arm         string  `json:"arm,omitempty"`
	PreviousCPM float64 `json:"previous_cpm,omitempty"`
	NewCPM      float64 `json:"new_cpm,omitempty"`
	Reward      float64 `json:"reward,omitempty"`
	TotalPulls  int     `json:"total_pulls,omitempty"`
	ErrorClass  string  `json:"error_class,omitempty"`
	ErrorMsg    string  `json:"error_msg,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	// Workflow fields (populated for workflow events).
	WorkflowID   string `json:"workflow_id,omitempty"`
	WorkflowType string `json:"workflow_type,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Activity     string `json:"activity,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.done)
}

// Done is closed once the subscriber has been removed from the bus.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
