package events

import (
	"sync"

	"go.uber.org/zap"

	"p2p_compute/pkg/data"
)

// Type tags every event published on the bus
type Type string

const (
	PeerDiscovered      Type = "peer:discovered"
	PeerConnected       Type = "peer:connected"
	PeerDisconnected    Type = "peer:disconnected"
	PeerUpdated         Type = "peer:updated"
	ContentFetching     Type = "content:fetching"
	ContentProgress     Type = "content:progress"
	ContentFetched      Type = "content:fetched"
	ContentFailed       Type = "content:failed"
	JobCreated          Type = "job:created"
	JobAssigned         Type = "job:assigned"
	JobStarted          Type = "job:started"
	JobProgress         Type = "job:progress"
	JobCompleted        Type = "job:completed"
	JobFailed           Type = "job:failed"
	JobCancelled        Type = "job:cancelled"
	ValidationRequested Type = "validation:requested"
	ValidationCompleted Type = "validation:completed"
	ConsensusReached    Type = "consensus:reached"
	ConsensusFailed     Type = "consensus:failed"
	HeartbeatReceived   Type = "heartbeat:received"
)

// Event is the tagged union carried by the bus. Each family has one
// concrete struct; handlers switch on the concrete type or the tag.
type Event interface {
	EventType() Type
}

// PeerEvent reports overlay membership changes
type PeerEvent struct {
	Type   Type
	PeerID string
	Peer   *data.PeerInfo
}

func (e PeerEvent) EventType() Type { return e.Type }

// ContentEvent reports content store activity
type ContentEvent struct {
	Type     Type
	CID      string
	Progress *data.FetchProgress
	Result   *data.FetchResult
}

func (e ContentEvent) EventType() Type { return e.Type }

// JobEvent reports job lifecycle transitions
type JobEvent struct {
	Type     Type
	JobID    string
	Job      *data.InferenceJob
	Result   *data.JobResult
	Progress float64
	Error    string
}

func (e JobEvent) EventType() Type { return e.Type }

// ValidationEvent reports validation activity
type ValidationEvent struct {
	Type    Type
	Request *data.ValidationRequest
	Result  *data.ValidationResult
}

func (e ValidationEvent) EventType() Type { return e.Type }

// ConsensusEvent reports consensus outcomes
type ConsensusEvent struct {
	Type   Type
	JobID  string
	Result *data.ConsensusResult
}

func (e ConsensusEvent) EventType() Type { return e.Type }

// HeartbeatEvent reports a verified remote heartbeat
type HeartbeatEvent struct {
	Heartbeat *data.Heartbeat
}

func (e HeartbeatEvent) EventType() Type { return HeartbeatReceived }

const defaultSubscriberBuffer = 64

// Subscription is one reader's buffered view of the event stream
type Subscription struct {
	ch     chan Event
	types  map[Type]struct{}
	bus    *Bus
	closed bool
	mu     sync.Mutex
}

// C returns the channel events are delivered on
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.remove(s)
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up has events dropped and logged.
type Bus struct {
	subs   map[*Subscription]struct{}
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewBus creates an event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a reader for the given event types; no types means
// all events
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		ch:    make(chan Event, defaultSubscriberBuffer),
		types: make(map[Type]struct{}, len(types)),
		bus:   b,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every interested subscriber
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(event.EventType()) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("Dropping event for slow subscriber",
				zap.String("type", string(event.EventType())))
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close detaches all subscribers
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
