package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rhazari/fleetdeck/internal/model"
)

type EventKind uint8

const (
	EventDeviceChanged EventKind = iota
	EventDeviceRemoved
	EventCommandResult
	EventSubscriberOverrun
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceChanged:
		return "device_changed"
	case EventDeviceRemoved:
		return "device_removed"
	case EventCommandResult:
		return "command_result"
	case EventSubscriberOverrun:
		return "subscriber_overrun"
	default:
		return "undefined"
	}
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is a single change notification. Device is set for device events,
// Command for command results. Dropped carries the loss count on an
// overrun marker so the subscriber knows to resync from the registry.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Device  *model.Device  `json:"device,omitempty"`
	Command *model.Command `json:"command,omitempty"`
	Dropped int            `json:"dropped,omitempty"`
	At      time.Time      `json:"at"`
}

// Core fans out events to subscribers. Publish never blocks: each
// subscriber has a bounded backlog with drop-oldest policy, and a lost
// stretch is reported to that subscriber as a single overrun marker.
type Core struct {
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

const defaultBuffer = 64

func New(buffer int) *Core {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Core{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber starting from the next published
// event.
func (c *Core) Subscribe() *Subscription {
	sub := &Subscription{
		core: c,
		out:  make(chan Event),
		quit: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.out)
		sub.done = true

		return sub
	}

	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.pump()

	return sub
}

// Publish delivers the event to every live subscriber and returns
// without waiting for any of them.
func (c *Core) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev, c.buffer)
	}
}

// Close terminates all subscriptions. Subsequent Publish calls are
// dropped.
func (c *Core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	subs := c.subs
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (c *Core) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// Subscription is a single subscriber's view of the event stream. Events
// are read from Events(); the channel is closed after Close.
type Subscription struct {
	core *Core
	out  chan Event
	quit chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	backlog  []Event
	dropped  int
	done     bool
	stopOnce sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription from the hub and releases its pump.
func (s *Subscription) Close() {
	s.core.unsubscribe(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.done = true
		s.cond.Signal()
		s.mu.Unlock()

		close(s.quit)
	})
}

func (s *Subscription) push(ev Event, limit int) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}

	if len(s.backlog) >= limit {
		s.backlog = s.backlog[1:]
		s.dropped++
	}

	s.backlog = append(s.backlog, ev)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.backlog) == 0 && s.dropped == 0 && !s.done {
			s.cond.Wait()
		}

		if s.done {
			s.mu.Unlock()
			close(s.out)
			return
		}

		var ev Event
		if s.dropped > 0 {
			// the marker goes out before the survivors so the reader
			// can resync from the registry first
			ev = Event{Kind: EventSubscriberOverrun, Dropped: s.dropped, At: time.Now()}
			s.dropped = 0
		} else {
			ev = s.backlog[0]
			s.backlog = s.backlog[1:]
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			close(s.out)
			return
		}
	}
}
