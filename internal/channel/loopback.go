package channel

import (
	"context"
	"sync"

	"github.com/rhazari/fleetdeck/internal/model"
)

// Responder simulates the device side of a loopback link.
type Responder func(commandID model.CommandID, kind model.CommandKind, ack AckFunc)

// Loopback is an in-memory provider used by tests and local simulation.
// A device is reachable while a responder is connected for it.
type Loopback struct {
	mu    sync.Mutex
	ack   AckFunc
	links map[model.DeviceID]Responder
}

func NewLoopback() *Loopback {
	return &Loopback{links: make(map[model.DeviceID]Responder)}
}

// Bind attaches the ack sink. Must be called before the first Send.
func (l *Loopback) Bind(ack AckFunc) {
	l.mu.Lock()
	l.ack = ack
	l.mu.Unlock()
}

func (l *Loopback) Connect(id model.DeviceID, r Responder) {
	l.mu.Lock()
	l.links[id] = r
	l.mu.Unlock()
}

func (l *Loopback) Disconnect(id model.DeviceID) {
	l.mu.Lock()
	delete(l.links, id)
	l.mu.Unlock()
}

// Reachable reports whether a responder is connected for the device.
func (l *Loopback) Reachable(id model.DeviceID) bool {
	l.mu.Lock()
	_, ok := l.links[id]
	l.mu.Unlock()

	return ok
}

// Send hands the command to the device's responder on the calling
// goroutine. The caller is the per-device delivery loop, so invoking the
// responder inline keeps deliveries in issuance order.
func (l *Loopback) Send(_ context.Context, deviceID model.DeviceID, commandID model.CommandID, kind model.CommandKind) error {
	l.mu.Lock()
	r, ok := l.links[deviceID]
	ack := l.ack
	l.mu.Unlock()

	if !ok {
		return model.ErrChannelUnavailable
	}

	r(commandID, kind, ack)

	return nil
}
