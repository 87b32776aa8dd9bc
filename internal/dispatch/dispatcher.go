package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/model"
	"github.com/rhazari/fleetdeck/internal/registry"
)

// Provider delivers one command to one device. Send returns once the
// command is on the wire; the ack comes back asynchronously through
// OnAck. A device with no usable link fails with ErrChannelUnavailable.
type Provider interface {
	Send(ctx context.Context, deviceID model.DeviceID, commandID model.CommandID, kind model.CommandKind) error
	// Reachable reports whether the provider currently holds a usable
	// link to the device. Issue consults it so a command for a device
	// with no link is rejected up front instead of admitted and failed.
	Reachable(deviceID model.DeviceID) bool
}

const (
	defaultDeadline  = 15 * time.Second
	defaultRetention = time.Hour
)

// Config tunes command delivery. Deadlines overrides Deadline per kind;
// Retention is how long a resolved command stays queryable before its
// record is dropped from the table.
type Config struct {
	Deadline  time.Duration
	Deadlines map[model.CommandKind]time.Duration
	Retention time.Duration
}

// Dispatcher owns the table of in-flight commands: admission, per-device
// FIFO delivery, deadlines and terminal resolution. It never writes
// device fields directly; timeout downgrades go through the registry.
type Dispatcher struct {
	log      zerolog.Logger
	reg      *registry.Registry
	events   *hub.Core
	provider Provider

	deadline  time.Duration
	deadlines map[model.CommandKind]time.Duration
	retention time.Duration

	mu       sync.Mutex
	commands map[model.CommandID]*inflight
	active   map[activeKey]model.CommandID
	queues   map[model.DeviceID]*sendQueue
}

// activeKey enforces one outstanding command per device and kind.
type activeKey struct {
	device model.DeviceID
	kind   model.CommandKind
}

type inflight struct {
	mu    sync.Mutex
	cmd   model.Command
	timer *time.Timer
}

type sendQueue struct {
	jobs    []*inflight
	running bool
}

func New(log zerolog.Logger, reg *registry.Registry, events *hub.Core, provider Provider, cfg Config) *Dispatcher {
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	d := &Dispatcher{
		log:       log.With().Str("pkg", "dispatch").Logger(),
		reg:       reg,
		events:    events,
		provider:  provider,
		deadline:  cfg.Deadline,
		deadlines: cfg.Deadlines,
		retention: cfg.Retention,
		commands:  make(map[model.CommandID]*inflight),
		active:    make(map[activeKey]model.CommandID),
		queues:    make(map[model.DeviceID]*sendQueue),
	}

	reg.OnRemoval(func(id model.DeviceID) {
		d.FailAllForDevice(id, string(model.ErrDeviceRemoved))
	})

	return d
}

// Issue admits a new command for the device and returns immediately; the
// command is delivered in the background and its outcome is observed via
// the hub or Command. Offline devices reject the command outright so the
// operator sees the outcome at once instead of a silent queue.
func (d *Dispatcher) Issue(ctx context.Context, deviceID model.DeviceID, kind model.CommandKind) (model.Command, error) {
	switch kind {
	case model.KindWipe, model.KindLock, model.KindAlert, model.KindFetchLogs:
	default:
		return model.Command{}, model.ErrUnknownKind
	}

	dev, err := d.reg.Get(deviceID)
	if err != nil {
		return model.Command{}, model.ErrUnknownDevice
	}

	if dev.Connectivity == model.ConnectivityOffline {
		return model.Command{}, model.ErrDeviceOffline
	}

	if !d.provider.Reachable(deviceID) {
		return model.Command{}, model.ErrChannelUnavailable
	}

	d.mu.Lock()
	key := activeKey{device: deviceID, kind: kind}
	if _, busy := d.active[key]; busy {
		d.mu.Unlock()
		return model.Command{}, model.ErrCommandInFlight
	}

	cmd := model.Command{
		ID:       model.CommandID(uuid.New()),
		DeviceID: deviceID,
		Kind:     kind,
		State:    model.StatePending,
		IssuedAt: time.Now(),
	}

	in := &inflight{cmd: cmd}
	d.commands[cmd.ID] = in
	d.active[key] = cmd.ID

	q, ok := d.queues[deviceID]
	if !ok {
		q = &sendQueue{}
		d.queues[deviceID] = q
	}

	q.jobs = append(q.jobs, in)
	start := !q.running
	if start {
		q.running = true
	}
	d.mu.Unlock()

	if start {
		go d.drain(deviceID)
	}

	d.log.Debug().
		Str("command", string(cmd.ID)).
		Str("device", string(deviceID)).
		Str("kind", kind.String()).
		Msg("issued")

	return cmd, nil
}

// drain delivers the device's queued commands in issuance order. Exactly
// one drain runs per device at a time.
func (d *Dispatcher) drain(deviceID model.DeviceID) {
	for {
		d.mu.Lock()
		q := d.queues[deviceID]
		if len(q.jobs) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}

		in := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		d.send(in)
	}
}

func (d *Dispatcher) send(in *inflight) {
	in.mu.Lock()
	if in.cmd.State != model.StatePending {
		// resolved before it hit the wire (removal cascade or cancel)
		in.mu.Unlock()
		return
	}

	in.cmd.State = model.StateSent
	cmd := in.cmd
	in.mu.Unlock()

	err := d.provider.Send(context.Background(), cmd.DeviceID, cmd.ID, cmd.Kind)
	if err != nil {
		d.log.Debug().
			Err(err).
			Str("command", string(cmd.ID)).
			Str("device", string(cmd.DeviceID)).
			Msg("send failed")
		d.resolve(in, model.StateFailed, string(model.ErrChannelUnavailable))
		return
	}

	in.mu.Lock()
	if !in.cmd.State.Terminal() {
		in.timer = time.AfterFunc(d.deadlineFor(cmd.Kind), func() { d.expire(in) })
	}
	in.mu.Unlock()
}

func (d *Dispatcher) deadlineFor(kind model.CommandKind) time.Duration {
	if dl, ok := d.deadlines[kind]; ok && dl > 0 {
		return dl
	}

	return d.deadline
}

// OnAck resolves the command from a device reply. A late or duplicate
// ack against a terminal command is a logged no-op.
func (d *Dispatcher) OnAck(commandID model.CommandID, ok bool, detail string) {
	d.mu.Lock()
	in := d.commands[commandID]
	d.mu.Unlock()

	if in == nil {
		d.log.Debug().Str("command", string(commandID)).Msg("ack for unknown command")
		return
	}

	if !ok {
		if len(detail) == 0 {
			detail = "device reported failure"
		}

		d.resolve(in, model.StateFailed, detail)
		return
	}

	if !d.resolve(in, model.StateAcked, detail) {
		return
	}

	// a successful ack is device contact: refresh last seen and clear
	// timeout strikes through the registry's write path
	in.mu.Lock()
	deviceID := in.cmd.DeviceID
	in.mu.Unlock()

	if _, err := d.reg.Update(deviceID, model.Telemetry{LastSeenAt: time.Now()}); err != nil && err != model.ErrStaleUpdate {
		d.log.Debug().Err(err).Str("device", string(deviceID)).Msg("refresh after ack")
	}
}

// Cancel aborts an outstanding command. It races safely against a
// concurrent ack: whichever terminal transition lands first wins and the
// loser is a no-op.
func (d *Dispatcher) Cancel(commandID model.CommandID) error {
	d.mu.Lock()
	in := d.commands[commandID]
	d.mu.Unlock()

	if in == nil {
		return model.ErrNotFound
	}

	if !d.resolve(in, model.StateFailed, string(model.ErrCancelled)) {
		d.log.Debug().Str("command", string(commandID)).Msg("cancel after resolution")
	}

	return nil
}

// Command returns the current snapshot of a command record.
func (d *Dispatcher) Command(commandID model.CommandID) (model.Command, error) {
	d.mu.Lock()
	in := d.commands[commandID]
	d.mu.Unlock()

	if in == nil {
		return model.Command{}, model.ErrNotFound
	}

	in.mu.Lock()
	cmd := in.cmd
	in.mu.Unlock()

	return cmd, nil
}

// FailAllForDevice resolves every non-terminal command for the device.
// The registry invokes it when the device is removed.
func (d *Dispatcher) FailAllForDevice(deviceID model.DeviceID, reason string) {
	d.mu.Lock()
	ins := make([]*inflight, 0, 4)
	for _, in := range d.commands {
		if in.cmd.DeviceID == deviceID {
			ins = append(ins, in)
		}
	}
	d.mu.Unlock()

	for _, in := range ins {
		d.resolve(in, model.StateFailed, reason)
	}
}

func (d *Dispatcher) expire(in *inflight) {
	if !d.resolve(in, model.StateTimedOut, string(model.ErrTimedOut)) {
		return
	}

	in.mu.Lock()
	deviceID := in.cmd.DeviceID
	in.mu.Unlock()

	if _, err := d.reg.Strike(deviceID); err != nil {
		d.log.Debug().Err(err).Str("device", string(deviceID)).Msg("strike after timeout")
	}
}

// resolve performs the single terminal transition for a command. It
// reports false when the command already reached a terminal state.
func (d *Dispatcher) resolve(in *inflight, state model.CommandState, reason string) bool {
	in.mu.Lock()
	if in.cmd.State.Terminal() {
		in.mu.Unlock()
		return false
	}

	in.cmd.State = state
	in.cmd.Reason = reason
	in.cmd.ResolvedAt = time.Now()
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}

	cmd := in.cmd
	in.mu.Unlock()

	d.mu.Lock()
	delete(d.active, activeKey{device: cmd.DeviceID, kind: cmd.Kind})
	d.mu.Unlock()

	// the record stays queryable for a while, then leaves the table so
	// resolved commands do not accumulate for the life of the process
	time.AfterFunc(d.retention, func() { d.evict(cmd.ID) })

	d.log.Debug().
		Str("command", string(cmd.ID)).
		Str("device", string(cmd.DeviceID)).
		Str("state", cmd.State.String()).
		Str("reason", cmd.Reason).
		Msg("resolved")

	d.events.Publish(hub.Event{Kind: hub.EventCommandResult, Command: &cmd})

	return true
}

func (d *Dispatcher) evict(commandID model.CommandID) {
	d.mu.Lock()
	delete(d.commands, commandID)
	d.mu.Unlock()
}
