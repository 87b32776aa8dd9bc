package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/model"
)

// Registry is the authoritative table of known devices. Every write to a
// device record goes through here so concurrent updates to the same
// device are serialized while unrelated devices stay fully parallel.
type Registry struct {
	log    zerolog.Logger
	events *hub.Core

	mu      sync.RWMutex
	devices map[model.DeviceID]*record
	order   []model.DeviceID

	removal func(model.DeviceID)
}

type record struct {
	mu sync.Mutex

	dev model.Device
	// consecutive command timeouts since the last successful contact
	strikes int
	// set by Remove so a writer holding the record cannot apply a merge
	// to (or emit events for) a device that already left the table
	removed bool
}

func New(log zerolog.Logger, events *hub.Core) *Registry {
	return &Registry{
		log:     log.With().Str("pkg", "registry").Logger(),
		events:  events,
		devices: make(map[model.DeviceID]*record),
	}
}

// OnRemoval registers the hook invoked after a device leaves the table,
// before the removal event goes out. The dispatcher uses it to fail the
// device's in-flight commands.
func (r *Registry) OnRemoval(fn func(model.DeviceID)) {
	r.mu.Lock()
	r.removal = fn
	r.mu.Unlock()
}

// Upsert merges the telemetry into the device record, creating it when
// absent. A report older than the record's LastSeenAt is discarded with
// ErrStaleUpdate. Known values are never replaced by unknown ones. One
// change event is emitted when observable fields changed; a pure
// freshness bump is silent.
func (r *Registry) Upsert(id model.DeviceID, t model.Telemetry) (model.Device, error) {
	if len(id) == 0 {
		return model.Device{}, model.ErrUnknownDevice
	}

	if t.BatteryPercent != nil && (*t.BatteryPercent < 0 || *t.BatteryPercent > 100) {
		return model.Device{}, model.ErrBatteryOutOfRange
	}

	rec, created := r.ensure(id)

	return r.apply(rec, created, t)
}

// Update is the update-only variant of Upsert: it never creates the
// device and fails with ErrUnknownDevice when the record is absent or
// concurrently removed. Telemetry ingest and ack freshness refreshes use
// it so a late report can never resurrect a decommissioned device.
func (r *Registry) Update(id model.DeviceID, t model.Telemetry) (model.Device, error) {
	if t.BatteryPercent != nil && (*t.BatteryPercent < 0 || *t.BatteryPercent > 100) {
		return model.Device{}, model.ErrBatteryOutOfRange
	}

	r.mu.RLock()
	rec, ok := r.devices[id]
	r.mu.RUnlock()

	if !ok {
		return model.Device{}, model.ErrUnknownDevice
	}

	return r.apply(rec, false, t)
}

// ensure returns the record for id, inserting a fresh one into the arena
// when absent. The bool reports whether this call created it.
func (r *Registry) ensure(id model.DeviceID) (*record, bool) {
	r.mu.RLock()
	rec, ok := r.devices[id]
	r.mu.RUnlock()

	if ok {
		return rec, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok = r.devices[id]; ok {
		return rec, false
	}

	rec = &record{dev: model.Device{
		ID:             id,
		BatteryPercent: model.BatteryUnknown,
		Connectivity:   model.ConnectivityUnknown,
	}}
	r.devices[id] = rec
	r.order = append(r.order, id)

	return rec, true
}

func (r *Registry) apply(rec *record, created bool, t model.Telemetry) (model.Device, error) {
	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return model.Device{}, model.ErrUnknownDevice
	}

	dev := &rec.dev

	if !created && !t.LastSeenAt.IsZero() && t.LastSeenAt.Before(dev.LastSeenAt) {
		snap := *dev
		rec.mu.Unlock()

		return snap, model.ErrStaleUpdate
	}

	var changed bool
	if t.Name != nil && len(*t.Name) != 0 && *t.Name != dev.Name {
		dev.Name = *t.Name
		changed = true
	}

	if t.OS != nil && len(*t.OS) != 0 && *t.OS != dev.OS {
		dev.OS = *t.OS
		changed = true
	}

	if t.BatteryPercent != nil && *t.BatteryPercent != dev.BatteryPercent {
		dev.BatteryPercent = *t.BatteryPercent
		changed = true
	}

	if t.Location != nil && len(*t.Location) != 0 && *t.Location != dev.Location {
		dev.Location = *t.Location
		changed = true
	}

	if t.Connectivity != nil && *t.Connectivity != dev.Connectivity {
		dev.Connectivity = *t.Connectivity
		changed = true
	}

	if t.LastSeenAt.After(dev.LastSeenAt) {
		dev.LastSeenAt = t.LastSeenAt
		rec.strikes = 0
	}

	snap := *dev
	rec.mu.Unlock()

	if created {
		r.log.Debug().Str("device", string(snap.ID)).Msg("registered")
	}

	if created || changed {
		r.events.Publish(hub.Event{Kind: hub.EventDeviceChanged, Device: &snap})
	}

	return snap, nil
}

// Get returns the current snapshot of the device.
func (r *Registry) Get(id model.DeviceID) (model.Device, error) {
	r.mu.RLock()
	rec, ok := r.devices[id]
	r.mu.RUnlock()

	if !ok {
		return model.Device{}, model.ErrNotFound
	}

	rec.mu.Lock()
	snap := rec.dev
	rec.mu.Unlock()

	return snap, nil
}

// List returns device snapshots in registration order. The slice is
// taken under a brief critical section per record, not a live view.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.devices[id]; ok {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	devices := make([]model.Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		devices = append(devices, rec.dev)
		rec.mu.Unlock()
	}

	return devices
}

// Remove drops the device from the table. It is idempotent; removing an
// unknown device is a no-op. In-flight commands for the device are
// failed through the removal hook.
func (r *Registry) Remove(id model.DeviceID) {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.devices, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	removal := r.removal
	r.mu.Unlock()

	rec.mu.Lock()
	rec.removed = true
	snap := rec.dev
	rec.mu.Unlock()

	r.log.Debug().Str("device", string(id)).Msg("removed")

	if removal != nil {
		removal(id)
	}

	r.events.Publish(hub.Event{Kind: hub.EventDeviceRemoved, Device: &snap})
}

// Strike records a command timeout against the device. The first strike
// since the last successful contact downgrades connectivity to unknown,
// the second to offline, so one transient miss never flaps a device
// straight to offline.
func (r *Registry) Strike(id model.DeviceID) (model.Connectivity, error) {
	r.mu.RLock()
	rec, ok := r.devices[id]
	r.mu.RUnlock()

	if !ok {
		return model.ConnectivityUnknown, model.ErrNotFound
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return model.ConnectivityUnknown, model.ErrNotFound
	}

	rec.strikes++

	prev := rec.dev.Connectivity
	if rec.strikes >= 2 {
		rec.dev.Connectivity = model.ConnectivityOffline
	} else {
		rec.dev.Connectivity = model.ConnectivityUnknown
	}

	changed := rec.dev.Connectivity != prev
	snap := rec.dev
	rec.mu.Unlock()

	if changed {
		r.log.Debug().
			Str("device", string(id)).
			Str("connectivity", snap.Connectivity.String()).
			Msg("downgraded after timeout")
		r.events.Publish(hub.Event{Kind: hub.EventDeviceChanged, Device: &snap})
	}

	return snap.Connectivity, nil
}
