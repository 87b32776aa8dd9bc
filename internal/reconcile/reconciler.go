package reconcile

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/model"
	"github.com/rhazari/fleetdeck/internal/registry"
)

// Reconciler is the single entry point for device-originated state:
// telemetry pushes, poll results and channel connect/disconnect signals
// all merge into the registry through it.
type Reconciler struct {
	log zerolog.Logger
	reg *registry.Registry
}

func New(log zerolog.Logger, reg *registry.Registry) *Reconciler {
	return &Reconciler{
		log: log.With().Str("pkg", "reconcile").Logger(),
		reg: reg,
	}
}

// Ingest merges a telemetry report for an enrolled device. Reports for
// devices not in the registry are dropped with ErrUnknownDevice so a
// late report from a decommissioned device never resurrects it. A stale
// report is discarded with ErrStaleUpdate; neither case is fatal.
func (r *Reconciler) Ingest(id model.DeviceID, t model.Telemetry) (model.Device, error) {
	if t.LastSeenAt.IsZero() {
		t.LastSeenAt = time.Now()
	}

	dev, err := r.reg.Update(id, t)
	switch err {
	case model.ErrUnknownDevice:
		r.log.Debug().Str("device", string(id)).Msg("telemetry for unknown device dropped")
	case model.ErrStaleUpdate:
		r.log.Debug().
			Str("device", string(id)).
			Time("report", t.LastSeenAt).
			Msg("stale telemetry discarded")
	}

	return dev, err
}

// Register enrolls a device, creating its record when absent. This is
// the only path that creates devices; Ingest never does.
func (r *Reconciler) Register(id model.DeviceID, t model.Telemetry) (model.Device, error) {
	if t.LastSeenAt.IsZero() {
		t.LastSeenAt = time.Now()
	}

	return r.reg.Upsert(id, t)
}

// MarkOnline reports a live device link, e.g. a channel connect.
func (r *Reconciler) MarkOnline(id model.DeviceID) {
	conn := model.ConnectivityOnline
	if _, err := r.Ingest(id, model.Telemetry{Connectivity: &conn}); err != nil {
		r.log.Debug().Err(err).Str("device", string(id)).Msg("mark online")
	}
}

// MarkOffline reports a dropped device link.
func (r *Reconciler) MarkOffline(id model.DeviceID) {
	conn := model.ConnectivityOffline
	if _, err := r.Ingest(id, model.Telemetry{Connectivity: &conn}); err != nil {
		r.log.Debug().Err(err).Str("device", string(id)).Msg("mark offline")
	}
}
