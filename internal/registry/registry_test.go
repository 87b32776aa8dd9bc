package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/model"
)

func newTestRegistry() (*Registry, *hub.Core) {
	events := hub.New(32)
	return New(zerolog.Nop(), events), events
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func connPtr(c model.Connectivity) *model.Connectivity { return &c }

func onlineAt(ts time.Time) model.Telemetry {
	return model.Telemetry{Connectivity: connPtr(model.ConnectivityOnline), LastSeenAt: ts}
}

func waitEvent(t *testing.T, sub *hub.Subscription) hub.Event {
	t.Helper()

	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return hub.Event{}
	}
}

func expectNoEvent(t *testing.T, sub *hub.Subscription) {
	t.Helper()

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpsertCreatesWithDefaults(t *testing.T) {
	reg, _ := newTestRegistry()

	dev, err := reg.Upsert("dev-1", model.Telemetry{Name: strPtr("pixel")})
	if err != nil {
		t.Fatal(err)
	}

	if dev.BatteryPercent != model.BatteryUnknown {
		t.Fatalf("exp unknown battery got %d", dev.BatteryPercent)
	}

	if dev.Connectivity != model.ConnectivityUnknown {
		t.Fatalf("exp unknown connectivity got %s", dev.Connectivity)
	}

	if dev.Name != "pixel" {
		t.Fatalf("exp pixel got %s", dev.Name)
	}
}

func TestUpsertStaleDiscarded(t *testing.T) {
	reg, _ := newTestRegistry()

	now := time.Now()
	if _, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(80), LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}

	dev, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(10), LastSeenAt: now.Add(-time.Minute)})
	if err != model.ErrStaleUpdate {
		t.Fatalf("exp stale update got %v", err)
	}

	if dev.BatteryPercent != 80 {
		t.Fatalf("stale update must not apply, got battery %d", dev.BatteryPercent)
	}
}

func TestUpsertKnownNotOverwrittenByUnknown(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Upsert("dev-1", model.Telemetry{Name: strPtr("pixel"), OS: strPtr("android 14")}); err != nil {
		t.Fatal(err)
	}

	dev, err := reg.Upsert("dev-1", model.Telemetry{Name: strPtr(""), OS: strPtr(""), LastSeenAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	if dev.Name != "pixel" || dev.OS != "android 14" {
		t.Fatalf("known fields overwritten: %+v", dev)
	}
}

func TestUpsertBatteryOutOfRange(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(101)}); err != model.ErrBatteryOutOfRange {
		t.Fatalf("exp out of range got %v", err)
	}

	if _, err := reg.Get("dev-1"); err != model.ErrNotFound {
		t.Fatal("rejected upsert must not create the device")
	}
}

func TestListRegistrationOrder(t *testing.T) {
	reg, _ := newTestRegistry()

	ids := []model.DeviceID{"dev-3", "dev-1", "dev-2"}
	for _, id := range ids {
		if _, err := reg.Upsert(id, model.Telemetry{}); err != nil {
			t.Fatal(err)
		}
	}

	devices := reg.List()
	if len(devices) != len(ids) {
		t.Fatalf("exp %d devices got %d", len(ids), len(devices))
	}

	for i, id := range ids {
		if devices[i].ID != id {
			t.Fatalf("position %d: exp %s got %s", i, id, devices[i].ID)
		}
	}
}

func TestRemoveIdempotentWithCascade(t *testing.T) {
	reg, _ := newTestRegistry()

	var removed []model.DeviceID
	reg.OnRemoval(func(id model.DeviceID) { removed = append(removed, id) })

	if _, err := reg.Upsert("dev-1", model.Telemetry{}); err != nil {
		t.Fatal(err)
	}

	reg.Remove("dev-1")
	reg.Remove("dev-1")

	if len(removed) != 1 || removed[0] != "dev-1" {
		t.Fatalf("exp single cascade for dev-1 got %v", removed)
	}

	if _, err := reg.Get("dev-1"); err != model.ErrNotFound {
		t.Fatalf("exp not found got %v", err)
	}
}

func TestStrikeTwoStepDowngrade(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Upsert("dev-1", onlineAt(time.Now())); err != nil {
		t.Fatal(err)
	}

	conn, err := reg.Strike("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn != model.ConnectivityUnknown {
		t.Fatalf("first strike: exp unknown got %s", conn)
	}

	conn, err = reg.Strike("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn != model.ConnectivityOffline {
		t.Fatalf("second strike: exp offline got %s", conn)
	}
}

func TestFreshContactResetsStrikes(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Upsert("dev-1", onlineAt(time.Now())); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Strike("dev-1"); err != nil {
		t.Fatal(err)
	}

	dev, err := reg.Upsert("dev-1", onlineAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if dev.Connectivity != model.ConnectivityOnline {
		t.Fatalf("fresh online telemetry must recover immediately, got %s", dev.Connectivity)
	}

	// counter restarted: next strike is the first again
	conn, err := reg.Strike("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn != model.ConnectivityUnknown {
		t.Fatalf("exp unknown after reset got %s", conn)
	}
}

func TestUpsertEventPerObservableChange(t *testing.T) {
	reg, events := newTestRegistry()
	sub := events.Subscribe()
	defer sub.Close()

	now := time.Now()
	if _, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(85), LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, sub)
	if ev.Kind != hub.EventDeviceChanged || ev.Device.ID != "dev-1" {
		t.Fatalf("exp device change got %+v", ev)
	}

	// same battery, newer timestamp: freshness bump only, no event
	if _, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(85), LastSeenAt: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, sub)

	if _, err := reg.Upsert("dev-1", model.Telemetry{BatteryPercent: intPtr(70), LastSeenAt: now.Add(2 * time.Second)}); err != nil {
		t.Fatal(err)
	}

	ev = waitEvent(t, sub)
	if ev.Device.BatteryPercent != 70 {
		t.Fatalf("exp battery 70 got %d", ev.Device.BatteryPercent)
	}
}

// Concurrent first-contact upserts for the same id must converge on a
// single record and a single registration.
func TestUpsertConcurrentCreateSingleRecord(t *testing.T) {
	reg, _ := newTestRegistry()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := reg.Upsert("dev-1", model.Telemetry{LastSeenAt: time.Now()})
			done <- err
		}()
	}

	for i := 0; i < 8; i++ {
		if err := <-done; err != nil && err != model.ErrStaleUpdate {
			t.Fatal(err)
		}
	}

	devices := reg.List()
	if len(devices) != 1 {
		t.Fatalf("exp single record got %d", len(devices))
	}
}

func TestUpdateUnknownDeviceNotCreated(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Update("dev-1", model.Telemetry{BatteryPercent: intPtr(50)}); err != model.ErrUnknownDevice {
		t.Fatalf("exp unknown device got %v", err)
	}

	if _, err := reg.Get("dev-1"); err != model.ErrNotFound {
		t.Fatal("update must not create the device")
	}
}

func TestUpdateAfterRemoveDoesNotResurrect(t *testing.T) {
	reg, events := newTestRegistry()

	if _, err := reg.Upsert("dev-1", onlineAt(time.Now())); err != nil {
		t.Fatal(err)
	}

	reg.Remove("dev-1")

	sub := events.Subscribe()
	defer sub.Close()

	if _, err := reg.Update("dev-1", onlineAt(time.Now())); err != model.ErrUnknownDevice {
		t.Fatalf("exp unknown device got %v", err)
	}

	if len(reg.List()) != 0 {
		t.Fatal("removed device came back")
	}

	// no change event either: the device is gone
	expectNoEvent(t, sub)
}
