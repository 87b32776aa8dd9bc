package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	fleetdeck "github.com/rhazari/fleetdeck"
	"github.com/rhazari/fleetdeck/internal/fcontext"
	"github.com/rhazari/fleetdeck/internal/model"
)

type infoResponse struct {
	Revision     string  `json:"revision"`
	Branch       string  `json:"branch"`
	BootTime     string  `json:"boot_time"`
	Uptime       float64 `json:"uptime"`
	RequestCount int     `json:"request_count"`
}

func (api *HTTP) handleInfo(w http.ResponseWriter, r *http.Request) {
	asJSON(r.Context(), w, infoResponse{
		Revision:     fleetdeck.Revision,
		Branch:       fleetdeck.Branch,
		BootTime:     api.bootTime.String(),
		Uptime:       float64(int(time.Since(api.bootTime).Seconds())),
		RequestCount: int(api.requestCount),
	}, http.StatusOK)
}

func (api *HTTP) handleListDevices(w http.ResponseWriter, r *http.Request) {
	asJSON(r.Context(), w, api.reg.List(), http.StatusOK)
}

// handleSnapshot exposes the registry in its stable contract shape: a
// mapping from device id to the device record.
func (api *HTTP) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	devices := api.reg.List()
	snapshot := make(map[model.DeviceID]model.Device, len(devices))
	for _, dev := range devices {
		snapshot[dev.ID] = dev
	}

	asJSON(r.Context(), w, snapshot, http.StatusOK)
}

func (api *HTTP) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "unable to read body", Code: http.StatusBadRequest})
		return
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "body is not valid json", Code: http.StatusBadRequest})
		return
	}

	id := model.DeviceID(v.GetStringBytes("id"))
	if len(id) == 0 {
		api.serveError(ctx, w, r, model.ServiceError{Message: "id is empty", Code: http.StatusUnprocessableEntity})
		return
	}

	t, serr := telemetryFromJSON(v)
	if serr != nil {
		api.serveError(ctx, w, r, *serr)
		return
	}

	dev, err := api.reconciler.Register(id, t)
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	asJSON(ctx, w, dev, http.StatusCreated)
}

func (api *HTTP) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.DeviceID(mux.Vars(r)["device_id"])

	dev, err := api.reg.Get(id)
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	asJSON(ctx, w, dev, http.StatusOK)
}

func (api *HTTP) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := model.DeviceID(mux.Vars(r)["device_id"])
	api.reg.Remove(id)

	w.WriteHeader(http.StatusNoContent)
}

type telemetryResponse struct {
	Applied bool         `json:"applied"`
	Device  model.Device `json:"device"`
}

func (api *HTTP) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.DeviceID(mux.Vars(r)["device_id"])

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "unable to read body", Code: http.StatusBadRequest})
		return
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "body is not valid json", Code: http.StatusBadRequest})
		return
	}

	t, serr := telemetryFromJSON(v)
	if serr != nil {
		api.serveError(ctx, w, r, *serr)
		return
	}

	dev, err := api.reconciler.Ingest(id, t)
	switch err {
	case nil:
		asJSON(ctx, w, telemetryResponse{Applied: true, Device: dev}, http.StatusOK)
	case model.ErrStaleUpdate:
		// discarded, not an error: the caller sees the surviving record
		asJSON(ctx, w, telemetryResponse{Applied: false, Device: dev}, http.StatusOK)
	default:
		api.serveCoreError(ctx, w, r, err)
	}
}

func (api *HTTP) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.DeviceID(mux.Vars(r)["device_id"])

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "unable to read body", Code: http.StatusBadRequest})
		return
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		api.serveError(ctx, w, r, model.ServiceError{Message: "body is not valid json", Code: http.StatusBadRequest})
		return
	}

	kind, err := model.ParseCommandKind(string(v.GetStringBytes("kind")))
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	cmd, err := api.dispatcher.Issue(ctx, id, kind)
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	asJSON(ctx, w, cmd, http.StatusAccepted)
}

func (api *HTTP) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.CommandID(mux.Vars(r)["command_id"])

	cmd, err := api.dispatcher.Command(id)
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	asJSON(ctx, w, cmd, http.StatusOK)
}

func (api *HTTP) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.CommandID(mux.Vars(r)["command_id"])

	if err := api.dispatcher.Cancel(id); err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	cmd, err := api.dispatcher.Command(id)
	if err != nil {
		api.serveCoreError(ctx, w, r, err)
		return
	}

	asJSON(ctx, w, cmd, http.StatusOK)
}

// handleEvents streams hub events to the presentation layer over a
// websocket. A subscriber that falls behind receives an overrun marker
// and is expected to resync via the device list.
func (api *HTTP) handleEvents() http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: time.Second * 5,
		ReadBufferSize:   4 << 10, // 4 KiB
		WriteBufferSize:  4 << 10, // 4 KiB
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			api.serveError(ctx, w, r, model.ServiceError{
				Message:   "unable to upgrade to websockets",
				RequestID: fcontext.RequestID(ctx),
				Code:      http.StatusBadRequest,
			})
			return
		}

		sub := api.events.Subscribe()

		// watch for the client hanging up
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sub.Close()
					return
				}
			}
		}()

		go func() {
			defer func() { _ = conn.Close() }()

			for ev := range sub.Events() {
				if err := conn.WriteJSON(ev); err != nil {
					sub.Close()
					return
				}
			}
		}()
	})
}

// serveCoreError maps the core's error taxonomy onto status codes.
func (api *HTTP) serveCoreError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch err {
	case model.ErrNotFound, model.ErrUnknownDevice:
		code = http.StatusNotFound
	case model.ErrDeviceOffline, model.ErrChannelUnavailable, model.ErrCommandInFlight:
		code = http.StatusConflict
	case model.ErrUnknownKind, model.ErrBatteryOutOfRange, model.ErrUnknownConnectivity:
		code = http.StatusUnprocessableEntity
	}

	api.serveError(ctx, w, r, model.ServiceError{Message: err.Error(), Code: code})
}

// telemetryFromJSON extracts the optional telemetry fields from a parsed
// request body.
func telemetryFromJSON(v *fastjson.Value) (model.Telemetry, *model.ServiceError) {
	var t model.Telemetry

	if v.Exists("name") {
		name := string(v.GetStringBytes("name"))
		t.Name = &name
	}

	if v.Exists("os") {
		osName := string(v.GetStringBytes("os"))
		t.OS = &osName
	}

	if v.Exists("location") {
		location := string(v.GetStringBytes("location"))
		t.Location = &location
	}

	if v.Exists("battery_percent") {
		battery := v.GetInt("battery_percent")
		t.BatteryPercent = &battery
	}

	if v.Exists("connectivity") {
		conn, err := model.ParseConnectivity(string(v.GetStringBytes("connectivity")))
		if err != nil {
			return model.Telemetry{}, &model.ServiceError{Message: err.Error(), Code: http.StatusUnprocessableEntity}
		}

		t.Connectivity = &conn
	}

	if v.Exists("last_seen_at") {
		ts, err := time.Parse(time.RFC3339, string(v.GetStringBytes("last_seen_at")))
		if err != nil {
			return model.Telemetry{}, &model.ServiceError{Message: "last_seen_at is not RFC3339", Code: http.StatusUnprocessableEntity}
		}

		t.LastSeenAt = ts
	}

	return t, nil
}
