package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/model"
)

const (
	handshakeTimeout = time.Second * 5
	writeWait        = time.Second * 10
)

// WS keeps one websocket link per device. Devices dial in and identify
// themselves; commands go out as JSON frames and ack frames come back on
// the same connection.
type WS struct {
	log zerolog.Logger

	onConnect    func(model.DeviceID)
	onDisconnect func(model.DeviceID)

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	ack   AckFunc
	conns map[model.DeviceID]*link
}

type link struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

type commandFrame struct {
	CommandID string `json:"command_id"`
	Kind      string `json:"kind"`
}

type ackFrame struct {
	CommandID string `json:"command_id"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// NewWS creates the websocket provider. onConnect and onDisconnect may
// be nil; when set they are invoked as device links come and go so the
// caller can feed connectivity telemetry into the reconciler.
func NewWS(log zerolog.Logger, onConnect, onDisconnect func(model.DeviceID)) *WS {
	return &WS{
		log:          log.With().Str("pkg", "channel").Logger(),
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4 << 10, // 4 KiB
			WriteBufferSize:  4 << 10, // 4 KiB
		},
		conns: make(map[model.DeviceID]*link),
	}
}

// Bind attaches the ack sink. Must be called before devices connect.
func (p *WS) Bind(ack AckFunc) {
	p.mu.Lock()
	p.ack = ack
	p.mu.Unlock()
}

// Handler upgrades an inbound device connection. The device identifies
// itself with the device_id query parameter.
func (p *WS) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := model.DeviceID(r.URL.Query().Get("device_id"))
		if len(id) == 0 {
			http.Error(w, "device_id is empty", http.StatusBadRequest)
			return
		}

		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Debug().Err(errors.Wrap(err, "unable to upgrade")).Str("device", string(id)).Msg("device connect")
			return
		}

		l := &link{conn: conn}

		p.mu.Lock()
		prev := p.conns[id]
		p.conns[id] = l
		p.mu.Unlock()

		if prev != nil {
			_ = prev.conn.Close()
		}

		p.log.Debug().Str("device", string(id)).Msg("device link up")

		if p.onConnect != nil {
			p.onConnect(id)
		}

		go p.readLoop(id, l)
	})
}

func (p *WS) readLoop(id model.DeviceID, l *link) {
	defer func() {
		_ = l.conn.Close()

		p.mu.Lock()
		if p.conns[id] == l {
			delete(p.conns, id)
		}
		p.mu.Unlock()

		p.log.Debug().Str("device", string(id)).Msg("device link down")

		if p.onDisconnect != nil {
			p.onDisconnect(id)
		}
	}()

	for {
		var frame ackFrame
		if err := l.conn.ReadJSON(&frame); err != nil {
			p.log.Debug().Err(err).Str("device", string(id)).Msg("read stopped")
			return
		}

		p.mu.RLock()
		ack := p.ack
		p.mu.RUnlock()

		if ack != nil {
			ack(model.CommandID(frame.CommandID), frame.OK, frame.Detail)
		}
	}
}

// Reachable reports whether the device has a live link.
func (p *WS) Reachable(id model.DeviceID) bool {
	p.mu.RLock()
	_, ok := p.conns[id]
	p.mu.RUnlock()

	return ok
}

// Send writes one command frame to the device's link. A device without
// a live link is unreachable.
func (p *WS) Send(ctx context.Context, deviceID model.DeviceID, commandID model.CommandID, kind model.CommandKind) error {
	p.mu.RLock()
	l := p.conns[deviceID]
	p.mu.RUnlock()

	if l == nil {
		return model.ErrChannelUnavailable
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteJSON(commandFrame{CommandID: string(commandID), Kind: kind.String()}); err != nil {
		p.log.Debug().Err(err).Str("device", string(deviceID)).Msg("write failed")
		return model.ErrChannelUnavailable
	}

	return nil
}
