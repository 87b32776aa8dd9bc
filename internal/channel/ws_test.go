package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/model"
)

func dialDevice(t *testing.T, srv *httptest.Server, id model.DeviceID) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?device_id=" + string(id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}

	return conn
}

func TestWSSendNoLink(t *testing.T) {
	p := NewWS(zerolog.Nop(), nil, nil)
	p.Bind(func(model.CommandID, bool, string) {})

	if err := p.Send(context.Background(), "dev-1", "cmd-1", model.KindLock); err != model.ErrChannelUnavailable {
		t.Fatalf("exp channel unavailable got %v", err)
	}
}

func TestWSCommandRoundTrip(t *testing.T) {
	connects := make(chan model.DeviceID, 1)
	disconnects := make(chan model.DeviceID, 1)

	p := NewWS(zerolog.Nop(),
		func(id model.DeviceID) { connects <- id },
		func(id model.DeviceID) { disconnects <- id },
	)

	acks := make(chan ackFrame, 1)
	p.Bind(func(id model.CommandID, ok bool, detail string) {
		acks <- ackFrame{CommandID: string(id), OK: ok, Detail: detail}
	})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	conn := dialDevice(t, srv, "dev-1")
	defer conn.Close()

	select {
	case id := <-connects:
		if id != "dev-1" {
			t.Fatalf("exp dev-1 got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("connect hook never fired")
	}

	if err := p.Send(context.Background(), "dev-1", "cmd-1", model.KindWipe); err != nil {
		t.Fatal(err)
	}

	var frame commandFrame
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}

	if frame.CommandID != "cmd-1" || frame.Kind != "wipe" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	if err := conn.WriteJSON(ackFrame{CommandID: "cmd-1", OK: true}); err != nil {
		t.Fatal(err)
	}

	select {
	case ack := <-acks:
		if ack.CommandID != "cmd-1" || !ack.OK {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("ack never arrived")
	}

	conn.Close()

	select {
	case id := <-disconnects:
		if id != "dev-1" {
			t.Fatalf("exp dev-1 got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect hook never fired")
	}

	if err := p.Send(context.Background(), "dev-1", "cmd-2", model.KindLock); err != model.ErrChannelUnavailable {
		t.Fatalf("exp channel unavailable after disconnect got %v", err)
	}
}

func TestWSRejectsAnonymousDevice(t *testing.T) {
	p := NewWS(zerolog.Nop(), nil, nil)
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without device_id must fail")
	}

	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("exp 400 got %+v", resp)
	}
}
