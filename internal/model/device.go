package model

import (
	"encoding/json"
	"time"
)

type Device struct {
	ID             DeviceID     `json:"id"`
	Name           string       `json:"name"`
	OS             string       `json:"os"`
	BatteryPercent int          `json:"battery_percent"`
	Location       string       `json:"location,omitempty"`
	Connectivity   Connectivity `json:"connectivity"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
}

type DeviceID string

// BatteryUnknown marks a device that has not reported battery level yet.
const BatteryUnknown = -1

type Connectivity uint8

const (
	ConnectivityUnknown Connectivity = iota
	ConnectivityOnline
	ConnectivityOffline
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityOnline:
		return "online"
	case ConnectivityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (c Connectivity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Connectivity) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}

	conn, err := ParseConnectivity(text)
	if err != nil {
		return err
	}

	*c = conn
	return nil
}

// ParseConnectivity maps the wire name of a connectivity state.
func ParseConnectivity(text string) (Connectivity, error) {
	switch text {
	case "online":
		return ConnectivityOnline, nil
	case "offline":
		return ConnectivityOffline, nil
	case "unknown":
		return ConnectivityUnknown, nil
	default:
		return ConnectivityUnknown, ErrUnknownConnectivity
	}
}

// Telemetry is a partial device update. Nil fields are absent from the
// report and keep whatever value the record already holds.
type Telemetry struct {
	Name           *string       `json:"name,omitempty"`
	OS             *string       `json:"os,omitempty"`
	BatteryPercent *int          `json:"battery_percent,omitempty"`
	Location       *string       `json:"location,omitempty"`
	Connectivity   *Connectivity `json:"connectivity,omitempty"`
	LastSeenAt     time.Time     `json:"last_seen_at,omitempty"`
}
