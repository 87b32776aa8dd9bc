package model

import "encoding/json"

type ServiceError struct {
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Code int `json:"-"`
}

func (err ServiceError) Error() string {
	data, _ := json.Marshal(&err)

	return string(data)
}

type Error string

func (err Error) Error() string {
	return string(err)
}

const (
	ErrNotFound            Error = "not found"
	ErrUnknownDevice       Error = "unknown device"
	ErrDeviceOffline       Error = "device offline"
	ErrChannelUnavailable  Error = "channel unavailable"
	ErrCommandInFlight     Error = "command already in flight"
	ErrStaleUpdate         Error = "stale update"
	ErrDeviceRemoved       Error = "device removed"
	ErrCancelled           Error = "cancelled"
	ErrTimedOut            Error = "timed out"
	ErrUnknownKind         Error = "unknown command kind"
	ErrUnknownState        Error = "unknown command state"
	ErrUnknownConnectivity Error = "unknown connectivity"
	ErrBatteryOutOfRange   Error = "battery percent out of range"
)
