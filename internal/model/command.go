package model

import (
	"encoding/json"
	"time"
)

type Command struct {
	ID         CommandID    `json:"id"`
	DeviceID   DeviceID     `json:"device_id"`
	Kind       CommandKind  `json:"kind"`
	State      CommandState `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	IssuedAt   time.Time    `json:"issued_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

type CommandID string

type CommandKind uint8

const (
	KindUnknown CommandKind = iota
	KindWipe
	KindLock
	KindAlert
	KindFetchLogs
)

func (k CommandKind) String() string {
	switch k {
	case KindWipe:
		return "wipe"
	case KindLock:
		return "lock"
	case KindAlert:
		return "alert"
	case KindFetchLogs:
		return "fetch_logs"
	default:
		return "unknown"
	}
}

// ParseCommandKind maps the wire name of a command to its kind.
func ParseCommandKind(text string) (CommandKind, error) {
	switch text {
	case "wipe":
		return KindWipe, nil
	case "lock":
		return KindLock, nil
	case "alert":
		return KindAlert, nil
	case "fetch_logs":
		return KindFetchLogs, nil
	default:
		return KindUnknown, ErrUnknownKind
	}
}

func (k CommandKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *CommandKind) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}

	kind, err := ParseCommandKind(text)
	if err != nil {
		return err
	}

	*k = kind
	return nil
}

type CommandState uint8

const (
	StatePending CommandState = iota
	StateSent
	StateAcked
	StateFailed
	StateTimedOut
)

func (s CommandState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "undefined"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s CommandState) Terminal() bool {
	return s == StateAcked || s == StateFailed || s == StateTimedOut
}

func (s CommandState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *CommandState) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}

	switch text {
	case "pending":
		*s = StatePending
	case "sent":
		*s = StateSent
	case "acked":
		*s = StateAcked
	case "failed":
		*s = StateFailed
	case "timed_out":
		*s = StateTimedOut
	default:
		return ErrUnknownState
	}

	return nil
}
