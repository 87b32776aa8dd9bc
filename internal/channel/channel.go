// Package channel implements device channel providers: the transports
// that carry a command to a device and bring its ack back. The fleet
// core references devices by id only and owns no link lifecycle.
package channel

import "github.com/rhazari/fleetdeck/internal/model"

// AckFunc receives the device's reply for a command. Providers call it
// from their read side; the dispatcher's OnAck satisfies it.
type AckFunc func(commandID model.CommandID, ok bool, detail string)
