// Package status defines the diagnostics events the batching pipeline
// publishes on the event bus. Nothing here is ever returned to the code
// that emitted a log event; failures surface only through this channel.
package status

import (
	"time"

	"batchlog/internal/eventbus"
)

// Event types published on the bus.
const (
	TypeFlushed        = "batch.flushed"
	TypeDeliveryFailed = "batch.delivery_failed"
	TypeDropped        = "batch.dropped"
	TypeThrottled      = "throttle.escalated"
	TypeCallbackPanic  = "scheduler.callback_panic"
	TypeDrainFailed    = "drain.failed"
	TypeDrainAbandoned = "drain.abandoned"
	TypeReloadRejected = "config.reload_rejected"
)

// Event is the payload of every status bus event.
type Event struct {
	Destination string    `json:"destination,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	Groups      int       `json:"groups,omitempty"`
	Events      int       `json:"events,omitempty"`
	Level       int       `json:"level,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Failure reports whether events of this type describe a failure.
func Failure(typ string) bool {
	switch typ {
	case TypeDeliveryFailed, TypeDropped, TypeCallbackPanic, TypeDrainFailed, TypeDrainAbandoned, TypeReloadRejected:
		return true
	}
	return false
}

// Publish stamps ev and publishes it. A nil bus is allowed.
func Publish(bus eventbus.Bus, typ string, ev Event) {
	if bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
