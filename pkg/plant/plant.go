// Package plant implements the control node of the balancing platform:
// an event-driven service that keeps the ball at the commanded setpoint
// by sampling its position and driving the plate servos, and that
// answers tuning requests arriving over the messaging stack. All
// control state is owned by the dispatcher goroutine; handlers run to
// completion, one at a time.
package plant

import (
	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/event"
	"github.com/robotalks/boap.go/pkg/msgs"
)

// Event ids consumed by the service.
const (
	// EvSamplingTick asks the service to run one control iteration.
	EvSamplingTick event.ID = iota
	// EvMessagePending carries a received *acp.Message as payload.
	EvMessagePending
)

// PositionSource measures the ball position along one axis.
type PositionSource interface {
	// Position returns the ball position in millimeters and whether
	// the ball touches the plate at all.
	Position(axis msgs.Axis) (mm float32, touching bool)
}

// ServoDriver tilts the plate around one axis.
type ServoDriver interface {
	// SetAngle commands the plate tilt in radians.
	SetAngle(axis msgs.Axis, rad float32)
}

// ReleaseDiscarded returns a dispatcher discard observer that destroys
// abandoned message payloads before handing the event to next, which
// may be nil.
func ReleaseDiscarded(next event.DiscardHandler) event.DiscardHandler {
	return event.DiscardFunc(func(ev event.Event) {
		if msg, ok := ev.Payload.(*acp.Message); ok {
			msg.Destroy()
		}
		if next != nil {
			next.HandleDiscard(ev)
		}
	})
}
