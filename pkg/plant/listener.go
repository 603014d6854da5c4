package plant

import (
	"context"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/event"
)

// Listener bridges the messaging stack to the dispatcher: every
// received message is posted as EvMessagePending with the message as
// payload. Messages the dispatcher refuses are destroyed.
type Listener struct {
	stack *acp.Stack
	disp  *event.Dispatcher
}

// NewListener creates a listener over the given stack and dispatcher.
func NewListener(stack *acp.Stack, disp *event.Dispatcher) *Listener {
	return &Listener{stack: stack, disp: disp}
}

// Run implements framework.Runnable. It returns when the stack closes
// or ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for {
		msg, err := l.stack.ReceiveContext(ctx)
		if err == acp.ErrClosed {
			return nil
		}
		if err != nil {
			return err
		}
		if err := l.disp.Send(EvMessagePending, msg); err != nil {
			msg.Destroy()
		}
	}
}
