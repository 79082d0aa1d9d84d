// Package lifecycle is the state machine of a scheduled message.
//
// Clients never move a message between states. They request actions whose
// legality depends on the current state, and observe the resulting change.
// Only the delivery process produces the two terminal states.
package lifecycle

import (
	"fmt"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

type Event string

const (
	DeliverySucceeded Event = "delivery_succeeded"
	DeliveryFailed    Event = "delivery_failed"
)

type Action string

const (
	Edit             Action = "edit"
	Delete           Action = "delete"
	RemoveAttachment Action = "remove_attachment"
	SendNow          Action = "send_now"
)

var pendingActions = []Action{Edit, Delete, RemoveAttachment, SendNow}

// Initial is the state of every newly created message.
const Initial = model.Pending

// Next returns the state reached from s on e.
func Next(s model.Status, e Event) (model.Status, error) {
	if s != model.Pending {
		return s, fmt.Errorf("%w: %s is terminal", model.ErrIllegalState, s)
	}
	switch e {
	case DeliverySucceeded:
		return model.Sent, nil
	case DeliveryFailed:
		return model.Failed, nil
	default:
		return s, fmt.Errorf("unknown event %q", e)
	}
}

// Check reports whether a may be requested for a message in s.
func Check(s model.Status, a Action) error {
	return CheckMessage("", s, a)
}

// CheckMessage is Check with the message id in the error.
func CheckMessage(id string, s model.Status, a Action) error {
	if s == model.Pending {
		return nil
	}
	return &model.IllegalStateError{ID: id, Status: s, Action: string(a)}
}

// Allowed lists the actions that may be requested in s, for enabling
// controls.
func Allowed(s model.Status) []Action {
	if s != model.Pending {
		return nil
	}
	out := make([]Action, len(pendingActions))
	copy(out, pendingActions)
	return out
}

// Observe validates an observed status change. Staying put and leaving
// pending are legal; anything that leaves a terminal state is not.
func Observe(prev, next model.Status) error {
	if prev == next || prev == model.Pending {
		return nil
	}
	return fmt.Errorf("%w: observed %s -> %s", model.ErrIllegalState, prev, next)
}
