// Package policy decides whether a user may act on a room.
//
// Every decision is made in two layers. The room layer loads the room and
// rejects missing or quarantined rooms. The membership layer is a single
// leaf lookup against the participant table. Neither layer calls back into
// a guarded component, so deciding "may U read the participants of R" never
// requires an earlier decision about the participants of R.
package policy

import (
	"context"

	"chat-core/internal/diagnostics"
	"chat-core/internal/models"
)

type Action string

const (
	ActionReadRoom         Action = "read-room"
	ActionReadParticipants Action = "read-participants"
	ActionSendMessage      Action = "send-message"
	ActionReadMessages     Action = "read-messages"
	ActionReact            Action = "react"
	ActionManageRoom       Action = "manage-room"
)

func (a Action) Valid() bool {
	switch a {
	case ActionReadRoom, ActionReadParticipants, ActionSendMessage,
		ActionReadMessages, ActionReact, ActionManageRoom:
		return true
	}
	return false
}

// RoomSource is the raw storage the evaluator reads. Implementations must
// not consult the evaluator.
type RoomSource interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	IsParticipant(ctx context.Context, roomID string, userID int) (bool, error)
	IsAdmin(ctx context.Context, userID int) (bool, error)
}

// Decision is the outcome of one evaluation. Reason is for diagnostics only.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

type Evaluator struct {
	source RoomSource
	diag   diagnostics.Sink
}

func NewEvaluator(source RoomSource, diag diagnostics.Sink) *Evaluator {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Evaluator{source: source, diag: diag}
}

// CanAccess reports whether userID may perform action on roomID. Any error
// or missing data yields false; the reason goes to the diagnostics sink.
func (e *Evaluator) CanAccess(ctx context.Context, userID int, roomID string, action Action) bool {
	return e.Evaluate(ctx, userID, roomID, action).Allowed
}

// Evaluate is CanAccess with the decision reason.
func (e *Evaluator) Evaluate(ctx context.Context, userID int, roomID string, action Action) Decision {
	d := e.evaluate(ctx, userID, roomID, action)
	if !d.Allowed {
		e.diag.Denied(ctx, userID, roomID, string(action), d.Reason)
	}
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, userID int, roomID string, action Action) Decision {
	if !action.Valid() {
		return deny("unknown action")
	}
	if userID <= 0 || roomID == "" {
		return deny("missing identity or room")
	}

	room, d := e.roomLayer(ctx, roomID)
	if !d.Allowed {
		return d
	}

	member, d := e.membershipLayer(ctx, room, userID)
	if !d.Allowed {
		return d
	}

	if action != ActionManageRoom {
		if !member {
			return deny("not a participant")
		}
		return allow()
	}
	return e.manageLayer(ctx, room, userID, member)
}

// roomLayer confirms the room exists and is servable.
func (e *Evaluator) roomLayer(ctx context.Context, roomID string) (models.Room, Decision) {
	room, err := e.source.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, deny("room lookup failed: " + err.Error())
	}
	if room.QuarantinedAt != nil {
		return models.Room{}, deny("room quarantined")
	}
	return room, allow()
}

// membershipLayer is the leaf participant lookup.
func (e *Evaluator) membershipLayer(ctx context.Context, room models.Room, userID int) (bool, Decision) {
	member, err := e.source.IsParticipant(ctx, room.ID, userID)
	if err != nil {
		return false, deny("membership lookup failed: " + err.Error())
	}
	return member, allow()
}

// manageLayer: either participant may manage a direct room (deleting it is
// the only management it supports); group rooms are managed by their
// creator while a participant, or by an admin.
func (e *Evaluator) manageLayer(ctx context.Context, room models.Room, userID int, member bool) Decision {
	if room.IsDirectMessage {
		if member {
			return allow()
		}
		return deny("not a participant")
	}
	if member && room.CreatedBy == userID {
		return allow()
	}
	admin, err := e.source.IsAdmin(ctx, userID)
	if err != nil {
		return deny("admin lookup failed: " + err.Error())
	}
	if admin {
		return allow()
	}
	return deny("not the room creator")
}
