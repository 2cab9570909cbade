package services

import (
	"context"
	"errors"
	"fmt"

	"chat-core/internal/models"
	"chat-core/internal/policy"
	"chat-core/internal/store"
)

// ParticipantRegistry manages room membership. Direct rooms have a fixed
// membership and can only be deleted as a whole.
type ParticipantRegistry struct {
	store  store.RoomStore
	policy *policy.Evaluator
}

func NewParticipantRegistry(s store.RoomStore, p *policy.Evaluator) *ParticipantRegistry {
	return &ParticipantRegistry{store: s, policy: p}
}

// AddParticipant adds userID to a group room. Adding an existing member
// succeeds and reports false.
func (r *ParticipantRegistry) AddParticipant(ctx context.Context, actor int, roomID string, userID int) (bool, error) {
	if userID <= 0 {
		return false, invalid("user_id", "required")
	}
	room, err := r.authorizedRoom(ctx, actor, roomID, policy.ActionManageRoom)
	if err != nil {
		return false, err
	}
	if room.IsDirectMessage {
		return false, ErrDirectRoomMembership
	}

	added, err := r.store.AddParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return false, fmt.Errorf("add participant: %w", err)
	}
	return added, nil
}

// RemoveParticipant removes userID from a group room. Members may remove
// themselves; removing anyone else needs manage-room. The room and its
// history stay even when the last member leaves.
func (r *ParticipantRegistry) RemoveParticipant(ctx context.Context, actor int, roomID string, userID int) (bool, error) {
	if userID <= 0 {
		return false, invalid("user_id", "required")
	}
	action := policy.ActionManageRoom
	if userID == actor {
		action = policy.ActionReadRoom
	}
	room, err := r.authorizedRoom(ctx, actor, roomID, action)
	if err != nil {
		return false, err
	}
	if room.IsDirectMessage {
		return false, ErrDirectRoomMembership
	}

	removed, err := r.store.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", roomScoped(err))
	}
	return removed, nil
}

func (r *ParticipantRegistry) ListParticipants(ctx context.Context, actor int, roomID string) ([]models.Participant, error) {
	if !r.policy.CanAccess(ctx, actor, roomID, policy.ActionReadParticipants) {
		return nil, ErrForbidden
	}
	participants, err := r.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", roomScoped(err))
	}
	return participants, nil
}

// IsParticipant is the raw membership lookup, without any authorization.
func (r *ParticipantRegistry) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	return r.store.IsParticipant(ctx, roomID, userID)
}

// LeaveRoom removes actor from a group room, or deletes a direct room with
// its history. deleted reports which of the two happened.
func (r *ParticipantRegistry) LeaveRoom(ctx context.Context, actor int, roomID string) (deleted bool, err error) {
	room, err := r.authorizedRoom(ctx, actor, roomID, policy.ActionReadRoom)
	if err != nil {
		return false, err
	}
	if !room.IsDirectMessage {
		if _, err := r.store.RemoveParticipant(ctx, roomID, actor); err != nil {
			return false, fmt.Errorf("leave room: %w", roomScoped(err))
		}
		return false, nil
	}

	if !r.policy.CanAccess(ctx, actor, roomID, policy.ActionManageRoom) {
		return false, ErrForbidden
	}
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return false, fmt.Errorf("delete direct room: %w", roomScoped(err))
	}
	return true, nil
}

func (r *ParticipantRegistry) authorizedRoom(ctx context.Context, actor int, roomID string, action policy.Action) (models.Room, error) {
	if !r.policy.CanAccess(ctx, actor, roomID, action) {
		return models.Room{}, ErrForbidden
	}
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, roomScoped(err)
	}
	return room, nil
}
