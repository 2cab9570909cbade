package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chat-core/internal/diagnostics"
	"chat-core/internal/logging"
	"chat-core/internal/models"
	"chat-core/internal/policy"
	"chat-core/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	maxRoomNameLength = 100
	// conflict re-reads before giving up on a contended direct pair
	directResolveAttempts = 3
	deletedUserName       = "Deleted user"
)

// RoomDirectory resolves, creates, names and lists rooms. Every direct room
// read through it is checked against its pair key and repaired when needed.
type RoomDirectory struct {
	store  store.Store
	policy *policy.Evaluator
	diag   diagnostics.Sink

	group          singleflight.Group
	calls          atomic.Uint64
	resolveTimeout time.Duration
}

func NewRoomDirectory(s store.Store, p *policy.Evaluator, diag diagnostics.Sink) *RoomDirectory {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &RoomDirectory{
		store:          s,
		policy:         p,
		diag:           diag,
		resolveTimeout: 10 * time.Second,
	}
}

type directResult struct {
	room    models.Room
	created bool
	caller  uint64
}

// FindOrCreateDirectRoom returns the unique direct room between a and b,
// creating it if needed. created is true only for the one caller whose
// request inserted the room.
func (d *RoomDirectory) FindOrCreateDirectRoom(ctx context.Context, a, b int) (models.Room, bool, error) {
	if a <= 0 || b <= 0 {
		return models.Room{}, false, invalid("recipient_id", "required")
	}
	if a == b {
		return models.Room{}, false, invalid("recipient_id", "cannot start a conversation with yourself")
	}
	for _, id := range []int{a, b} {
		if _, err := d.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.Room{}, false, fmt.Errorf("user %d: %w", id, ErrNotFound)
			}
			return models.Room{}, false, err
		}
	}

	pair := models.NewUserPair(a, b)
	key := strconv.Itoa(pair.Low) + ":" + strconv.Itoa(pair.High)
	caller := d.calls.Add(1)

	// The shared call outlives any single caller's cancellation.
	ch := d.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.resolveTimeout)
		defer cancel()
		room, created, err := d.resolveDirect(rctx, pair, a)
		return directResult{room: room, created: created, caller: caller}, err
	})

	select {
	case <-ctx.Done():
		return models.Room{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Room{}, false, res.Err
		}
		out := res.Val.(directResult)
		return out.room, out.created && out.caller == caller, nil
	}
}

func (d *RoomDirectory) resolveDirect(ctx context.Context, pair models.UserPair, initiator int) (models.Room, bool, error) {
	for attempt := 0; attempt < directResolveAttempts; attempt++ {
		room, err := d.store.FindDirectRoom(ctx, pair)
		switch {
		case err == nil:
			if err := d.ensureDirectIntegrity(ctx, room); err != nil {
				if errors.Is(err, ErrInconsistent) {
					// quarantined; the pair key is free again
					continue
				}
				return models.Room{}, false, err
			}
			return room, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return models.Room{}, false, fmt.Errorf("find direct room: %w", err)
		}

		room = models.Room{
			ID:              uuid.NewString(),
			IsDirectMessage: true,
			CreatedBy:       initiator,
			DirectPair:      &pair,
		}
		err = d.store.CreateRoom(ctx, &room, []int{pair.Low, pair.High})
		switch {
		case err == nil:
			return room, true, nil
		case errors.Is(err, store.ErrConflict):
			l := logging.Ctx(ctx)
			l.Debug().
				Int("low", pair.Low).
				Int("high", pair.High).
				Msg("direct room created concurrently, re-reading")
			continue
		case errors.Is(err, store.ErrNotFound):
			return models.Room{}, false, fmt.Errorf("create direct room: %w", ErrNotFound)
		default:
			return models.Room{}, false, fmt.Errorf("create direct room: %w", err)
		}
	}
	return models.Room{}, false, store.Transient(fmt.Errorf("direct room for %d:%d still contended", pair.Low, pair.High))
}

// ensureDirectIntegrity makes the participants of a direct room equal to its
// pair. A pair member that can no longer be added quarantines the room and
// ErrInconsistent is returned.
func (d *RoomDirectory) ensureDirectIntegrity(ctx context.Context, room models.Room) error {
	if !room.IsDirectMessage {
		return nil
	}
	if room.DirectPair == nil {
		return d.quarantine(ctx, room.ID, "direct room without pair key")
	}
	pair := *room.DirectPair

	participants, err := d.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	present := make(map[int]bool, len(participants))
	var strangers []int
	for _, p := range participants {
		present[p.UserID] = true
		if !pair.Contains(p.UserID) {
			strangers = append(strangers, p.UserID)
		}
	}
	var missing []int
	for _, id := range []int{pair.Low, pair.High} {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 && len(strangers) == 0 {
		return nil
	}

	for _, id := range missing {
		if _, err := d.store.AddParticipant(ctx, room.ID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return d.quarantine(ctx, room.ID, fmt.Sprintf("pair member %d no longer exists", id))
			}
			return fmt.Errorf("re-add pair member: %w", err)
		}
	}
	for _, id := range strangers {
		if _, err := d.store.RemoveParticipant(ctx, room.ID, id); err != nil {
			return fmt.Errorf("remove stranger: %w", err)
		}
	}

	d.diag.Repaired(ctx, room.ID, fmt.Sprintf("re-added %v, removed %v", missing, strangers))
	return nil
}

func (d *RoomDirectory) quarantine(ctx context.Context, roomID, reason string) error {
	if err := d.store.QuarantineRoom(ctx, roomID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("quarantine room: %w", err)
	}
	d.diag.Quarantined(ctx, roomID, reason)
	return fmt.Errorf("room %s: %w", roomID, ErrInconsistent)
}

// CreateGroupRoom creates a named room holding creator and memberIDs.
func (d *RoomDirectory) CreateGroupRoom(ctx context.Context, creator int, name string, memberIDs []int) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, invalid("name", "required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return models.Room{}, invalid("name", fmt.Sprintf("must be at most %d characters", maxRoomNameLength))
	}

	members := []int{creator}
	seen := map[int]bool{creator: true}
	for _, id := range memberIDs {
		if id <= 0 {
			return models.Room{}, invalid("member_ids", "must be positive user ids")
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	room := models.Room{
		ID:        uuid.NewString(),
		Name:      &name,
		CreatedBy: creator,
	}
	if err := d.store.CreateRoom(ctx, &room, members); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Room{}, fmt.Errorf("unknown member: %w", ErrNotFound)
		}
		return models.Room{}, fmt.Errorf("create group room: %w", err)
	}
	return room, nil
}

// GetRoom returns a room the viewer may read, repaired if it is direct.
func (d *RoomDirectory) GetRoom(ctx context.Context, viewerID int, roomID string) (models.Room, error) {
	if !d.policy.CanAccess(ctx, viewerID, roomID, policy.ActionReadRoom) {
		return models.Room{}, ErrForbidden
	}
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, roomScoped(err)
	}
	if err := d.ensureDirectIntegrity(ctx, room); err != nil {
		if errors.Is(err, ErrInconsistent) {
			return models.Room{}, ErrForbidden
		}
		return models.Room{}, err
	}
	if room.IsDirectMessage && !room.DirectPair.Contains(viewerID) {
		return models.Room{}, ErrForbidden
	}
	return room, nil
}

// DisplayName is the group name, or for a direct room the other member's
// display name as seen by viewerID.
func (d *RoomDirectory) DisplayName(ctx context.Context, room models.Room, viewerID int) (string, error) {
	if !room.IsDirectMessage {
		if room.Name == nil {
			return "", nil
		}
		return *room.Name, nil
	}
	if room.DirectPair == nil {
		return "", fmt.Errorf("room %s: %w", room.ID, ErrInconsistent)
	}
	other, err := d.store.GetUser(ctx, room.DirectPair.Other(viewerID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return deletedUserName, nil
		}
		return "", err
	}
	return other.DisplayName(), nil
}

// ListRoomsFor lists the viewer's rooms, most recent activity first. Direct
// rooms that cannot be repaired are left out.
func (d *RoomDirectory) ListRoomsFor(ctx context.Context, userID int) ([]models.RoomListItem, error) {
	rooms, err := d.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	var others []int
	for _, r := range rooms {
		if r.IsDirectMessage && r.DirectPair != nil {
			others = append(others, r.DirectPair.Other(userID))
		}
	}
	users, err := d.store.GetUsers(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	items := make([]models.RoomListItem, 0, len(rooms))
	for _, r := range rooms {
		if err := d.ensureDirectIntegrity(ctx, r); err != nil {
			if errors.Is(err, ErrInconsistent) {
				continue
			}
			return nil, err
		}

		item := models.RoomListItem{
			ID:              r.ID,
			IsDirectMessage: r.IsDirectMessage,
			LastActivity:    r.Activity(),
		}
		if r.IsDirectMessage {
			if !r.DirectPair.Contains(userID) {
				// the viewer was a stranger and has just been removed
				continue
			}
			item.OtherUserID = r.DirectPair.Other(userID)
			if u, ok := users[item.OtherUserID]; ok {
				item.DisplayName = u.DisplayName()
			} else {
				item.DisplayName = deletedUserName
			}
		} else if r.Name != nil {
			item.DisplayName = *r.Name
		}

		if item.LastMessage, err = d.store.LatestMessage(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		if item.UnreadCount, err = d.store.CountUnread(ctx, r.ID, userID); err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// DeleteRoom removes a room with its participants and history.
func (d *RoomDirectory) DeleteRoom(ctx context.Context, actor int, roomID string) error {
	if !d.policy.CanAccess(ctx, actor, roomID, policy.ActionManageRoom) {
		return ErrForbidden
	}
	if err := d.store.DeleteRoom(ctx, roomID); err != nil {
		return roomScoped(err)
	}
	return nil
}

// DirectPeers returns the other member of each of the user's direct rooms.
func (d *RoomDirectory) DirectPeers(ctx context.Context, userID int) ([]int, error) {
	rooms, err := d.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	var peers []int
	for _, r := range rooms {
		if r.IsDirectMessage && r.DirectPair != nil && r.DirectPair.Contains(userID) {
			peers = append(peers, r.DirectPair.Other(userID))
		}
	}
	return peers, nil
}
