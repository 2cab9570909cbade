package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-core/internal/diagnostics"
	"chat-core/internal/models"
	"chat-core/internal/store"
)

// tracingSource records every lookup the evaluator performs.
type tracingSource struct {
	rooms   map[string]models.Room
	members map[string]map[int]bool
	admins  map[int]bool
	fail    error
	calls   []string
}

func (s *tracingSource) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	s.calls = append(s.calls, "room:"+roomID)
	if s.fail != nil {
		return models.Room{}, s.fail
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, store.ErrNotFound
	}
	return r, nil
}

func (s *tracingSource) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	s.calls = append(s.calls, "member:"+roomID)
	return s.members[roomID][userID], nil
}

func (s *tracingSource) IsAdmin(ctx context.Context, userID int) (bool, error) {
	s.calls = append(s.calls, "admin")
	return s.admins[userID], nil
}

func newSource() *tracingSource {
	quarantined := time.Now()
	return &tracingSource{
		rooms: map[string]models.Room{
			"group":  {ID: "group", CreatedBy: 1},
			"direct": {ID: "direct", IsDirectMessage: true, CreatedBy: 1, DirectPair: &models.UserPair{Low: 1, High: 2}},
			"broken": {ID: "broken", IsDirectMessage: true, QuarantinedAt: &quarantined},
		},
		members: map[string]map[int]bool{
			"group":  {1: true, 2: true},
			"direct": {1: true, 2: true},
			"broken": {1: true},
		},
		admins: map[int]bool{9: true},
	}
}

func TestCanAccess(t *testing.T) {
	cases := []struct {
		name   string
		user   int
		room   string
		action Action
		allow  bool
	}{
		{name: "member reads group", user: 2, room: "group", action: ActionReadMessages, allow: true},
		{name: "member sends to group", user: 2, room: "group", action: ActionSendMessage, allow: true},
		{name: "outsider sends to group", user: 3, room: "group", action: ActionSendMessage, allow: false},
		{name: "outsider reads participants", user: 3, room: "group", action: ActionReadParticipants, allow: false},
		{name: "member reads participants", user: 1, room: "group", action: ActionReadParticipants, allow: true},
		{name: "member reacts", user: 2, room: "group", action: ActionReact, allow: true},
		{name: "creator manages group", user: 1, room: "group", action: ActionManageRoom, allow: true},
		{name: "member cannot manage group", user: 2, room: "group", action: ActionManageRoom, allow: false},
		{name: "admin manages group", user: 9, room: "group", action: ActionManageRoom, allow: true},
		{name: "admin cannot read without membership", user: 9, room: "group", action: ActionReadMessages, allow: false},
		{name: "either dm participant manages", user: 2, room: "direct", action: ActionManageRoom, allow: true},
		{name: "outsider cannot manage dm", user: 9, room: "direct", action: ActionManageRoom, allow: false},
		{name: "missing room", user: 1, room: "nope", action: ActionReadRoom, allow: false},
		{name: "quarantined room", user: 1, room: "broken", action: ActionReadRoom, allow: false},
		{name: "unknown action", user: 1, room: "group", action: Action("fly"), allow: false},
		{name: "anonymous", user: 0, room: "group", action: ActionReadRoom, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEvaluator(newSource(), nil)
			if got := e.CanAccess(context.Background(), tc.user, tc.room, tc.action); got != tc.allow {
				t.Fatalf("CanAccess(%d, %q, %q) = %v, want %v", tc.user, tc.room, tc.action, got, tc.allow)
			}
		})
	}
}

func TestReadParticipantsResolvesRoomBeforeMembership(t *testing.T) {
	src := newSource()
	e := NewEvaluator(src, nil)

	if !e.CanAccess(context.Background(), 1, "group", ActionReadParticipants) {
		t.Fatal("expected access")
	}
	want := []string{"room:group", "member:group"}
	if len(src.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", src.calls, want)
	}
	for i := range want {
		if src.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", src.calls, want)
		}
	}
}

func TestMissingRoomSkipsMembershipLookup(t *testing.T) {
	src := newSource()
	e := NewEvaluator(src, nil)

	e.CanAccess(context.Background(), 1, "nope", ActionReadParticipants)
	if len(src.calls) != 1 || src.calls[0] != "room:nope" {
		t.Fatalf("expected only the room lookup, got %v", src.calls)
	}
}

func TestStorageErrorsDenyAndReport(t *testing.T) {
	src := newSource()
	src.fail = errors.New("connection reset")
	rec := &diagnostics.Recorder{}
	e := NewEvaluator(src, rec)

	d := e.Evaluate(context.Background(), 1, "group", ActionSendMessage)
	if d.Allowed {
		t.Fatal("expected denial on storage error")
	}
	denials := rec.Records("denied")
	if len(denials) != 1 {
		t.Fatalf("expected one reported denial, got %d", len(denials))
	}
	if denials[0].Action != string(ActionSendMessage) || denials[0].RoomID != "group" {
		t.Fatalf("unexpected denial record %+v", denials[0])
	}
}

func TestEvaluatorDoesNotMutate(t *testing.T) {
	src := newSource()
	e := NewEvaluator(src, nil)
	for i := 0; i < 100; i++ {
		e.CanAccess(context.Background(), 2, "group", ActionSendMessage)
	}
	if !src.members["group"][2] || len(src.members["group"]) != 2 {
		t.Fatal("evaluation must not change membership")
	}
}
