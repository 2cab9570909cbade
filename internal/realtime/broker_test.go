package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chat-core/internal/diagnostics"
	"chat-core/internal/models"
)

type fakeMembers struct {
	mu      sync.Mutex
	members map[string]map[int]bool
}

func (f *fakeMembers) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID][userID], nil
}

func (f *fakeMembers) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Participant
	for userID, ok := range f.members[roomID] {
		if ok {
			out = append(out, models.Participant{RoomID: roomID, UserID: userID})
		}
	}
	return out, nil
}

func (f *fakeMembers) set(roomID string, userID int, member bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[int]bool)
	}
	f.members[roomID][userID] = member
}

func startBroker(t *testing.T, members MembershipChecker, diag diagnostics.Sink) *Broker {
	t.Helper()
	b := NewBroker(members, diag, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	return b
}

func receive(t *testing.T, s *Session) models.Event {
	t.Helper()
	select {
	case payload, ok := <-s.Outbound():
		if !ok {
			t.Fatal("session closed")
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func expectNothing(t *testing.T, s *Session) {
	t.Helper()
	select {
	case payload := <-s.Outbound():
		t.Fatalf("unexpected event %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishReachesSubscribedMembers(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true, 2: true}}}
	b := startBroker(t, members, nil)

	s1 := NewSession("s1", 1, "alice", 4)
	s2 := NewSession("s2", 2, "bob", 4)
	b.Register(s1)
	b.Register(s2)
	b.Subscribe("s1", "r1")
	b.Subscribe("s2", "r1")

	b.Publish("r1", models.Event{Event: "message", Room: "r1", Message: &models.Message{Content: "hello", SenderID: 1}})

	for _, s := range []*Session{s1, s2} {
		ev := receive(t, s)
		if ev.Message == nil || ev.Message.Content != "hello" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestDeliveryRechecksMembership(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true, 2: true}}}
	rec := &diagnostics.Recorder{}
	b := startBroker(t, members, rec)

	s2 := NewSession("s2", 2, "bob", 4)
	b.Register(s2)
	b.Subscribe("s2", "r1")

	members.set("r1", 2, false)
	b.Publish("r1", models.Event{Event: "message", Room: "r1"})

	expectNothing(t, s2)
	if b.IsSubscribed("s2", "r1") {
		t.Fatal("removed member should be unsubscribed at delivery")
	}
	if len(rec.Records("dropped")) != 1 {
		t.Fatalf("expected one dropped delivery, got %+v", rec.Records(""))
	}
}

func TestPublishExceptSkipsSender(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true, 2: true}}}
	b := startBroker(t, members, nil)

	s1 := NewSession("s1", 1, "alice", 4)
	s2 := NewSession("s2", 2, "bob", 4)
	b.Register(s1)
	b.Register(s2)
	b.Subscribe("s1", "r1")
	b.Subscribe("s2", "r1")

	b.PublishExcept("r1", models.Event{Event: "typing", Room: "r1"}, "s1")
	if ev := receive(t, s2); ev.Event != "typing" {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNothing(t, s1)
}

func TestNotifySkipsSubscribedSessions(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true, 2: true}}}
	b := startBroker(t, members, nil)

	inRoom := NewSession("s2a", 2, "bob", 4)
	elsewhere := NewSession("s2b", 2, "bob", 4)
	b.Register(inRoom)
	b.Register(elsewhere)
	b.Subscribe("s2a", "r1")

	b.Notify([]int{2}, models.Event{Event: "message", Room: "r1"})

	if ev := receive(t, elsewhere); ev.Room != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNothing(t, inRoom)
}

func TestNotifyMembersResolvesParticipantsAtDelivery(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true, 2: true, 3: true}}}
	b := startBroker(t, members, nil)

	sender := NewSession("s1", 1, "alice", 4)
	inRoom := NewSession("s2", 2, "bob", 4)
	elsewhere := NewSession("s3", 3, "carol", 4)
	outsider := NewSession("s4", 4, "dave", 4)
	for _, s := range []*Session{sender, inRoom, elsewhere, outsider} {
		b.Register(s)
	}
	b.Subscribe("s2", "r1")

	b.NotifyMembers(models.Event{Event: "new_message", Room: "r1", UserID: 1}, 1)

	if ev := receive(t, elsewhere); ev.Event != "new_message" || ev.Room != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNothing(t, sender)
	expectNothing(t, inRoom)
	expectNothing(t, outsider)
}

func TestSendToUserSkipsMembershipCheck(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true}}}
	b := startBroker(t, members, nil)

	removed := NewSession("s2", 2, "bob", 4)
	b.Register(removed)
	b.Subscribe("s2", "r1")

	b.Notify([]int{2}, models.Event{Event: "message", Room: "r1"})
	b.SendToUser(2, models.Event{Event: "participant_removed", Room: "r1", UserID: 2})

	if ev := receive(t, removed); ev.Event != "participant_removed" {
		t.Fatalf("expected participant_removed, got %+v", ev)
	}
	expectNothing(t, removed)
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	members := &fakeMembers{members: map[string]map[int]bool{"r1": {1: true}}}
	rec := &diagnostics.Recorder{}
	b := startBroker(t, members, rec)

	s := NewSession("s1", 1, "alice", 1)
	b.Register(s)
	b.Subscribe("s1", "r1")

	b.Publish("r1", models.Event{Event: "message", Room: "r1"})
	b.Publish("r1", models.Event{Event: "message", Room: "r1"})

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Records("dropped")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a dropped delivery")
		}
		time.Sleep(10 * time.Millisecond)
	}
	receive(t, s)
}

func TestRegisterAndUnregisterTrackPresence(t *testing.T) {
	b := NewBroker(&fakeMembers{members: map[string]map[int]bool{}}, nil, 4)

	if !b.Register(NewSession("a", 1, "alice", 1)) {
		t.Fatal("first session should report user online")
	}
	if b.Register(NewSession("b", 1, "alice", 1)) {
		t.Fatal("second session should not report first-online")
	}
	if b.Unregister("a") {
		t.Fatal("user still has a session")
	}
	if !b.IsUserOnline(1) {
		t.Fatal("user should be online")
	}
	if !b.Unregister("b") {
		t.Fatal("last session should report offline")
	}
	if b.IsUserOnline(1) {
		t.Fatal("user should be offline")
	}
}

func TestUnregisterClosesOutboundAndUnsubscribes(t *testing.T) {
	b := NewBroker(&fakeMembers{members: map[string]map[int]bool{}}, nil, 4)
	s := NewSession("a", 1, "alice", 1)
	b.Register(s)
	if err := b.Subscribe("a", "r1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Unregister("a")
	if _, ok := <-s.Outbound(); ok {
		t.Fatal("expected closed channel")
	}
	if b.IsSubscribed("a", "r1") {
		t.Fatal("expected unsubscribe on unregister")
	}
	if err := b.Subscribe("a", "r1"); err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}
