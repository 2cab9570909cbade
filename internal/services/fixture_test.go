package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chat-core/internal/diagnostics"
	"chat-core/internal/models"
	"chat-core/internal/policy"
	"chat-core/internal/realtime"
	"chat-core/internal/store"
	"chat-core/internal/typing"
)

type fixture struct {
	store        *store.MemoryStore
	diag         *diagnostics.Recorder
	policy       *policy.Evaluator
	rooms        *RoomDirectory
	participants *ParticipantRegistry
	messages     *MessageStore
	broker       *realtime.Broker
	chat         *ChatService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore(), nil)
}

// newFixtureWithStore wires every component on mem; wrapped, when set, is
// the store the services see instead.
func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, wrapped store.Store) *fixture {
	t.Helper()
	var st store.Store = mem
	if wrapped != nil {
		st = wrapped
	}

	f := &fixture{store: mem, diag: &diagnostics.Recorder{}}
	f.policy = policy.NewEvaluator(st, f.diag)
	f.rooms = NewRoomDirectory(st, f.policy, f.diag)
	f.participants = NewParticipantRegistry(st, f.policy)
	f.messages = NewMessageStore(st, f.policy, typing.NewMemoryStore(5*time.Second), 0)
	f.broker = realtime.NewBroker(st, f.diag, 64)
	f.chat = NewChatService(f.rooms, f.participants, f.messages, f.broker, RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go f.broker.Run(ctx)
	t.Cleanup(cancel)
	return f
}

func (f *fixture) user(t *testing.T, username string) int {
	t.Helper()
	u := models.User{Username: username, PasswordHash: "x"}
	if err := f.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u.ID
}

func (f *fixture) namedUser(t *testing.T, username, first, last string) int {
	t.Helper()
	u := models.User{Username: username, PasswordHash: "x", FirstName: &first, LastName: &last}
	if err := f.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u.ID
}

func (f *fixture) directRoom(t *testing.T, a, b int) models.Room {
	t.Helper()
	room, _, err := f.rooms.FindOrCreateDirectRoom(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}
	return room
}

func (f *fixture) session(t *testing.T, id string, userID int) *realtime.Session {
	t.Helper()
	s := realtime.NewSession(id, userID, "", 32)
	f.broker.Register(s)
	return s
}

// waitEvent reads from s until an event named name arrives.
func waitEvent(t *testing.T, s *realtime.Session, name string) models.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-s.Outbound():
			if !ok {
				t.Fatalf("session %s closed while waiting for %s", s.ID, name)
			}
			var ev models.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on session %s", name, s.ID)
		}
	}
}
