package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"chat-core/internal/models"
	"chat-core/internal/store"
)

func TestFindOrCreateDirectRoomConcurrentCallersShareRoom(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	const callers = 20
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     = make([]string, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			room, isNew, err := f.rooms.FindOrCreateDirectRoom(context.Background(), a, b)
			ids[i], errs[i] = room.ID, err
			if isNew {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got room %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
	if created.Load() != 1 {
		t.Fatalf("expected exactly one creator, got %d", created.Load())
	}

	participants, err := f.store.ListParticipants(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", participants)
	}
}

func TestFindOrCreateDirectRoomRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	ctx := context.Background()

	if _, _, err := f.rooms.FindOrCreateDirectRoom(ctx, alice, alice); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self conversation: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := f.rooms.FindOrCreateDirectRoom(ctx, alice, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing recipient: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := f.rooms.FindOrCreateDirectRoom(ctx, alice, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown recipient: expected ErrNotFound, got %v", err)
	}
	if rooms, _ := f.store.ListRoomsForUser(ctx, alice); len(rooms) != 0 {
		t.Fatalf("failed attempts must not create rooms: %+v", rooms)
	}
}

// missingDirectStore hides direct rooms from the first misses lookups, as if
// another process created the room between the read and the insert.
type missingDirectStore struct {
	*store.MemoryStore
	misses atomic.Int32
}

func (s *missingDirectStore) FindDirectRoom(ctx context.Context, pair models.UserPair) (models.Room, error) {
	if s.misses.Add(-1) >= 0 {
		return models.Room{}, store.ErrNotFound
	}
	return s.MemoryStore.FindDirectRoom(ctx, pair)
}

func TestFindOrCreateDirectRoomRecoversFromConflict(t *testing.T) {
	mem := store.NewMemoryStore()
	wrapped := &missingDirectStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, wrapped)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	existing := f.directRoom(t, alice, bob)

	wrapped.misses.Store(1)
	room, created, err := f.rooms.FindOrCreateDirectRoom(context.Background(), bob, alice)
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}
	if created || room.ID != existing.ID {
		t.Fatalf("expected the existing room %s, got %s (created=%v)", existing.ID, room.ID, created)
	}
}

func TestFindOrCreateDirectRoomGivesUpAsTransient(t *testing.T) {
	mem := store.NewMemoryStore()
	wrapped := &missingDirectStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, wrapped)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	f.directRoom(t, alice, bob)

	wrapped.misses.Store(directResolveAttempts)
	_, _, err := f.rooms.FindOrCreateDirectRoom(context.Background(), alice, bob)
	if !IsTransient(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestDirectRoomMissingParticipantIsRepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	room := f.directRoom(t, alice, bob)

	if _, err := f.store.RemoveParticipant(ctx, room.ID, bob); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}

	got, created, err := f.rooms.FindOrCreateDirectRoom(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}
	if created || got.ID != room.ID {
		t.Fatalf("expected the repaired room, got %s (created=%v)", got.ID, created)
	}
	if ok, _ := f.store.IsParticipant(ctx, room.ID, bob); !ok {
		t.Fatal("bob should be a participant again")
	}
	if recs := f.diag.Records("repaired"); len(recs) != 1 || recs[0].RoomID != room.ID {
		t.Fatalf("expected one repaired record, got %+v", recs)
	}
}

func TestDirectRoomStrangerIsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, eve := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "eve")
	room := f.directRoom(t, alice, bob)

	if _, err := f.store.AddParticipant(ctx, room.ID, eve); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	if _, err := f.rooms.GetRoom(ctx, eve, room.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger must not see the room, got %v", err)
	}
	if ok, _ := f.store.IsParticipant(ctx, room.ID, eve); ok {
		t.Fatal("stranger should have been removed")
	}
	if _, err := f.rooms.GetRoom(ctx, alice, room.ID); err != nil {
		t.Fatalf("pair member should still see the room: %v", err)
	}
}

func TestDirectRoomWithDeletedUserIsQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	broken := f.directRoom(t, alice, bob)
	healthy := f.directRoom(t, alice, carol)

	if err := f.store.DeleteUser(ctx, bob); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	items, err := f.rooms.ListRoomsFor(ctx, alice)
	if err != nil {
		t.Fatalf("ListRoomsFor: %v", err)
	}
	if len(items) != 1 || items[0].ID != healthy.ID {
		t.Fatalf("expected only the healthy room, got %+v", items)
	}
	if recs := f.diag.Records("quarantined"); len(recs) != 1 || recs[0].RoomID != broken.ID {
		t.Fatalf("expected the broken room to be quarantined, got %+v", recs)
	}
	if _, err := f.rooms.GetRoom(ctx, alice, broken.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("quarantined room must be forbidden, got %v", err)
	}
}

func TestDisplayNameDependsOnViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.namedUser(t, "alice", "Alice", "Smith")
	bob := f.user(t, "bob")
	room := f.directRoom(t, alice, bob)

	forAlice, err := f.rooms.DisplayName(ctx, room, alice)
	if err != nil || forAlice != "bob" {
		t.Fatalf("alice sees %q, %v", forAlice, err)
	}
	forBob, err := f.rooms.DisplayName(ctx, room, bob)
	if err != nil || forBob != "Alice Smith" {
		t.Fatalf("bob sees %q, %v", forBob, err)
	}

	items, err := f.rooms.ListRoomsFor(ctx, bob)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListRoomsFor: %+v, %v", items, err)
	}
	if items[0].DisplayName != "Alice Smith" || items[0].OtherUserID != alice {
		t.Fatalf("unexpected list item %+v", items[0])
	}
}

func TestCreateGroupRoomValidatesAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	if _, err := f.rooms.CreateGroupRoom(ctx, alice, "   ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: expected ErrInvalidInput, got %v", err)
	}
	long := make([]rune, maxRoomNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := f.rooms.CreateGroupRoom(ctx, alice, string(long), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("long name: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.rooms.CreateGroupRoom(ctx, alice, "team", []int{-1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative id: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.rooms.CreateGroupRoom(ctx, alice, "team", []int{999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown member: expected ErrNotFound, got %v", err)
	}

	room, err := f.rooms.CreateGroupRoom(ctx, alice, "  team  ", []int{bob, alice, bob})
	if err != nil {
		t.Fatalf("CreateGroupRoom: %v", err)
	}
	if room.Name == nil || *room.Name != "team" || room.IsDirectMessage {
		t.Fatalf("unexpected room %+v", room)
	}
	participants, _ := f.store.ListParticipants(ctx, room.ID)
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", participants)
	}
}

func TestDeleteRoomRequiresManage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.rooms.CreateGroupRoom(ctx, alice, "team", []int{bob})
	if err != nil {
		t.Fatalf("CreateGroupRoom: %v", err)
	}

	if err := f.rooms.DeleteRoom(ctx, bob, room.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member delete: expected ErrForbidden, got %v", err)
	}
	if err := f.rooms.DeleteRoom(ctx, alice, room.ID); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if _, err := f.rooms.GetRoom(ctx, alice, room.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deleted room: expected ErrForbidden, got %v", err)
	}
}
