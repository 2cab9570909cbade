package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-core/internal/db"
	"chat-core/internal/models"
)

// newPostgresStore connects to CHAT_TEST_DATABASE_URL, rebuilds the public
// schema and applies the embedded migrations.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CHAT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CHAT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS public CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA public`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresConcurrentDirectRoomsForOnePair(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	ids := seedUsers(t, s, "alice", "bob")

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   []string
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := ids[0], ids[1]
			if i%2 == 1 {
				a, b = b, a
			}
			room := directRoom(fmt.Sprintf("dm-%d", i), a, b)
			err := s.CreateRoom(ctx, room, []int{a, b})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created = append(created, room.ID)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("CreateRoom: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(created) != 1 || conflicts != callers-1 {
		t.Fatalf("expected one winner and %d conflicts, got %v and %d", callers-1, created, conflicts)
	}
	var rows int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rooms WHERE is_direct_message`).Scan(&rows); err != nil {
		t.Fatalf("count rooms: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly one direct room row, got %d", rows)
	}
	found, err := s.FindDirectRoom(ctx, models.NewUserPair(ids[1], ids[0]))
	if err != nil || found.ID != created[0] {
		t.Fatalf("FindDirectRoom = %+v, %v", found, err)
	}
	participants, err := s.ListParticipants(ctx, found.ID)
	if err != nil || len(participants) != 2 {
		t.Fatalf("expected two participants, got %+v, %v", participants, err)
	}
}

func TestPostgresCreateRoomUnknownMemberRollsBack(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	ids := seedUsers(t, s, "alice")

	name := "team"
	room := &models.Room{ID: "g1", Name: &name, CreatedBy: ids[0]}
	if err := s.CreateRoom(ctx, room, []int{ids[0], 9999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown member, got %v", err)
	}
	if _, err := s.GetRoom(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("room row should have been rolled back, got %v", err)
	}
	if ok, _ := s.IsParticipant(ctx, "g1", ids[0]); ok {
		t.Fatal("creator participation should have been rolled back")
	}
}

func TestPostgresQuarantineReleasesPairKey(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	ids := seedUsers(t, s, "alice", "bob")

	if err := s.CreateRoom(ctx, directRoom("dm-1", ids[0], ids[1]), ids); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := s.QuarantineRoom(ctx, "dm-1"); err != nil {
		t.Fatalf("QuarantineRoom: %v", err)
	}
	if _, err := s.FindDirectRoom(ctx, models.NewUserPair(ids[0], ids[1])); !errors.Is(err, ErrNotFound) {
		t.Fatalf("quarantined room should not be found, got %v", err)
	}
	if err := s.CreateRoom(ctx, directRoom("dm-2", ids[1], ids[0]), ids); err != nil {
		t.Fatalf("CreateRoom after quarantine: %v", err)
	}
	rooms, err := s.ListRoomsForUser(ctx, ids[0])
	if err != nil || len(rooms) != 1 || rooms[0].ID != "dm-2" {
		t.Fatalf("expected only the live room, got %+v, %v", rooms, err)
	}
}

func TestPostgresPagingForwardAndBackwardAgree(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	ids := seedUsers(t, s, "alice", "bob")
	if err := s.CreateRoom(ctx, directRoom("dm-1", ids[0], ids[1]), ids); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	const total = 20
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := models.Message{RoomID: "dm-1", SenderID: ids[i%2], Content: fmt.Sprintf("m%d", i)}
			if err := s.AppendMessage(ctx, &m); err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var forward []models.Message
	var from *Key
	for {
		page, err := s.ListMessages(ctx, "dm-1", MessageQuery{Forward: true, From: from, Limit: 3})
		if err != nil {
			t.Fatalf("ListMessages forward: %v", err)
		}
		if len(page) == 0 {
			break
		}
		forward = append(forward, page...)
		last := page[len(page)-1]
		from = &Key{At: last.CreatedAt, ID: last.ID}
	}
	if len(forward) != total {
		t.Fatalf("expected %d messages, got %d", total, len(forward))
	}
	for i := 1; i < len(forward); i++ {
		if forward[i].ID <= forward[i-1].ID {
			t.Fatalf("commit order and timestamp order disagree at %d: %d after %d", i, forward[i].ID, forward[i-1].ID)
		}
	}

	var backward []models.Message
	from = nil
	for {
		page, err := s.ListMessages(ctx, "dm-1", MessageQuery{From: from, Limit: 4})
		if err != nil {
			t.Fatalf("ListMessages backward: %v", err)
		}
		if len(page) == 0 {
			break
		}
		backward = append(backward, page...)
		last := page[len(page)-1]
		from = &Key{At: last.CreatedAt, ID: last.ID}
	}
	if len(backward) != total {
		t.Fatalf("expected %d messages backward, got %d", total, len(backward))
	}
	for i := range forward {
		if forward[i].ID != backward[total-1-i].ID {
			t.Fatalf("position %d: forward %d, backward %d", i, forward[i].ID, backward[total-1-i].ID)
		}
	}

	latest, err := s.LatestMessage(ctx, "dm-1")
	if err != nil || latest == nil || latest.ID != forward[total-1].ID {
		t.Fatalf("LatestMessage = %+v, %v", latest, err)
	}
}

func TestPostgresReactionUpsertAndReadMarker(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	ids := seedUsers(t, s, "alice", "bob")
	if err := s.CreateRoom(ctx, directRoom("dm-1", ids[0], ids[1]), ids); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	var sent []models.Message
	for i := 0; i < 3; i++ {
		m := models.Message{RoomID: "dm-1", SenderID: ids[0], Content: "hi"}
		if err := s.AppendMessage(ctx, &m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		sent = append(sent, m)
	}

	for _, kind := range []string{"like", "laugh"} {
		if err := s.UpsertReaction(ctx, &models.Reaction{MessageID: sent[0].ID, UserID: ids[1], Kind: kind}); err != nil {
			t.Fatalf("UpsertReaction(%s): %v", kind, err)
		}
	}
	got, err := s.ListReactions(ctx, []int64{sent[0].ID})
	if err != nil || len(got[sent[0].ID]) != 1 || got[sent[0].ID][0].Kind != "laugh" {
		t.Fatalf("expected a single laugh reaction, got %+v, %v", got, err)
	}
	if removed, _ := s.DeleteReaction(ctx, sent[0].ID, ids[1]); !removed {
		t.Fatal("expected the reaction to be removed")
	}
	if removed, _ := s.DeleteReaction(ctx, sent[0].ID, ids[1]); removed {
		t.Fatal("second removal should report nothing removed")
	}

	if n, _ := s.CountUnread(ctx, "dm-1", ids[1]); n != 3 {
		t.Fatalf("expected 3 unread, got %d", n)
	}
	if err := s.MarkRead(ctx, "dm-1", ids[1], sent[2].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := s.MarkRead(ctx, "dm-1", ids[1], sent[0].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n, _ := s.CountUnread(ctx, "dm-1", ids[1]); n != 0 {
		t.Fatalf("read marker moved back: %d unread", n)
	}
	if err := s.MarkRead(ctx, "dm-1", 9999, sent[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRead for a non-participant: %v", err)
	}
}
