// Package store is the storage collaborator of the chat core: durable rooms,
// participants, messages and reactions with unique constraints and cascading
// deletes. Authorization is not enforced here; callers go through the policy
// evaluator first.
package store

import (
	"context"
	"time"

	"chat-core/internal/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, userID int) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUsers(ctx context.Context, userIDs []int) (map[int]models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateUserNames(ctx context.Context, userID int, firstName, lastName *string) (models.User, error)
	DeleteUser(ctx context.Context, userID int) error
	IsAdmin(ctx context.Context, userID int) (bool, error)
}

type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	// FindDirectRoom returns the live (non-quarantined) direct room for pair.
	FindDirectRoom(ctx context.Context, pair models.UserPair) (models.Room, error)
	// CreateRoom inserts room and its participants atomically. A direct room
	// whose pair already has a live room fails with ErrConflict.
	CreateRoom(ctx context.Context, room *models.Room, memberIDs []int) error
	// QuarantineRoom hides a room from lookups and releases its pair key.
	QuarantineRoom(ctx context.Context, roomID string) error
	DeleteRoom(ctx context.Context, roomID string) error
	// ListRoomsForUser returns live rooms userID participates in, most recent activity first.
	ListRoomsForUser(ctx context.Context, userID int) ([]models.Room, error)

	IsParticipant(ctx context.Context, roomID string, userID int) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	AddParticipant(ctx context.Context, roomID string, userID int) (bool, error)
	RemoveParticipant(ctx context.Context, roomID string, userID int) (bool, error)
}

// Key is a position in a room's message log.
type Key struct {
	At time.Time
	ID int64
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	if k.At.Equal(o.At) {
		return k.ID < o.ID
	}
	return k.At.Before(o.At)
}

// MessageQuery selects a slice of a room's log. Forward queries return
// messages strictly after From in ascending order, backward queries return
// messages strictly before From in descending order. A nil From starts at
// the corresponding end of the log.
type MessageQuery struct {
	Forward bool
	From    *Key
	Limit   int
}

type MessageStore interface {
	// AppendMessage assigns msg.ID and msg.CreatedAt. Within a room both are
	// strictly increasing in commit order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListMessages(ctx context.Context, roomID string, q MessageQuery) ([]models.Message, error)
	LatestMessage(ctx context.Context, roomID string) (*models.Message, error)
	CountUnread(ctx context.Context, roomID string, userID int) (int, error)
	UpdateMessageContent(ctx context.Context, messageID int64, content string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, messageID int64, at time.Time) error

	// UpsertReaction replaces any previous reaction of the user on the message.
	UpsertReaction(ctx context.Context, r *models.Reaction) error
	DeleteReaction(ctx context.Context, messageID int64, userID int) (bool, error)
	ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error)

	// MarkRead moves the participant's read marker forward; it never moves back.
	MarkRead(ctx context.Context, roomID string, userID int, messageID int64) error
}

type Store interface {
	UserStore
	RoomStore
	MessageStore
	Ping(ctx context.Context) error
	Close()
}
