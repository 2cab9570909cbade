package models

import "time"

type Room struct {
	ID string `json:"id"`
	// Name is only stored for group rooms. Direct rooms are named per viewer.
	Name            *string    `json:"name,omitempty"`
	IsDirectMessage bool       `json:"is_direct_message"`
	CreatedBy       int        `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	// DirectPair is the normalized (low, high) participant pair of a direct room.
	DirectPair    *UserPair  `json:"-"`
	QuarantinedAt *time.Time `json:"-"`
}

// Activity returns the timestamp rooms are ordered by in listings.
func (r Room) Activity() time.Time {
	if r.LastMessageAt != nil {
		return *r.LastMessageAt
	}
	return r.CreatedAt
}

// UserPair is an unordered pair of users stored as (min, max).
type UserPair struct {
	Low  int
	High int
}

// NewUserPair normalizes a and b into a UserPair.
func NewUserPair(a, b int) UserPair {
	if a > b {
		a, b = b, a
	}
	return UserPair{Low: a, High: b}
}

// Other returns the member of the pair that is not userID.
func (p UserPair) Other(userID int) int {
	if p.Low == userID {
		return p.High
	}
	return p.Low
}

func (p UserPair) Contains(userID int) bool {
	return p.Low == userID || p.High == userID
}

type Participant struct {
	RoomID            string    `json:"room_id"`
	UserID            int       `json:"user_id"`
	LastReadMessageID *int64    `json:"last_read_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type CreateDirectRoomRequest struct {
	RecipientID int `json:"recipient_id"`
}

type CreateGroupRoomRequest struct {
	Name      string `json:"name"`
	MemberIDs []int  `json:"member_ids"`
}

type AddParticipantRequest struct {
	UserID int `json:"user_id"`
}

type RoomResponse struct {
	RoomID      string `json:"room_id"`
	DisplayName string `json:"display_name"`
	IsNew       bool   `json:"is_new"`
	State       string `json:"state"`
}

// RoomListItem is a room as seen by one viewer.
type RoomListItem struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	IsDirectMessage bool      `json:"is_direct_message"`
	OtherUserID     int       `json:"other_user_id,omitempty"`
	OtherUserStatus string    `json:"other_user_status,omitempty"`
	LastMessage     *Message  `json:"last_message,omitempty"`
	UnreadCount     int       `json:"unread_count"`
	LastActivity    time.Time `json:"last_activity"`
}
