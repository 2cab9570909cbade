package models

import "time"

type Message struct {
	ID        int64      `json:"id"`
	RoomID    string     `json:"room_id"`
	SenderID  int        `json:"sender_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

type Reaction struct {
	MessageID int64 `json:"message_id"`
	// RoomID is filled in by the service layer for realtime events.
	RoomID    string    `json:"room_id,omitempty"`
	UserID    int       `json:"user_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type TypingIndicator struct {
	RoomID string    `json:"room_id"`
	UserID int       `json:"user_id"`
	At     time.Time `json:"at"`
}

// MessagePage is one page of a room's message log.
type MessagePage struct {
	Messages []Message `json:"messages"`
	// Next continues in the same direction; Prev turns around at the first message.
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
	HasMore bool   `json:"has_more"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type ReactRequest struct {
	Kind string `json:"kind"`
}

type MarkReadRequest struct {
	MessageID int64 `json:"message_id"`
}

// WSMessage is an inbound websocket frame.
type WSMessage struct {
	Event     string `json:"event"` // "join", "leave", "chat", "typing", "react", "seen", "list"
	Room      string `json:"room,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
}

// Event is an outbound realtime frame.
type Event struct {
	Event       string           `json:"event"`
	Room        string           `json:"room,omitempty"`
	Message     *Message         `json:"message,omitempty"`
	Reaction    *Reaction        `json:"reaction,omitempty"`
	Typing      *TypingIndicator `json:"typing,omitempty"`
	UserID      int              `json:"user_id,omitempty"`
	Rooms       []RoomListItem   `json:"rooms,omitempty"`
	History     *MessagePage     `json:"history,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
	Status      string           `json:"status,omitempty"`
	Error       string           `json:"error,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}
