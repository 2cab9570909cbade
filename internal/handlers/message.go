package handlers

import (
	"context"
	"encoding/json"
	"time"

	"chat-core/internal/logging"
	"chat-core/internal/models"
	"chat-core/internal/realtime"
	"chat-core/internal/services"
)

const wsOpTimeout = 10 * time.Second

// wsSession dispatches inbound frames of one connection.
type wsSession struct {
	chat    *services.ChatService
	broker  *realtime.Broker
	session *realtime.Session
	// currentRoom is the last joined room, used when a frame omits "room".
	currentRoom string
}

func (s *wsSession) HandleMessage(ctx context.Context, raw []byte) {
	var msg models.WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.fail("", "malformed frame")
		return
	}
	if msg.Room == "" {
		msg.Room = s.currentRoom
	}

	ctx, cancel := context.WithTimeout(ctx, wsOpTimeout)
	defer cancel()

	switch msg.Event {
	case "join":
		s.handleJoin(ctx, &msg)
	case "leave":
		s.handleLeave(&msg)
	case "chat":
		s.handleChat(ctx, &msg)
	case "typing":
		s.handleTyping(ctx, &msg)
	case "react":
		s.handleReact(ctx, &msg)
	case "seen":
		s.handleSeen(ctx, &msg)
	case "list":
		s.handleList(ctx)
	default:
		l := logging.Ctx(ctx)
		l.Debug().Str(logging.FieldEvent, msg.Event).Msg("unknown websocket event")
		s.fail(msg.Room, "unknown event")
	}
}

func (s *wsSession) send(ev models.Event) {
	_ = s.broker.SendToSession(s.session.ID, ev)
}

func (s *wsSession) fail(roomID, reason string) {
	s.send(models.Event{Event: "error", Room: roomID, Error: reason})
}

func (s *wsSession) failErr(ctx context.Context, roomID string, err error) {
	status, reason := statusFor(err)
	if status >= 500 {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Str(logging.FieldRoomID, roomID).Msg("websocket operation failed")
	}
	s.fail(roomID, reason)
}

func (s *wsSession) handleJoin(ctx context.Context, msg *models.WSMessage) {
	if msg.Room == "" {
		s.fail("", "room required")
		return
	}
	page, err := s.chat.JoinRoom(ctx, s.session.UserID, s.session.ID, msg.Room, msg.Cursor)
	if err != nil {
		s.failErr(ctx, msg.Room, err)
		return
	}
	s.currentRoom = msg.Room

	s.send(models.Event{Event: "joined", Room: msg.Room, UserID: s.session.UserID})
	s.send(models.Event{Event: "history", Room: msg.Room, History: &page})
}

// handleLeave stops the realtime feed of a room. Membership is unchanged.
func (s *wsSession) handleLeave(msg *models.WSMessage) {
	if msg.Room == "" {
		return
	}
	s.chat.LeaveSession(s.session.ID, msg.Room)
	if s.currentRoom == msg.Room {
		s.currentRoom = ""
	}
}

func (s *wsSession) handleChat(ctx context.Context, msg *models.WSMessage) {
	if msg.Room == "" {
		s.fail("", "join a room first")
		return
	}
	if _, err := s.chat.SendMessage(ctx, s.session.UserID, msg.Room, msg.Text); err != nil {
		s.failErr(ctx, msg.Room, err)
	}
}

func (s *wsSession) handleTyping(ctx context.Context, msg *models.WSMessage) {
	if msg.Room == "" {
		return
	}
	if _, err := s.chat.SetTyping(ctx, s.session.UserID, msg.Room, s.session.ID); err != nil {
		s.failErr(ctx, msg.Room, err)
	}
}

// handleReact sets a reaction, or removes it when kind is empty.
func (s *wsSession) handleReact(ctx context.Context, msg *models.WSMessage) {
	var err error
	if msg.Kind == "" {
		_, err = s.chat.RemoveReaction(ctx, s.session.UserID, msg.MessageID)
	} else {
		_, err = s.chat.React(ctx, s.session.UserID, msg.MessageID, msg.Kind)
	}
	if err != nil {
		s.failErr(ctx, msg.Room, err)
	}
}

func (s *wsSession) handleSeen(ctx context.Context, msg *models.WSMessage) {
	if msg.Room == "" || msg.MessageID == 0 {
		return
	}
	if err := s.chat.MarkRead(ctx, s.session.UserID, msg.Room, msg.MessageID); err != nil {
		s.failErr(ctx, msg.Room, err)
	}
}

func (s *wsSession) handleList(ctx context.Context) {
	rooms, err := s.chat.ListRooms(ctx, s.session.UserID)
	if err != nil {
		s.failErr(ctx, "", err)
		// send empty list with error
		rooms = []models.RoomListItem{}
	}
	s.send(models.Event{Event: "list", Rooms: rooms})
}
