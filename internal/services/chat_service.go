package services

import (
	"context"
	"time"

	"chat-core/internal/logging"
	"chat-core/internal/models"
)

type ConversationState string

const (
	StateRequested     ConversationState = "REQUESTED"
	StateResolvingRoom ConversationState = "RESOLVING_ROOM"
	StateReused        ConversationState = "REUSED"
	StateCreated       ConversationState = "CREATED"
	StateReady         ConversationState = "READY"
)

// Conversation is the outcome of starting a direct conversation.
type Conversation struct {
	Room        models.Room
	DisplayName string
	State       ConversationState
	IsNew       bool
}

// Realtime is the part of the broker the facade publishes through.
type Realtime interface {
	Publish(roomID string, ev models.Event)
	PublishExcept(roomID string, ev models.Event, excludeSessionID string)
	Notify(userIDs []int, ev models.Event)
	NotifyMembers(ev models.Event, skipUserID int)
	SendToUser(userID int, ev models.Event)
	Subscribe(sessionID, roomID string) error
	Unsubscribe(sessionID, roomID string)
	IsUserOnline(userID int) bool
}

// RetryPolicy bounds the retries of transient storage failures. The delay
// doubles after every attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}

// ChatService is the single entry point used by the transports. Events are
// published only after the storage write has succeeded.
type ChatService struct {
	rooms        *RoomDirectory
	participants *ParticipantRegistry
	messages     *MessageStore
	rt           Realtime
	retry        RetryPolicy
}

func NewChatService(rooms *RoomDirectory, participants *ParticipantRegistry, messages *MessageStore, rt Realtime, retry RetryPolicy) *ChatService {
	if retry.Attempts <= 0 {
		retry.Attempts = DefaultRetryPolicy.Attempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return &ChatService{
		rooms:        rooms,
		participants: participants,
		messages:     messages,
		rt:           rt,
		retry:        retry,
	}
}

func withRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= attempts {
			return v, err
		}

		l := logging.Ctx(ctx)
		l.Warn().Err(err).
			Str(logging.FieldAction, op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient storage failure, retrying")

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// retryErr is withRetry for operations without a result.
func retryErr(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error) error {
	_, err := withRetry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StartConversation resolves the direct room between userID and recipientID.
// When the room is new both participants receive a room_created event.
func (s *ChatService) StartConversation(ctx context.Context, userID, recipientID int) (Conversation, error) {
	l := logging.Ctx(ctx).With().Int(logging.FieldUserID, userID).Int("recipient_id", recipientID).Logger()
	conv := Conversation{State: StateRequested}
	advance := func(next ConversationState) {
		l.Debug().Str("from", string(conv.State)).Str("to", string(next)).Msg("conversation state")
		conv.State = next
	}

	advance(StateResolvingRoom)
	type resolved struct {
		room    models.Room
		created bool
	}
	res, err := withRetry(ctx, s.retry, "start-conversation", func(ctx context.Context) (resolved, error) {
		room, created, err := s.rooms.FindOrCreateDirectRoom(ctx, userID, recipientID)
		return resolved{room, created}, err
	})
	if err != nil {
		return Conversation{}, err
	}
	conv.Room, conv.IsNew = res.room, res.created
	if res.created {
		advance(StateCreated)
	} else {
		advance(StateReused)
	}

	name, err := s.rooms.DisplayName(ctx, conv.Room, userID)
	if err != nil {
		return Conversation{}, err
	}
	conv.DisplayName = name

	if res.created {
		for _, id := range []int{userID, recipientID} {
			peerName, err := s.rooms.DisplayName(ctx, conv.Room, id)
			if err != nil {
				l.Warn().Err(err).Str(logging.FieldRoomID, conv.Room.ID).Msg("display name for room_created")
				continue
			}
			s.rt.Notify([]int{id}, models.Event{
				Event:       "room_created",
				Room:        conv.Room.ID,
				UserID:      userID,
				DisplayName: peerName,
			})
		}
	}

	advance(StateReady)
	return conv, nil
}

func (s *ChatService) CreateGroup(ctx context.Context, creator int, name string, memberIDs []int) (models.Room, error) {
	room, err := withRetry(ctx, s.retry, "create-group", func(ctx context.Context) (models.Room, error) {
		return s.rooms.CreateGroupRoom(ctx, creator, name, memberIDs)
	})
	if err != nil {
		return models.Room{}, err
	}

	members := []int{creator}
	seen := map[int]bool{creator: true}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	s.rt.Notify(members, models.Event{
		Event:       "room_created",
		Room:        room.ID,
		UserID:      creator,
		DisplayName: *room.Name,
	})
	return room, nil
}

// GetRoom returns the room with its display name for the viewer.
func (s *ChatService) GetRoom(ctx context.Context, viewerID int, roomID string) (models.Room, string, error) {
	room, err := withRetry(ctx, s.retry, "get-room", func(ctx context.Context) (models.Room, error) {
		return s.rooms.GetRoom(ctx, viewerID, roomID)
	})
	if err != nil {
		return models.Room{}, "", err
	}
	name, err := s.rooms.DisplayName(ctx, room, viewerID)
	if err != nil {
		return models.Room{}, "", err
	}
	return room, name, nil
}

func (s *ChatService) ListRooms(ctx context.Context, userID int) ([]models.RoomListItem, error) {
	items, err := withRetry(ctx, s.retry, "list-rooms", func(ctx context.Context) ([]models.RoomListItem, error) {
		return s.rooms.ListRoomsFor(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		if !items[i].IsDirectMessage {
			continue
		}
		if s.rt.IsUserOnline(items[i].OtherUserID) {
			items[i].OtherUserStatus = "online"
		} else {
			items[i].OtherUserStatus = "offline"
		}
	}
	return items, nil
}

// SendMessage appends a message and fans it out. Subscribed sessions get a
// message event; participants elsewhere get a new_message notification.
func (s *ChatService) SendMessage(ctx context.Context, senderID int, roomID, content string) (models.Message, error) {
	msg, err := withRetry(ctx, s.retry, "send-message", func(ctx context.Context) (models.Message, error) {
		return s.messages.AppendMessage(ctx, roomID, senderID, content)
	})
	if err != nil {
		return models.Message{}, err
	}

	s.rt.Publish(roomID, models.Event{Event: "message", Room: roomID, Message: &msg})
	s.rt.NotifyMembers(models.Event{Event: "new_message", Room: roomID, Message: &msg, UserID: senderID}, senderID)
	return msg, nil
}

func (s *ChatService) ListMessages(ctx context.Context, viewerID int, roomID, cursor string, limit int) (models.MessagePage, error) {
	return withRetry(ctx, s.retry, "list-messages", func(ctx context.Context) (models.MessagePage, error) {
		return s.messages.ListMessages(ctx, viewerID, roomID, cursor, limit)
	})
}

// JoinRoom subscribes a realtime session to a room and returns its first
// page of history.
func (s *ChatService) JoinRoom(ctx context.Context, userID int, sessionID, roomID, cursor string) (models.MessagePage, error) {
	if _, _, err := s.GetRoom(ctx, userID, roomID); err != nil {
		return models.MessagePage{}, err
	}
	page, err := s.ListMessages(ctx, userID, roomID, cursor, DefaultPageSize)
	if err != nil {
		return models.MessagePage{}, err
	}
	if err := s.rt.Subscribe(sessionID, roomID); err != nil {
		return models.MessagePage{}, err
	}
	return page, nil
}

func (s *ChatService) LeaveSession(sessionID, roomID string) {
	s.rt.Unsubscribe(sessionID, roomID)
}

func (s *ChatService) ListParticipants(ctx context.Context, actor int, roomID string) ([]models.Participant, error) {
	return withRetry(ctx, s.retry, "list-participants", func(ctx context.Context) ([]models.Participant, error) {
		return s.participants.ListParticipants(ctx, actor, roomID)
	})
}

func (s *ChatService) AddMember(ctx context.Context, actor int, roomID string, userID int) (bool, error) {
	added, err := withRetry(ctx, s.retry, "add-member", func(ctx context.Context) (bool, error) {
		return s.participants.AddParticipant(ctx, actor, roomID, userID)
	})
	if err != nil || !added {
		return added, err
	}

	ev := models.Event{Event: "participant_added", Room: roomID, UserID: userID}
	s.rt.Publish(roomID, ev)
	s.rt.Notify([]int{userID}, ev)
	return true, nil
}

func (s *ChatService) RemoveMember(ctx context.Context, actor int, roomID string, userID int) (bool, error) {
	removed, err := withRetry(ctx, s.retry, "remove-member", func(ctx context.Context) (bool, error) {
		return s.participants.RemoveParticipant(ctx, actor, roomID, userID)
	})
	if err != nil || !removed {
		return removed, err
	}

	ev := models.Event{Event: "participant_removed", Room: roomID, UserID: userID}
	s.rt.Publish(roomID, ev)
	s.rt.SendToUser(userID, ev)
	return true, nil
}

// LeaveRoom removes userID from a group room, or deletes a direct room for
// both participants.
func (s *ChatService) LeaveRoom(ctx context.Context, userID int, roomID string) error {
	members := s.memberIDs(ctx, userID, roomID)
	deleted, err := withRetry(ctx, s.retry, "leave-room", func(ctx context.Context) (bool, error) {
		return s.participants.LeaveRoom(ctx, userID, roomID)
	})
	if err != nil {
		return err
	}

	if deleted {
		for _, id := range members {
			s.rt.SendToUser(id, models.Event{Event: "room_deleted", Room: roomID, UserID: userID})
		}
		return nil
	}
	ev := models.Event{Event: "participant_removed", Room: roomID, UserID: userID}
	s.rt.Publish(roomID, ev)
	s.rt.SendToUser(userID, ev)
	return nil
}

// DeleteRoom deletes a room with its history.
func (s *ChatService) DeleteRoom(ctx context.Context, actor int, roomID string) error {
	members := s.memberIDs(ctx, actor, roomID)
	err := retryErr(ctx, s.retry, "delete-room", func(ctx context.Context) error {
		return s.rooms.DeleteRoom(ctx, actor, roomID)
	})
	if err != nil {
		return err
	}
	for _, id := range members {
		s.rt.SendToUser(id, models.Event{Event: "room_deleted", Room: roomID, UserID: actor})
	}
	return nil
}

// memberIDs is a best-effort participant snapshot taken before a room goes
// away, used only to address notifications.
func (s *ChatService) memberIDs(ctx context.Context, actor int, roomID string) []int {
	participants, err := s.participants.ListParticipants(ctx, actor, roomID)
	if err != nil {
		return nil
	}
	ids := make([]int, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}
	return ids
}

func (s *ChatService) EditMessage(ctx context.Context, userID int, messageID int64, content string) (models.Message, error) {
	msg, err := withRetry(ctx, s.retry, "edit-message", func(ctx context.Context) (models.Message, error) {
		return s.messages.EditMessage(ctx, userID, messageID, content)
	})
	if err != nil {
		return models.Message{}, err
	}
	s.rt.Publish(msg.RoomID, models.Event{Event: "message_edited", Room: msg.RoomID, Message: &msg})
	return msg, nil
}

func (s *ChatService) DeleteMessage(ctx context.Context, userID int, messageID int64) (models.Message, error) {
	msg, err := withRetry(ctx, s.retry, "delete-message", func(ctx context.Context) (models.Message, error) {
		return s.messages.DeleteMessage(ctx, userID, messageID)
	})
	if err != nil {
		return models.Message{}, err
	}
	s.rt.Publish(msg.RoomID, models.Event{Event: "message_deleted", Room: msg.RoomID, Message: &msg, UserID: userID})
	return msg, nil
}

func (s *ChatService) React(ctx context.Context, userID int, messageID int64, kind string) (models.Reaction, error) {
	r, err := withRetry(ctx, s.retry, "react", func(ctx context.Context) (models.Reaction, error) {
		return s.messages.ReactToMessage(ctx, userID, messageID, kind)
	})
	if err != nil {
		return models.Reaction{}, err
	}
	s.rt.Publish(r.RoomID, models.Event{Event: "reaction", Room: r.RoomID, Reaction: &r, UserID: userID})
	return r, nil
}

// RemoveReaction publishes a reaction event with an empty kind when a
// reaction was actually removed.
func (s *ChatService) RemoveReaction(ctx context.Context, userID int, messageID int64) (bool, error) {
	type result struct {
		r       models.Reaction
		removed bool
	}
	res, err := withRetry(ctx, s.retry, "remove-reaction", func(ctx context.Context) (result, error) {
		r, removed, err := s.messages.RemoveReaction(ctx, userID, messageID)
		return result{r, removed}, err
	})
	if err != nil {
		return false, err
	}
	if res.removed {
		s.rt.Publish(res.r.RoomID, models.Event{Event: "reaction", Room: res.r.RoomID, Reaction: &res.r, UserID: userID})
	}
	return res.removed, nil
}

// SetTyping records a typing indicator and tells the other sessions in the
// room. originSessionID may be empty.
func (s *ChatService) SetTyping(ctx context.Context, userID int, roomID, originSessionID string) (models.TypingIndicator, error) {
	ind, err := withRetry(ctx, s.retry, "typing", func(ctx context.Context) (models.TypingIndicator, error) {
		return s.messages.SetTyping(ctx, userID, roomID)
	})
	if err != nil {
		return models.TypingIndicator{}, err
	}
	s.rt.PublishExcept(roomID, models.Event{Event: "typing", Room: roomID, Typing: &ind, UserID: userID}, originSessionID)
	return ind, nil
}

func (s *ChatService) ActiveTypers(ctx context.Context, userID int, roomID string) ([]models.TypingIndicator, error) {
	return s.messages.ActiveTypers(ctx, userID, roomID)
}

func (s *ChatService) MarkRead(ctx context.Context, userID int, roomID string, messageID int64) error {
	err := retryErr(ctx, s.retry, "mark-read", func(ctx context.Context) error {
		return s.messages.MarkRead(ctx, userID, roomID, messageID)
	})
	if err != nil {
		return err
	}
	s.rt.Publish(roomID, models.Event{
		Event:   "read",
		Room:    roomID,
		UserID:  userID,
		Message: &models.Message{ID: messageID, RoomID: roomID},
	})
	return nil
}

// AnnouncePresence tells the user's direct-message peers that the user came
// online or went offline.
func (s *ChatService) AnnouncePresence(ctx context.Context, userID int, online bool) {
	peers, err := s.rooms.DirectPeers(ctx, userID)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Msg("load peers for presence")
		return
	}
	status := "offline"
	if online {
		status = "online"
	}
	for _, id := range peers {
		s.rt.SendToUser(id, models.Event{Event: "presence", UserID: userID, Status: status})
	}
}
