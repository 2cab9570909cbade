package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chat-core/internal/logging"
	"chat-core/internal/models"
	"chat-core/internal/policy"
	"chat-core/internal/store"
	"chat-core/internal/typing"
)

const (
	DefaultPageSize         = 50
	MaxPageSize             = 100
	DefaultMaxMessageLength = 4000
	maxReactionLength       = 32
)

// MessageStore is the guarded, append-only message log of every room.
type MessageStore struct {
	store  store.MessageStore
	policy *policy.Evaluator
	typing typing.Store
	maxLen int
	now    func() time.Time
}

func NewMessageStore(s store.MessageStore, p *policy.Evaluator, t typing.Store, maxLen int) *MessageStore {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &MessageStore{store: s, policy: p, typing: t, maxLen: maxLen, now: time.Now}
}

func (m *MessageStore) validContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalid("content", "required")
	}
	if utf8.RuneCountInString(content) > m.maxLen {
		return "", invalid("content", fmt.Sprintf("must be at most %d characters", m.maxLen))
	}
	return content, nil
}

// AppendMessage stores a new message. Id and timestamp are assigned by the
// store in commit order.
func (m *MessageStore) AppendMessage(ctx context.Context, roomID string, senderID int, content string) (models.Message, error) {
	if !m.policy.CanAccess(ctx, senderID, roomID, policy.ActionSendMessage) {
		return models.Message{}, ErrForbidden
	}
	content, err := m.validContent(content)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{RoomID: roomID, SenderID: senderID, Content: content}
	if err := m.store.AppendMessage(ctx, &msg); err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", roomScoped(err))
	}

	if m.typing != nil {
		if err := m.typing.Clear(ctx, roomID, senderID); err != nil {
			l := logging.Ctx(ctx)
			l.Warn().Err(err).Str(logging.FieldRoomID, roomID).Msg("clear typing indicator")
		}
	}
	return msg, nil
}

// ListMessages returns one page of the room's log. See DecodeCursor for the
// cursor format; limit is clamped to [1, MaxPageSize].
func (m *MessageStore) ListMessages(ctx context.Context, viewerID int, roomID, cursor string, limit int) (models.MessagePage, error) {
	if !m.policy.CanAccess(ctx, viewerID, roomID, policy.ActionReadMessages) {
		return models.MessagePage{}, ErrForbidden
	}
	c, err := DecodeCursor(cursor)
	if err != nil {
		return models.MessagePage{}, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	rows, err := m.store.ListMessages(ctx, roomID, store.MessageQuery{
		Forward: c.Forward,
		From:    c.Key,
		Limit:   limit + 1,
	})
	if err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages: %w", roomScoped(err))
	}

	page := models.MessagePage{Messages: rows}
	if len(rows) > limit {
		page.Messages = rows[:limit]
		page.HasMore = true
	}
	if len(page.Messages) == 0 {
		page.Messages = []models.Message{}
		return page, nil
	}

	if err := m.attachReactions(ctx, page.Messages); err != nil {
		return models.MessagePage{}, err
	}

	first, last := page.Messages[0], page.Messages[len(page.Messages)-1]
	if page.HasMore {
		page.Next = EncodeCursor(Cursor{Forward: c.Forward, Key: keyOf(last)})
	}
	page.Prev = EncodeCursor(Cursor{Forward: !c.Forward, Key: keyOf(first)})
	return page, nil
}

func keyOf(msg models.Message) *store.Key {
	return &store.Key{At: msg.CreatedAt, ID: msg.ID}
}

func (m *MessageStore) attachReactions(ctx context.Context, msgs []models.Message) error {
	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	reactions, err := m.store.ListReactions(ctx, ids)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	for i := range msgs {
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return nil
}

// messageFor loads a message and checks action on its room. Unknown
// messages look the same as forbidden ones.
func (m *MessageStore) messageFor(ctx context.Context, userID int, messageID int64, action policy.Action) (models.Message, error) {
	if messageID <= 0 {
		return models.Message{}, invalid("message_id", "required")
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, roomScoped(err)
	}
	if !m.policy.CanAccess(ctx, userID, msg.RoomID, action) {
		return models.Message{}, ErrForbidden
	}
	return msg, nil
}

// ReactToMessage sets the user's reaction on a message, replacing any
// earlier one.
func (m *MessageStore) ReactToMessage(ctx context.Context, userID int, messageID int64, kind string) (models.Reaction, error) {
	kind = strings.TrimSpace(kind)
	if n := utf8.RuneCountInString(kind); n == 0 || n > maxReactionLength {
		return models.Reaction{}, invalid("kind", fmt.Sprintf("must be 1 to %d characters", maxReactionLength))
	}
	msg, err := m.messageFor(ctx, userID, messageID, policy.ActionReact)
	if err != nil {
		return models.Reaction{}, err
	}
	if msg.IsDeleted() {
		return models.Reaction{}, invalid("message_id", "message was deleted")
	}

	r := models.Reaction{MessageID: messageID, UserID: userID, Kind: kind}
	if err := m.store.UpsertReaction(ctx, &r); err != nil {
		return models.Reaction{}, fmt.Errorf("upsert reaction: %w", roomScoped(err))
	}
	r.RoomID = msg.RoomID
	return r, nil
}

// RemoveReaction deletes the user's reaction, if any.
func (m *MessageStore) RemoveReaction(ctx context.Context, userID int, messageID int64) (models.Reaction, bool, error) {
	msg, err := m.messageFor(ctx, userID, messageID, policy.ActionReact)
	if err != nil {
		return models.Reaction{}, false, err
	}
	removed, err := m.store.DeleteReaction(ctx, messageID, userID)
	if err != nil {
		return models.Reaction{}, false, fmt.Errorf("delete reaction: %w", err)
	}
	return models.Reaction{MessageID: messageID, RoomID: msg.RoomID, UserID: userID}, removed, nil
}

// EditMessage replaces the content of the sender's own message.
func (m *MessageStore) EditMessage(ctx context.Context, userID int, messageID int64, content string) (models.Message, error) {
	content, err := m.validContent(content)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := m.messageFor(ctx, userID, messageID, policy.ActionSendMessage)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != userID {
		return models.Message{}, ErrForbidden
	}
	if msg.IsDeleted() {
		return models.Message{}, invalid("message_id", "message was deleted")
	}

	at := m.now().UTC()
	if err := m.store.UpdateMessageContent(ctx, messageID, content, at); err != nil {
		return models.Message{}, fmt.Errorf("edit message: %w", roomScoped(err))
	}
	msg.Content = content
	msg.EditedAt = &at
	return msg, nil
}

// DeleteMessage soft-deletes a message. The sender or a room manager may
// delete it; it stays in the log with empty content.
func (m *MessageStore) DeleteMessage(ctx context.Context, userID int, messageID int64) (models.Message, error) {
	msg, err := m.messageFor(ctx, userID, messageID, policy.ActionReadMessages)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != userID && !m.policy.CanAccess(ctx, userID, msg.RoomID, policy.ActionManageRoom) {
		return models.Message{}, ErrForbidden
	}
	if msg.IsDeleted() {
		return msg, nil
	}

	at := m.now().UTC()
	if err := m.store.SoftDeleteMessage(ctx, messageID, at); err != nil {
		return models.Message{}, fmt.Errorf("delete message: %w", roomScoped(err))
	}
	msg.Content = ""
	msg.DeletedAt = &at
	msg.Reactions = nil
	return msg, nil
}

// MarkRead moves the user's read marker in roomID up to messageID.
func (m *MessageStore) MarkRead(ctx context.Context, userID int, roomID string, messageID int64) error {
	if !m.policy.CanAccess(ctx, userID, roomID, policy.ActionReadMessages) {
		return ErrForbidden
	}
	if messageID <= 0 {
		return invalid("message_id", "required")
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("message_id", "not in this room")
		}
		return err
	}
	if msg.RoomID != roomID {
		return invalid("message_id", "not in this room")
	}
	if err := m.store.MarkRead(ctx, roomID, userID, messageID); err != nil {
		return fmt.Errorf("mark read: %w", roomScoped(err))
	}
	return nil
}

// SetTyping records that userID is typing in roomID.
func (m *MessageStore) SetTyping(ctx context.Context, userID int, roomID string) (models.TypingIndicator, error) {
	if !m.policy.CanAccess(ctx, userID, roomID, policy.ActionSendMessage) {
		return models.TypingIndicator{}, ErrForbidden
	}
	if m.typing == nil {
		return models.TypingIndicator{RoomID: roomID, UserID: userID, At: m.now().UTC()}, nil
	}
	ind, err := m.typing.Set(ctx, roomID, userID)
	if err != nil {
		return models.TypingIndicator{}, fmt.Errorf("set typing: %w", err)
	}
	return ind, nil
}

// ActiveTypers lists users currently typing in roomID.
func (m *MessageStore) ActiveTypers(ctx context.Context, userID int, roomID string) ([]models.TypingIndicator, error) {
	if !m.policy.CanAccess(ctx, userID, roomID, policy.ActionReadMessages) {
		return nil, ErrForbidden
	}
	if m.typing == nil {
		return nil, nil
	}
	return m.typing.Active(ctx, roomID)
}
