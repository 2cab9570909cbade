package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-core/internal/models"
)

type participantKey struct {
	roomID string
	userID int
}

type reactionKey struct {
	messageID int64
	userID    int
}

// MemoryStore is a single-process Store enforcing the same constraints as
// the PostgreSQL schema. It backs tests and CHAT_STORAGE=memory.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int
	nextMessageID int64

	users        map[int]models.User
	rooms        map[string]models.Room
	directRooms  map[models.UserPair]string
	participants map[participantKey]models.Participant
	messages     map[int64]models.Message
	roomMessages map[string][]int64
	reactions    map[reactionKey]models.Reaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		users:        make(map[int]models.User),
		rooms:        make(map[string]models.Room),
		directRooms:  make(map[models.UserPair]string),
		participants: make(map[participantKey]models.Participant),
		messages:     make(map[int64]models.Message),
		roomMessages: make(map[string][]int64),
		reactions:    make(map[reactionKey]models.Reaction),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (s *MemoryStore) Close()                         {}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = s.now()
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID int) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (s *MemoryStore) GetUsers(ctx context.Context, userIDs []int) (map[int]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]models.User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateUserNames(ctx context.Context, userID int, firstName, lastName *string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	u.FirstName, u.LastName = firstName, lastName
	s.users[userID] = u
	return u, nil
}

// DeleteUser cascades to the user's participations and reactions.
func (s *MemoryStore) DeleteUser(ctx context.Context, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	delete(s.users, userID)
	for k := range s.participants {
		if k.userID == userID {
			delete(s.participants, k)
		}
	}
	for k := range s.reactions {
		if k.userID == userID {
			delete(s.reactions, k)
		}
	}
	return nil
}

func (s *MemoryStore) IsAdmin(ctx context.Context, userID int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return false, ErrNotFound
	}
	return u.IsAdmin, nil
}

// SetAdmin flips the admin flag. Role management lives outside the chat
// core; this exists for seeding.
func (s *MemoryStore) SetAdmin(userID int, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.IsAdmin = admin
		s.users[userID] = u
	}
}

// Rooms

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) FindDirectRoom(ctx context.Context, pair models.UserPair) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.directRooms[pair]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return s.rooms[id], nil
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *models.Room, memberIDs []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return ErrConflict
	}
	if room.IsDirectMessage {
		if room.DirectPair == nil {
			return ErrNotFound
		}
		if _, taken := s.directRooms[*room.DirectPair]; taken {
			return ErrConflict
		}
	}
	// Validate everything before the first write so a failure leaves nothing behind.
	for _, id := range memberIDs {
		if _, ok := s.users[id]; !ok {
			return ErrNotFound
		}
	}

	room.CreatedAt = s.now()
	s.rooms[room.ID] = *room
	if room.IsDirectMessage {
		s.directRooms[*room.DirectPair] = room.ID
	}
	for _, id := range memberIDs {
		s.participants[participantKey{room.ID, id}] = models.Participant{
			RoomID:    room.ID,
			UserID:    id,
			CreatedAt: room.CreatedAt,
		}
	}
	return nil
}

func (s *MemoryStore) QuarantineRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if r.QuarantinedAt == nil {
		now := s.now()
		r.QuarantinedAt = &now
		s.rooms[roomID] = r
	}
	if r.DirectPair != nil && s.directRooms[*r.DirectPair] == roomID {
		delete(s.directRooms, *r.DirectPair)
	}
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	delete(s.rooms, roomID)
	if r.DirectPair != nil && s.directRooms[*r.DirectPair] == roomID {
		delete(s.directRooms, *r.DirectPair)
	}
	for k := range s.participants {
		if k.roomID == roomID {
			delete(s.participants, k)
		}
	}
	for _, id := range s.roomMessages[roomID] {
		delete(s.messages, id)
		for k := range s.reactions {
			if k.messageID == id {
				delete(s.reactions, k)
			}
		}
	}
	delete(s.roomMessages, roomID)
	return nil
}

func (s *MemoryStore) ListRoomsForUser(ctx context.Context, userID int) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Room
	for k := range s.participants {
		if k.userID != userID {
			continue
		}
		r, ok := s.rooms[k.roomID]
		if !ok || r.QuarantinedAt != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Activity(), out[j].Activity()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

// Participants

func (s *MemoryStore) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[participantKey{roomID, userID}]
	return ok, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Participant
	for k, p := range s.participants {
		if k.roomID == roomID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return false, ErrNotFound
	}
	key := participantKey{roomID, userID}
	if _, ok := s.participants[key]; ok {
		return false, nil
	}
	s.participants[key] = models.Participant{RoomID: roomID, UserID: userID, CreatedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{roomID, userID}
	if _, ok := s.participants[key]; !ok {
		return false, nil
	}
	delete(s.participants, key)
	return true, nil
}

// Messages

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[msg.RoomID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if room.LastMessageAt != nil && now.Before(*room.LastMessageAt) {
		now = *room.LastMessageAt
	}
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.CreatedAt = now
	room.LastMessageAt = &now
	s.rooms[room.ID] = room
	s.messages[msg.ID] = *msg
	s.roomMessages[msg.RoomID] = append(s.roomMessages[msg.RoomID], msg.ID)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID string, q MessageQuery) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.roomMessages[roomID]
	out := make([]models.Message, 0, q.Limit)
	if q.Forward {
		for _, id := range ids {
			m := s.messages[id]
			if q.From != nil && !q.From.Less(Key{At: m.CreatedAt, ID: m.ID}) {
				continue
			}
			out = append(out, m)
			if len(out) == q.Limit {
				break
			}
		}
		return out, nil
	}
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.messages[ids[i]]
		if q.From != nil && !(Key{At: m.CreatedAt, ID: m.ID}).Less(*q.From) {
			continue
		}
		out = append(out, m)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestMessage(ctx context.Context, roomID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roomMessages[roomID]
	if len(ids) == 0 {
		return nil, nil
	}
	m := s.messages[ids[len(ids)-1]]
	return &m, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, roomID string, userID int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantKey{roomID, userID}]
	if !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, id := range s.roomMessages[roomID] {
		m := s.messages[id]
		if m.SenderID == userID || m.IsDeleted() {
			continue
		}
		if p.LastReadMessageID != nil && m.ID <= *p.LastReadMessageID {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) UpdateMessageContent(ctx context.Context, messageID int64, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Content = content
	m.EditedAt = &at
	s.messages[messageID] = m
	return nil
}

func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if m.DeletedAt == nil {
		m.DeletedAt = &at
		m.Content = ""
		s.messages[messageID] = m
	}
	return nil
}

func (s *MemoryStore) UpsertReaction(ctx context.Context, r *models.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[r.MessageID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.users[r.UserID]; !ok {
		return ErrNotFound
	}
	r.CreatedAt = s.now()
	s.reactions[reactionKey{r.MessageID, r.UserID}] = *r
	return nil
}

func (s *MemoryStore) DeleteReaction(ctx context.Context, messageID int64, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey{messageID, userID}
	if _, ok := s.reactions[key]; !ok {
		return false, nil
	}
	delete(s.reactions, key)
	return true, nil
}

func (s *MemoryStore) ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[int64][]models.Reaction)
	for k, r := range s.reactions {
		if _, ok := wanted[k.messageID]; ok {
			out[k.messageID] = append(out[k.messageID], r)
		}
	}
	for id := range out {
		rs := out[id]
		sort.Slice(rs, func(i, j int) bool { return rs[i].UserID < rs[j].UserID })
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, roomID string, userID int, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{roomID, userID}
	p, ok := s.participants[key]
	if !ok {
		return ErrNotFound
	}
	if p.LastReadMessageID == nil || *p.LastReadMessageID < messageID {
		id := messageID
		p.LastReadMessageID = &id
		s.participants[key] = p
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
