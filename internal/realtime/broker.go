// Package realtime fans room events out to connected client sessions.
//
// Delivery is best effort and at most once per session. Membership is
// re-checked at delivery time, so a session whose user has left a room stops
// receiving that room's events on the next fan-out even while it stays
// connected. Nothing is replayed; reconnecting clients page through history.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chat-core/internal/diagnostics"
	"chat-core/internal/logging"
	"chat-core/internal/models"
)

var ErrUnknownSession = errors.New("realtime: unknown session")

// MembershipChecker is the raw participant lookup used at delivery time.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, roomID string, userID int) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
}

// Session is one connected client. The transport drains Outbound and writes
// each payload to the wire.
type Session struct {
	ID       string
	UserID   int
	Username string

	send   chan []byte
	closed bool
}

func NewSession(id string, userID int, username string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{ID: id, UserID: userID, Username: username, send: make(chan []byte, buffer)}
}

// Outbound is closed when the session is unregistered.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

type delivery struct {
	roomID   string
	userIDs  []int
	exclude  string
	// direct deliveries skip the membership and subscription checks
	direct   bool
	// members resolves userIDs from the room's participants at delivery
	members  bool
	skipUser int
	payload  []byte
}

type Broker struct {
	// roomID -> sessionID -> session
	rooms    map[string]map[string]*Session
	sessions map[string]*Session
	mu       sync.RWMutex

	queue   chan delivery
	members MembershipChecker
	diag    diagnostics.Sink
	timeout time.Duration
}

func NewBroker(members MembershipChecker, diag diagnostics.Sink, queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Broker{
		rooms:    make(map[string]map[string]*Session),
		sessions: make(map[string]*Session),
		queue:    make(chan delivery, queueSize),
		members:  members,
		diag:     diag,
		timeout:  5 * time.Second,
	}
}

// Run drains the delivery queue until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.queue:
			switch {
			case d.members:
				b.deliverMembers(ctx, d)
			case d.roomID != "" && d.userIDs == nil:
				b.deliverRoom(ctx, d)
			default:
				b.deliverUsers(ctx, d)
			}
		}
	}
}

// Register adds a session. It reports whether this is the user's first
// live session.
func (b *Broker) Register(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOnline := false
	for _, other := range b.sessions {
		if other.UserID == s.UserID {
			wasOnline = true
			break
		}
	}
	b.sessions[s.ID] = s
	return !wasOnline
}

// Unregister removes the session from every room and closes its outbound
// channel. It reports whether that was the user's last live session.
func (b *Broker) Unregister(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	for roomID, subs := range b.rooms {
		if _, ok := subs[sessionID]; ok {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(b.rooms, roomID)
			}
		}
	}
	delete(b.sessions, sessionID)
	s.closed = true
	close(s.send)

	for _, other := range b.sessions {
		if other.UserID == s.UserID {
			return false
		}
	}
	return true
}

// Subscribe adds the session to a room's fan-out set. Callers authorize
// first; delivery re-checks membership regardless.
func (b *Broker) Subscribe(sessionID, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if _, ok := b.rooms[roomID]; !ok {
		b.rooms[roomID] = make(map[string]*Session)
	}
	b.rooms[roomID][sessionID] = s
	return nil
}

func (b *Broker) Unsubscribe(sessionID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(sessionID, roomID)
}

func (b *Broker) unsubscribeLocked(sessionID, roomID string) {
	if subs, ok := b.rooms[roomID]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.rooms, roomID)
		}
	}
}

// IsSubscribed reports whether the session currently receives roomID's events.
func (b *Broker) IsSubscribed(sessionID, roomID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[roomID][sessionID]
	return ok
}

// IsUserOnline checks if any live session belongs to userID.
func (b *Broker) IsUserOnline(userID int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// Publish queues ev for every session subscribed to roomID. It never blocks;
// when the queue is full the event is dropped.
func (b *Broker) Publish(roomID string, ev models.Event) {
	b.enqueue(delivery{roomID: roomID}, ev)
}

// PublishExcept is Publish without the given session.
func (b *Broker) PublishExcept(roomID string, ev models.Event, excludeSessionID string) {
	b.enqueue(delivery{roomID: roomID, exclude: excludeSessionID}, ev)
}

// Notify queues ev for every session of userIDs that is not subscribed to
// ev.Room. When ev.Room is set, membership is re-checked per user.
func (b *Broker) Notify(userIDs []int, ev models.Event) {
	if len(userIDs) == 0 {
		return
	}
	ids := append([]int(nil), userIDs...)
	b.enqueue(delivery{roomID: ev.Room, userIDs: ids}, ev)
}

// NotifyMembers queues ev for every participant of ev.Room except skipUserID,
// on the sessions not subscribed to the room. Participants are looked up
// when the event is delivered.
func (b *Broker) NotifyMembers(ev models.Event, skipUserID int) {
	if ev.Room == "" {
		return
	}
	b.enqueue(delivery{roomID: ev.Room, members: true, skipUser: skipUserID}, ev)
}

// SendToUser queues ev for every session of userID regardless of room
// membership. It is used for events about the membership itself, such as a
// removal or a deleted room.
func (b *Broker) SendToUser(userID int, ev models.Event) {
	b.enqueue(delivery{roomID: ev.Room, userIDs: []int{userID}, direct: true}, ev)
}

// SendToSession writes ev to a single session immediately.
func (b *Broker) SendToSession(sessionID string, ev models.Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	b.trySendLocked(context.Background(), s, ev.Room, payload)
	return nil
}

// Close unregisters every session.
func (b *Broker) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unregister(id)
	}
}

func encode(ev models.Event) ([]byte, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(ev)
}

func (b *Broker) enqueue(d delivery, ev models.Event) {
	payload, err := encode(ev)
	if err != nil {
		l := logging.L()
		l.Error().Err(err).Str(logging.FieldEvent, ev.Event).Msg("encode realtime event")
		return
	}
	d.payload = payload
	select {
	case b.queue <- d:
	default:
		b.diag.DeliveryDropped(context.Background(), d.roomID, "", "queue full")
	}
}

func (b *Broker) deliverRoom(ctx context.Context, d delivery) {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.rooms[d.roomID]))
	for id, s := range b.rooms[d.roomID] {
		if id != d.exclude {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	allowed := make(map[int]bool)
	for _, s := range targets {
		ok, seen := allowed[s.UserID]
		if !seen {
			ok = b.isMember(ctx, d.roomID, s.UserID)
			allowed[s.UserID] = ok
		}
		if !ok {
			b.Unsubscribe(s.ID, d.roomID)
			b.diag.DeliveryDropped(ctx, d.roomID, s.ID, "not a participant")
			continue
		}
		b.trySend(ctx, s, d.roomID, d.payload)
	}
}

func (b *Broker) deliverUsers(ctx context.Context, d delivery) {
	for _, userID := range d.userIDs {
		if !d.direct && d.roomID != "" && !b.isMember(ctx, d.roomID, userID) {
			continue
		}
		b.sendToUser(ctx, d, userID)
	}
}

func (b *Broker) deliverMembers(ctx context.Context, d delivery) {
	lctx, cancel := context.WithTimeout(ctx, b.timeout)
	participants, err := b.members.ListParticipants(lctx, d.roomID)
	cancel()
	if err != nil {
		l := logging.L()
		l.Warn().Err(err).Str(logging.FieldRoomID, d.roomID).Msg("list participants at delivery failed")
		return
	}
	for _, p := range participants {
		if p.UserID != d.skipUser {
			b.sendToUser(ctx, d, p.UserID)
		}
	}
}

// sendToUser writes to the user's sessions, skipping those subscribed to
// d.roomID unless the delivery is direct.
func (b *Broker) sendToUser(ctx context.Context, d delivery, userID int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.UserID != userID {
			continue
		}
		if _, subscribed := b.rooms[d.roomID][s.ID]; subscribed && !d.direct && d.roomID != "" {
			continue
		}
		b.trySendLocked(ctx, s, d.roomID, d.payload)
	}
}

func (b *Broker) isMember(ctx context.Context, roomID string, userID int) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ok, err := b.members.IsParticipant(ctx, roomID, userID)
	if err != nil {
		l := logging.L()
		l.Warn().Err(err).Str(logging.FieldRoomID, roomID).Int(logging.FieldUserID, userID).Msg("membership check at delivery failed")
		return false
	}
	return ok
}

func (b *Broker) trySend(ctx context.Context, s *Session, roomID string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.trySendLocked(ctx, s, roomID, payload)
}

// trySendLocked must run under at least the read lock, which keeps
// Unregister from closing the channel mid-send.
func (b *Broker) trySendLocked(ctx context.Context, s *Session, roomID string, payload []byte) {
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
		b.diag.DeliveryDropped(ctx, roomID, s.ID, "send buffer full")
	}
}
