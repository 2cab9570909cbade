package store

import (
	"context"
	"fmt"
	"time"

	"chat-core/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Users

const userColumns = `id, username, password_hash, first_name, last_name, is_admin, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	query := `INSERT INTO users (username, password_hash, first_name, last_name) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err := s.pool.QueryRow(ctx, query, u.Username, u.PasswordHash, u.FirstName, u.LastName).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", classify(err))
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return models.User{}, fmt.Errorf("get user by username: %w", classify(err))
	}
	return u, nil
}

func (s *PostgresStore) GetUsers(ctx context.Context, userIDs []int) (map[int]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[int]models.User, len(userIDs))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", classify(err))
		}
		out[u.ID] = u
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", classify(err))
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", classify(err))
		}
		users = append(users, u)
	}
	return users, classify(rows.Err())
}

func (s *PostgresStore) UpdateUserNames(ctx context.Context, userID int, firstName, lastName *string) (models.User, error) {
	query := `UPDATE users SET first_name = $2, last_name = $3 WHERE id = $1 RETURNING ` + userColumns
	u, err := scanUser(s.pool.QueryRow(ctx, query, userID, firstName, lastName))
	if err != nil {
		return models.User{}, fmt.Errorf("update user names: %w", classify(err))
	}
	return u, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IsAdmin(ctx context.Context, userID int) (bool, error) {
	var admin bool
	if err := s.pool.QueryRow(ctx, `SELECT is_admin FROM users WHERE id = $1`, userID).Scan(&admin); err != nil {
		return false, fmt.Errorf("read admin flag: %w", classify(err))
	}
	return admin, nil
}

// Rooms

const roomColumns = `id, name, is_direct_message, created_by, created_at, last_message_at, dm_user_low, dm_user_high, quarantined_at`

func scanRoom(row pgx.Row) (models.Room, error) {
	var (
		r         models.Room
		low, high *int
	)
	err := row.Scan(&r.ID, &r.Name, &r.IsDirectMessage, &r.CreatedBy, &r.CreatedAt, &r.LastMessageAt, &low, &high, &r.QuarantinedAt)
	if err != nil {
		return models.Room{}, err
	}
	if low != nil && high != nil {
		r.DirectPair = &models.UserPair{Low: *low, High: *high}
	}
	return r, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return models.Room{}, fmt.Errorf("get room: %w", classify(err))
	}
	return r, nil
}

func (s *PostgresStore) FindDirectRoom(ctx context.Context, pair models.UserPair) (models.Room, error) {
	query := `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE is_direct_message
		AND dm_user_low = $1
		AND dm_user_high = $2
		AND quarantined_at IS NULL
	`
	r, err := scanRoom(s.pool.QueryRow(ctx, query, pair.Low, pair.High))
	if err != nil {
		return models.Room{}, fmt.Errorf("find direct room: %w", classify(err))
	}
	return r, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *models.Room, memberIDs []int) error {
	var low, high *int
	if room.DirectPair != nil {
		low, high = &room.DirectPair.Low, &room.DirectPair.High
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO rooms (id, name, is_direct_message, created_by, dm_user_low, dm_user_high)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`, room.ID, room.Name, room.IsDirectMessage, room.CreatedBy, low, high).Scan(&room.CreatedAt)
		if err != nil {
			return err
		}

		rows := make([][]any, 0, len(memberIDs))
		for _, id := range memberIDs {
			rows = append(rows, []any{room.ID, id, room.CreatedAt})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"room_participants"},
			[]string{"room_id", "user_id", "created_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create room: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) QuarantineRoom(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET quarantined_at = COALESCE(quarantined_at, NOW()) WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("quarantine room: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID int) ([]models.Room, error) {
	query := `
		SELECT r.id, r.name, r.is_direct_message, r.created_by, r.created_at, r.last_message_at,
			r.dm_user_low, r.dm_user_high, r.quarantined_at
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = $1
		AND r.quarantined_at IS NULL
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", classify(err))
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", classify(err))
		}
		rooms = append(rooms, r)
	}
	return rooms, classify(rows.Err())
}

// Participants

func (s *PostgresStore) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)`, roomID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", classify(err))
	}
	return ok, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, user_id, last_read_message_id, created_at
		FROM room_participants WHERE room_id = $1
		ORDER BY created_at, user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.LastReadMessageID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", classify(err))
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) AddParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("add participant: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

// Messages

const messageColumns = `id, room_id, sender_id, content, created_at, edited_at, deleted_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	return m, err
}

// AppendMessage locks the room row to take the next timestamp, so messages
// of one room commit in (created_at, id) order while other rooms proceed in
// parallel.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var at time.Time
		err := tx.QueryRow(ctx, `
			UPDATE rooms
			SET last_message_at = GREATEST(clock_timestamp(), COALESCE(last_message_at, '-infinity'::timestamptz))
			WHERE id = $1
			RETURNING last_message_at
		`, msg.RoomID).Scan(&at)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO messages (room_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`, msg.RoomID, msg.SenderID, msg.Content, at).Scan(&msg.ID, &msg.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("append message: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", classify(err))
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, q MessageQuery) ([]models.Message, error) {
	var (
		query string
		args  = []any{roomID, q.Limit}
	)
	switch {
	case q.Forward && q.From == nil:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1 ORDER BY created_at, id LIMIT $2`
	case q.Forward:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1 AND (created_at, id) > ($3, $4) ORDER BY created_at, id LIMIT $2`
		args = append(args, q.From.At, q.From.ID)
	case q.From == nil:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	default:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1 AND (created_at, id) < ($3, $4) ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, q.From.At, q.From.ID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", classify(err))
	}
	defer rows.Close()

	messages := make([]models.Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", classify(err))
		}
		messages = append(messages, m)
	}
	return messages, classify(rows.Err())
}

func (s *PostgresStore) LatestMessage(ctx context.Context, roomID string) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE room_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, roomID))
	if err != nil {
		if classify(err) == ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("latest message: %w", classify(err))
	}
	return &m, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, roomID string, userID int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM room_participants p
		JOIN messages m ON m.room_id = p.room_id
		WHERE p.room_id = $1
		AND p.user_id = $2
		AND m.sender_id <> $2
		AND m.deleted_at IS NULL
		AND m.id > COALESCE(p.last_read_message_id, 0)
	`, roomID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", classify(err))
	}
	return count, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID int64, content string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`, messageID, content, at)
	if err != nil {
		return fmt.Errorf("update message: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = '', deleted_at = COALESCE(deleted_at, $2) WHERE id = $1
	`, messageID, at)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertReaction(ctx context.Context, r *models.Reaction) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO message_reactions (message_id, user_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET kind = EXCLUDED.kind, created_at = NOW()
		RETURNING created_at
	`, r.MessageID, r.UserID, r.Kind).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) DeleteReaction(ctx context.Context, messageID int64, userID int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error) {
	out := make(map[int64][]models.Reaction)
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, kind, created_at
		FROM message_reactions WHERE message_id = ANY($1)
		ORDER BY message_id, user_id
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", classify(err))
		}
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) MarkRead(ctx context.Context, roomID string, userID int, messageID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_participants
		SET last_read_message_id = GREATEST(COALESCE(last_read_message_id, 0), $3)
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
