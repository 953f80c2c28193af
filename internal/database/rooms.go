package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	roomColumns       = "r.id, r.name, r.avatar_url, r.author_id, r.last_message_id, r.created_at, r.updated_at"
	addParticipantSQL = "INSERT INTO participants (room_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT (room_id, user_id) DO NOTHING"
)

var roomSortColumns = map[string]string{
	SortByName:      "r.name",
	SortByCreatedAt: "r.created_at",
	SortByUpdatedAt: "r.updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.AvatarUrl,
		&room.AuthorId,
		&room.LastMessageId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	return room, err
}

// CreateRoom inserts the room and makes its author the first participant.
func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	var room Room
	err := withTx(ctx, db.conn, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO rooms AS r (id, name, avatar_url, author_id, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+roomColumns,
			uuid.New(),
			params.Name,
			params.AvatarUrl,
			params.AuthorId,
			now,
		)

		var err error
		room, err = scanRoom(row)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, addParticipantSQL, room.Id, params.AuthorId, now); err != nil {
			return err
		}

		room.ParticipantIds = []uuid.UUID{params.AuthorId}
		return nil
	})
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", translateError(err))
	}

	return room, nil
}

// GetRoomById returns the room with its participant ids in join order.
func (db *PgRepository) GetRoomById(ctx context.Context, id uuid.UUID) (Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+", p.user_id FROM rooms r "+
			"LEFT JOIN participants p ON p.room_id = r.id "+
			"WHERE r.id = $1 ORDER BY p.joined_at ASC",
		id,
	)
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			r      Room
			userId uuid.NullUUID
		)
		if err := rows.Scan(
			&r.Id,
			&r.Name,
			&r.AvatarUrl,
			&r.AuthorId,
			&r.LastMessageId,
			&r.CreatedAt,
			&r.UpdatedAt,
			&userId,
		); err != nil {
			return Room{}, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			r.ParticipantIds = make([]uuid.UUID, 0)
			room = &r
		}

		if userId.Valid {
			room.ParticipantIds = append(room.ParticipantIds, userId.UUID)
		}
	}

	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return Room{}, fmt.Errorf("get room %s: %w", id, ErrNotFound)
	}

	return *room, nil
}

func (db *PgRepository) ListRoomsByParticipant(ctx context.Context, userId uuid.UUID, params ListRoomsParams) ([]Room, int, error) {
	page, limit := NormalizePage(params.Page, params.Limit)

	column, ok := roomSortColumns[params.SortBy]
	if !ok {
		column = roomSortColumns[SortByUpdatedAt]
	}
	order := "DESC"
	if params.SortOrder == SortAsc {
		order = "ASC"
	}

	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE user_id = $1",
		userId,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rooms: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r "+
			"JOIN participants p ON p.room_id = r.id "+
			"WHERE p.user_id = $1 "+
			"ORDER BY "+column+" "+order+", r.id "+order+" LIMIT $2 OFFSET $3",
		userId,
		limit,
		offset(page, limit),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0, limit)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return rooms, total, nil
}

// UpdateRoom persists name, avatar and last message, then replaces the
// participant set. Existing participants keep their joined_at. The author is
// always kept. A last message from another room is reported as ErrNotFound.
func (db *PgRepository) UpdateRoom(ctx context.Context, room Room) (Room, error) {
	now := time.Now().UTC()
	var updated Room
	err := withTx(ctx, db.conn, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"UPDATE rooms AS r SET name = $2, avatar_url = $3, last_message_id = $4, updated_at = $5 "+
				"WHERE r.id = $1 AND ($4::uuid IS NULL OR "+
				"EXISTS (SELECT 1 FROM messages m WHERE m.id = $4 AND m.room_id = r.id)) "+
				"RETURNING "+roomColumns,
			room.Id,
			room.Name,
			room.AvatarUrl,
			room.LastMessageId,
			now,
		)

		var err error
		updated, err = scanRoom(row)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			"DELETE FROM participants WHERE room_id = $1 RETURNING user_id, joined_at",
			room.Id,
		)
		if err != nil {
			return err
		}

		joined := make(map[uuid.UUID]time.Time)
		for rows.Next() {
			var (
				userId   uuid.UUID
				joinedAt time.Time
			)
			if err := rows.Scan(&userId, &joinedAt); err != nil {
				rows.Close()
				return err
			}
			joined[userId] = joinedAt
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ids := room.ParticipantIds
		if !room.HasParticipant(updated.AuthorId) {
			ids = append([]uuid.UUID{updated.AuthorId}, ids...)
		}

		updated.ParticipantIds = make([]uuid.UUID, 0, len(ids))
		seen := make(map[uuid.UUID]struct{}, len(ids))
		for _, userId := range ids {
			if _, ok := seen[userId]; ok {
				continue
			}
			seen[userId] = struct{}{}

			joinedAt, ok := joined[userId]
			if !ok {
				joinedAt = now
			}
			if _, err := tx.ExecContext(ctx, addParticipantSQL, room.Id, userId, joinedAt); err != nil {
				return err
			}
			updated.ParticipantIds = append(updated.ParticipantIds, userId)
		}

		return nil
	})
	if err != nil {
		return Room{}, fmt.Errorf("update room: %w", translateError(err))
	}

	return updated, nil
}

// DeleteRoom removes the memberships, soft-deletes the room's messages and
// removes the room in one transaction. Messages stay readable by id.
func (db *PgRepository) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	err := withTx(ctx, db.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM participants WHERE room_id = $1", id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET is_deleted = true, updated_at = $2 WHERE room_id = $1 AND is_deleted = false",
			id,
			time.Now().UTC(),
		); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
		if err != nil {
			return err
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room: %w", translateError(err))
	}

	return nil
}

// AddParticipant is idempotent. It reports whether a row was inserted.
func (db *PgRepository) AddParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	res, err := db.conn.ExecContext(ctx, addParticipantSQL, roomId, userId, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("add participant: %w", translateError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}

	return n > 0, nil
}

// RemoveParticipant is idempotent. It reports whether a row was deleted.
func (db *PgRepository) RemoveParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM participants WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
	)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", err)
	}

	return n > 0, nil
}

func (db *PgRepository) IsParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM participants WHERE room_id = $1 AND user_id = $2)",
		roomId,
		userId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}

	return exists, nil
}

func (db *PgRepository) ListParticipants(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Participant, int, error) {
	page, limit = NormalizePage(page, limit)

	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE room_id = $1",
		roomId,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count participants: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT p.room_id, p.user_id, a.username, p.joined_at FROM participants p "+
			"JOIN accounts a ON a.id = p.user_id "+
			"WHERE p.room_id = $1 ORDER BY p.joined_at ASC, p.user_id ASC LIMIT $2 OFFSET $3",
		roomId,
		limit,
		offset(page, limit),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]Participant, 0, limit)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RoomId, &p.UserId, &p.Username, &p.JoinedAt); err != nil {
			return nil, 0, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return participants, total, nil
}

// UpdateLastMessage only accepts a message that belongs to the room.
func (db *PgRepository) UpdateLastMessage(ctx context.Context, roomId, messageId uuid.UUID) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET last_message_id = $2, updated_at = $3 WHERE id = $1 "+
			"AND EXISTS (SELECT 1 FROM messages m WHERE m.id = $2 AND m.room_id = $1)",
		roomId,
		messageId,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update last message: %w", ErrNotFound)
	}

	return nil
}
