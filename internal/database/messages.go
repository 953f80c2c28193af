package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = "id, seq, content, author_id, room_id, is_deleted, created_at, updated_at"

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.Seq,
		&msg.Content,
		&msg.AuthorId,
		&msg.RoomId,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	return msg, err
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (id, content, author_id, room_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+messageColumns,
		uuid.New(),
		params.Content,
		params.AuthorId,
		params.RoomId,
		now,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", translateError(err))
	}

	return msg, nil
}

// GetMessageById ignores visibility.
func (db *PgRepository) GetMessageById(ctx context.Context, id uuid.UUID) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", translateError(err))
	}

	return msg, nil
}

// ListVisibleMessages returns a page of non-deleted messages, newest first.
func (db *PgRepository) ListVisibleMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	return db.listMessages(ctx, roomId, page, limit, true)
}

// ListMessages returns a page of all messages, deleted ones included.
func (db *PgRepository) ListMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	return db.listMessages(ctx, roomId, page, limit, false)
}

func (db *PgRepository) listMessages(ctx context.Context, roomId uuid.UUID, page, limit int, visibleOnly bool) ([]Message, error) {
	page, limit = NormalizePage(page, limit)

	query := "SELECT " + messageColumns + " FROM messages WHERE room_id = $1 "
	if visibleOnly {
		query += "AND is_deleted = false "
	}
	query += "ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3"

	rows, err := db.conn.QueryContext(ctx, query, roomId, limit, offset(page, limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgRepository) CountVisibleMessages(ctx context.Context, roomId uuid.UUID) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND is_deleted = false",
		roomId,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count visible messages: %w", err)
	}
	return n, nil
}

func (db *PgRepository) CountMessages(ctx context.Context, roomId uuid.UUID) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = $1",
		roomId,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// UpdateMessageContent edits content and updated_at of a visible message. A
// soft-deleted message is left untouched and returned as stored, so a delete
// always wins over a concurrent edit.
func (db *PgRepository) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, updated_at = $3 WHERE id = $1 AND is_deleted = false "+
			"RETURNING "+messageColumns,
		id,
		content,
		time.Now().UTC(),
	)

	msg, err := scanMessage(row)
	if err == nil {
		return msg, nil
	}

	if err = translateError(err); err != ErrNotFound {
		return Message{}, fmt.Errorf("update message: %w", err)
	}

	// either missing or deleted in the meantime
	return db.GetMessageById(ctx, id)
}

// MarkMessageDeleted reports whether the flag changed.
func (db *PgRepository) MarkMessageDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	return db.setDeleted(ctx, id, true)
}

// RestoreMessage reports whether the flag changed.
func (db *PgRepository) RestoreMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	return db.setDeleted(ctx, id, false)
}

func (db *PgRepository) setDeleted(ctx context.Context, id uuid.UUID, deleted bool) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = $2, updated_at = $3 WHERE id = $1 AND is_deleted <> $2",
		id,
		deleted,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("set message deleted: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set message deleted: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// distinguish "already in that state" from "missing"
	if _, err := db.GetMessageById(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// DeleteMessage removes the row. Not reachable from the API.
func (db *PgRepository) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete message: %w", ErrNotFound)
	}

	return nil
}
