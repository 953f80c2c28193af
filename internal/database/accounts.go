package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertAccount mirrors an externally authenticated user into accounts.
func (db *PgRepository) UpsertAccount(ctx context.Context, params UpsertAccountParams) (Account, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, created_at, updated_at) VALUES ($1, $2, $3, $3) "+
			"ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, "+
			"updated_at = CASE WHEN accounts.username = EXCLUDED.username THEN accounts.updated_at ELSE EXCLUDED.updated_at END "+
			"RETURNING id, username, created_at, updated_at",
		params.Id,
		params.Username,
		now,
	)

	var a Account
	if err := row.Scan(&a.Id, &a.Username, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", translateError(err))
	}

	return a, nil
}

func (db *PgRepository) GetAccountById(ctx context.Context, id uuid.UUID) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, created_at, updated_at FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	var a Account
	if err := row.Scan(&a.Id, &a.Username, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, fmt.Errorf("get account: %w", translateError(err))
	}

	return a, nil
}
