package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/core"
)

// GetLink returns the owner's provider link, or (nil, nil) when the
// owner has never linked an account or has disconnected.
func (r *SQLiteRepository) GetLink(ctx context.Context, ownerID core.OwnerID) (*core.ProviderLink, error) {
	var link core.ProviderLink
	var owner string
	var linkedAt time.Time

	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, access_token, item_id, cursor, linked_at
		FROM provider_links WHERE owner_id = ?`,
		ownerID.String()).Scan(&owner, &link.AccessToken, &link.ItemID, &link.Cursor, &linkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider link: %w", err)
	}

	if link.OwnerID, err = parseOwnerID(owner); err != nil {
		return nil, err
	}
	link.LinkedAt = linkedAt
	return &link, nil
}

// SaveLink stores the access credential issued at link time. Re-linking
// replaces the credential and resets the cursor, forcing the next sync
// to start from the beginning of the changefeed.
func (r *SQLiteRepository) SaveLink(ctx context.Context, link *core.ProviderLink) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_links (owner_id, access_token, item_id, cursor)
		VALUES (?, ?, ?, '')
		ON CONFLICT (owner_id) DO UPDATE SET
			access_token = excluded.access_token,
			item_id = excluded.item_id,
			cursor = '',
			updated_at = CURRENT_TIMESTAMP`,
		link.OwnerID.String(), link.AccessToken, link.ItemID)
	if err != nil {
		return fmt.Errorf("save provider link: %w", err)
	}

	slog.InfoContext(ctx, "Provider link saved", "owner_id", link.OwnerID, "item_id", link.ItemID)
	return nil
}

// SetCursor advances the owner's changefeed cursor. The sync engine
// calls this exactly once per run, after the fetch loop has drained the
// feed; a failure here must leave the previous cursor authoritative,
// which a plain UPDATE guarantees.
func (r *SQLiteRepository) SetCursor(ctx context.Context, ownerID core.OwnerID, cursor string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE provider_links SET cursor = ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ?`,
		cursor, ownerID.String())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLink disconnects the owner from the provider, dropping both the
// credential and the cursor.
func (r *SQLiteRepository) DeleteLink(ctx context.Context, ownerID core.OwnerID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM provider_links WHERE owner_id = ?`,
		ownerID.String())
	if err != nil {
		return fmt.Errorf("delete provider link: %w", err)
	}

	slog.InfoContext(ctx, "Provider link removed", "owner_id", ownerID)
	return nil
}

// ListLinkedOwners returns every owner with a stored provider link. The
// background worker iterates this set for periodic syncs.
func (r *SQLiteRepository) ListLinkedOwners(ctx context.Context) ([]core.OwnerID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT owner_id FROM provider_links ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list linked owners: %w", err)
	}
	defer rows.Close()

	var owners []core.OwnerID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan linked owner: %w", err)
		}
		id, err := parseOwnerID(s)
		if err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}
