package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

const deliveryColumns = `source_id, destination_account, source_handle, status,
	root_uri, root_cid, head_uri, head_cid, source_text, created_at`

// ---- Delivery Operations ----

// GetDelivery returns the record for sourceID under account, or nil when the
// item has never been handled for that account.
func (db *DB) GetDelivery(ctx context.Context, sourceID, account string) (*models.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE source_id = ? AND destination_account = ?;`
	rec, err := scanDelivery(db.QueryRowContext(ctx, query, sourceID, account))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get delivery %s for %s: %w", sourceID, account, err)
	}
	return rec, nil
}

// PutDelivery inserts rec or replaces the record stored under the same
// (source_id, destination_account) key.
func (db *DB) PutDelivery(ctx context.Context, rec *models.DeliveryRecord) error {
	if err := validateDelivery(rec); err != nil {
		return err
	}
	root := rec.Root
	if rec.Status == models.StatusMigrated && root.IsZero() {
		root = rec.Head
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, destination_account) DO UPDATE SET
			source_handle = excluded.source_handle,
			status = excluded.status,
			root_uri = excluded.root_uri,
			root_cid = excluded.root_cid,
			head_uri = excluded.head_uri,
			head_cid = excluded.head_cid,
			source_text = excluded.source_text,
			created_at = excluded.created_at;
	`
	_, err := db.ExecContext(ctx, query,
		rec.SourceID,
		rec.DestinationAccount,
		rec.SourceHandle,
		string(rec.Status),
		root.URI, root.CID,
		rec.Head.URI, rec.Head.CID,
		rec.SourceText,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save delivery %s for %s: %w", rec.SourceID, rec.DestinationAccount, err)
	}
	return nil
}

func validateDelivery(rec *models.DeliveryRecord) error {
	switch {
	case rec == nil:
		return errors.New("delivery record is nil")
	case rec.SourceID == "":
		return errors.New("delivery record has no source id")
	case rec.DestinationAccount == "":
		return fmt.Errorf("delivery %s has no destination account", rec.SourceID)
	case !rec.Status.Valid():
		return fmt.Errorf("delivery %s has unknown status %q", rec.SourceID, rec.Status)
	case rec.Status == models.StatusMigrated && rec.Head.IsZero():
		return fmt.Errorf("migrated delivery %s has no head post", rec.SourceID)
	case rec.Status == models.StatusSkipped && (!rec.Head.IsZero() || !rec.Root.IsZero()):
		return fmt.Errorf("skipped delivery %s carries post references", rec.SourceID)
	}
	return nil
}

// ListDeliveries returns every record of account keyed by source id.
func (db *DB) ListDeliveries(ctx context.Context, account string) (map[string]*models.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE destination_account = ?;`
	rows, err := db.QueryContext(ctx, query, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries for %s: %w", account, err)
	}
	defer rows.Close()

	out := make(map[string]*models.DeliveryRecord)
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery for %s: %w", account, err)
		}
		out[rec.SourceID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list deliveries for %s: %w", account, err)
	}
	return out, nil
}

// DeleteDeliveriesByAccount forgets every record of account so its items are
// eligible for delivery again.
func (db *DB) DeleteDeliveriesByAccount(ctx context.Context, account string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM deliveries WHERE destination_account = ?;`, account)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deliveries for %s: %w", account, err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Deleted %d delivery records for account %s", n, account)
	return n, nil
}

// DeleteDeliveriesBySourceHandle forgets every record of items authored by handle.
func (db *DB) DeleteDeliveriesBySourceHandle(ctx context.Context, handle string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM deliveries WHERE source_handle = ?;`, handle)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deliveries for source %s: %w", handle, err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Deleted %d delivery records for source handle %s", n, handle)
	return n, nil
}

// RecentDeliveries returns the newest migrated records across all accounts.
func (db *DB) RecentDeliveries(ctx context.Context, limit int) ([]*models.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE status = ?
		ORDER BY created_at DESC, source_id ASC
		LIMIT ?;`
	return db.queryDeliveries(ctx, query, string(models.StatusMigrated), limitOrAll(limit))
}

// SearchCandidates returns up to limit migrated records that carry source text,
// newest first. Ranking happens in the caller.
func (db *DB) SearchCandidates(ctx context.Context, limit int) ([]*models.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE status = ? AND source_text != ''
		ORDER BY created_at DESC
		LIMIT ?;`
	return db.queryDeliveries(ctx, query, string(models.StatusMigrated), limitOrAll(limit))
}

// AdoptUnassignedDeliveries assigns account to rows written by the first schema
// version, which did not record the destination account. Only rows of
// sourceHandle (or rows with no handle at all) are touched, and rows whose new
// key would collide with an existing record are left alone.
func (db *DB) AdoptUnassignedDeliveries(ctx context.Context, sourceHandle, account string) (int64, error) {
	if account == "" {
		return 0, errors.New("cannot adopt deliveries into an empty account")
	}
	query := `
		UPDATE OR IGNORE deliveries
		SET destination_account = ?,
			source_handle = CASE WHEN source_handle = '' THEN ? ELSE source_handle END
		WHERE destination_account = '' AND (source_handle = ? OR source_handle = '');
	`
	res, err := db.ExecContext(ctx, query, account, sourceHandle, sourceHandle)
	if err != nil {
		return 0, fmt.Errorf("failed to adopt unassigned deliveries for %s: %w", account, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Adopted %d legacy delivery records into account %s", n, account)
	}
	return n, nil
}

// ---- Stats Operations ----

// CountDeliveries returns the number of records per status.
func (db *DB) CountDeliveries(ctx context.Context) (map[models.DeliveryStatus]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan delivery count: %w", err)
		}
		counts[models.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

// LastDeliveryTime returns the creation time of the newest migrated record of
// account. The zero time means nothing has been delivered yet.
func (db *DB) LastDeliveryTime(ctx context.Context, account string) (time.Time, error) {
	query := `SELECT created_at FROM deliveries
		WHERE destination_account = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1;`
	var last time.Time
	err := db.QueryRowContext(ctx, query, account, string(models.StatusMigrated)).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("failed to get last delivery time for %s: %w", account, err)
	}
	return last, nil
}

func (db *DB) queryDeliveries(ctx context.Context, query string, args ...any) ([]*models.DeliveryRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	var status string
	err := row.Scan(
		&rec.SourceID,
		&rec.DestinationAccount,
		&rec.SourceHandle,
		&status,
		&rec.Root.URI, &rec.Root.CID,
		&rec.Head.URI, &rec.Head.CID,
		&rec.SourceText,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.DeliveryStatus(status)
	return &rec, nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
