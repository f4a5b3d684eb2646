package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warmlinehq/warmline/pkg/entitlement"
)

var _ entitlement.Storage = (*Store)(nil)

func (s *Store) InsertSnapshot(ctx context.Context, snap *entitlement.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_snapshots
			(user_id, product_id, store, store_account_id, status, current_period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.UserID, snap.ProductID, snap.Store, snap.StoreAccountID,
		snap.Status, snap.CurrentPeriodEnd, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, userID string, limit int) ([]*entitlement.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, product_id, store, store_account_id, status, current_period_end, updated_at
			FROM subscription_snapshots
			WHERE user_id = $1
			ORDER BY current_period_end DESC, id DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*entitlement.Snapshot
	for rows.Next() {
		var snap entitlement.Snapshot
		if err := rows.Scan(&snap.UserID, &snap.ProductID, &snap.Store, &snap.StoreAccountID,
			&snap.Status, &snap.CurrentPeriodEnd, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

func (s *Store) HasTrialSnapshot(ctx context.Context, userID string) (bool, time.Time, error) {
	// MAX over zero rows is NULL, so scan through a pointer.
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(updated_at) FROM subscription_snapshots
			WHERE user_id = $1 AND status = 'trial'`,
		userID).Scan(&latest)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to query trial snapshots: %w", err)
	}
	if latest == nil {
		return false, time.Time{}, nil
	}
	return true, *latest, nil
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	var ent entitlement.Entitlement
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, plan, valid_until, source, updated_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(&ent.UserID, &ent.Plan, &ent.ValidUntil, &ent.Source, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &ent, nil
}

func (s *Store) UpsertEntitlement(ctx context.Context, ent *entitlement.Entitlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, plan, valid_until, source, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				valid_until = EXCLUDED.valid_until,
				source = EXCLUDED.source,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.Plan, ent.ValidUntil, ent.Source, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

func (s *Store) ListExpiringEntitlements(ctx context.Context, cutoff time.Time, afterUserID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM entitlements
			WHERE plan = 'pro' AND valid_until < $1 AND user_id > $2
			ORDER BY user_id
			LIMIT $3`,
		cutoff, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring entitlements: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpsertTrialDevice(ctx context.Context, dev *entitlement.TrialDevice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trial_devices (user_id, device_hash, platform, app_version, first_seen_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, device_hash) DO UPDATE SET
				platform = EXCLUDED.platform,
				app_version = EXCLUDED.app_version,
				last_seen_at = EXCLUDED.last_seen_at`,
		dev.UserID, dev.DeviceHash, dev.Platform, dev.AppVersion, dev.FirstSeenAt, dev.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trial device: %w", err)
	}
	return nil
}

func (s *Store) ListDevicesByHash(ctx context.Context, deviceHash string) ([]*entitlement.TrialDevice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, device_hash, platform, app_version, first_seen_at, last_seen_at
			FROM trial_devices
			WHERE device_hash = $1
			ORDER BY user_id`,
		deviceHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*entitlement.TrialDevice
	for rows.Next() {
		var dev entitlement.TrialDevice
		if err := rows.Scan(&dev.UserID, &dev.DeviceHash, &dev.Platform, &dev.AppVersion,
			&dev.FirstSeenAt, &dev.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &dev)
	}
	return devices, rows.Err()
}
