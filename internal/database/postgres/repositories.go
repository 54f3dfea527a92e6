package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DeviceRepository stores registered devices and their fingerprints.
type DeviceRepository struct {
	db Querier
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db Querier) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert inserts or replaces a device record.
func (r *DeviceRepository) Upsert(ctx context.Context, rec registry.DeviceRecord) error {
	fp, err := json.Marshal(rec.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint: %w", err)
	}

	query := `
		INSERT INTO devices (id, fingerprint, ip_address, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, ip_address = EXCLUDED.ip_address, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, rec.ID, fp, rec.Fingerprint.IPAddress, rec.RegisteredAt); err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", rec.ID, err)
	}
	return nil
}

// List returns every stored device ordered by id.
func (r *DeviceRepository) List(ctx context.Context) ([]registry.DeviceRecord, error) {
	query := `SELECT id, fingerprint, registered_at FROM devices ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []registry.DeviceRecord
	for rows.Next() {
		var (
			rec registry.DeviceRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &raw, &rec.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.Fingerprint = &fingerprint.Fingerprint{}
		if err := json.Unmarshal(raw, rec.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fingerprint of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return out, nil
}

// Delete removes devices by id.
func (r *DeviceRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete devices: %w", err)
	}
	return nil
}

// SquadRepository stores squads.
type SquadRepository struct {
	db Querier
}

// NewSquadRepository creates a new squad repository
func NewSquadRepository(db Querier) *SquadRepository {
	return &SquadRepository{db: db}
}

// Upsert inserts or replaces a squad.
func (r *SquadRepository) Upsert(ctx context.Context, sq registry.Squad) error {
	query := `
		INSERT INTO squads (id, members, created_at, total_hashrate, blocks_found)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET members = EXCLUDED.members, total_hashrate = EXCLUDED.total_hashrate,
		    blocks_found = EXCLUDED.blocks_found`

	_, err := r.db.ExecContext(ctx, query,
		sq.ID, pq.Array(sq.Members), sq.CreatedAt, sq.TotalHashrate, int64(sq.BlocksFound))
	if err != nil {
		return fmt.Errorf("failed to upsert squad %s: %w", sq.ID, err)
	}
	return nil
}

// List returns every stored squad ordered by creation time.
func (r *SquadRepository) List(ctx context.Context) ([]registry.Squad, error) {
	query := `SELECT id, members, created_at, total_hashrate, blocks_found FROM squads ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list squads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []registry.Squad
	for rows.Next() {
		var (
			sq     registry.Squad
			blocks int64
		)
		if err := rows.Scan(&sq.ID, pq.Array(&sq.Members), &sq.CreatedAt, &sq.TotalHashrate, &blocks); err != nil {
			return nil, fmt.Errorf("failed to scan squad: %w", err)
		}
		sq.BlocksFound = uint64(blocks)
		out = append(out, sq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate squads: %w", err)
	}
	return out, nil
}

// OwnershipRepository stores device ownership records.
type OwnershipRepository struct {
	db Querier
}

// NewOwnershipRepository creates a new ownership repository
func NewOwnershipRepository(db Querier) *OwnershipRepository {
	return &OwnershipRepository{db: db}
}

// Upsert inserts or replaces an ownership record.
func (r *OwnershipRepository) Upsert(ctx context.Context, o registry.Ownership) error {
	query := `
		INSERT INTO device_ownership (device_id, manufacturer, model, serial_number, firmware_version,
		                              chip_count, max_hashrate_ghs, manufacture_date, owner_address,
		                              signature, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (device_id) DO UPDATE
		SET owner_address = EXCLUDED.owner_address, signature = EXCLUDED.signature`

	_, err := r.db.ExecContext(ctx, query,
		o.DeviceID, o.Manufacturer, o.Model, o.SerialNumber, o.FirmwareVersion,
		int64(o.ChipCount), o.MaxHashrateGHS, o.ManufactureDate, o.OwnerAddress,
		o.Signature, o.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ownership of %s: %w", o.DeviceID, err)
	}
	return nil
}

// List returns every ownership record ordered by device id.
func (r *OwnershipRepository) List(ctx context.Context) ([]registry.Ownership, error) {
	query := `
		SELECT device_id, manufacturer, model, serial_number, firmware_version, chip_count,
		       max_hashrate_ghs, manufacture_date, owner_address, signature, registered_at
		FROM device_ownership ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ownership: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []registry.Ownership
	for rows.Next() {
		var (
			o     registry.Ownership
			chips int64
			made  sql.NullTime
		)
		err := rows.Scan(&o.DeviceID, &o.Manufacturer, &o.Model, &o.SerialNumber, &o.FirmwareVersion,
			&chips, &o.MaxHashrateGHS, &made, &o.OwnerAddress, &o.Signature, &o.RegisteredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ownership: %w", err)
		}
		o.ChipCount = uint32(chips)
		o.ManufactureDate = made.Time
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ownership: %w", err)
	}
	return out, nil
}
