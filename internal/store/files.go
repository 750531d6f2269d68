package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Simplici0/printworks/internal/domain"
)

// UpsertFile records metadata pushed by the upload and scan service.
func (s *Store) UpsertFile(ctx context.Context, f domain.FileMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, original_name, size_bytes, volume_cm3, bbox_x, bbox_y, bbox_z, watertight, scan_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			original_name = excluded.original_name,
			size_bytes = excluded.size_bytes,
			volume_cm3 = excluded.volume_cm3,
			bbox_x = excluded.bbox_x,
			bbox_y = excluded.bbox_y,
			bbox_z = excluded.bbox_z,
			watertight = excluded.watertight,
			scan_status = excluded.scan_status
	`, f.ID, f.OriginalName, f.SizeBytes, f.VolumeCm3, f.BBox.X, f.BBox.Y, f.BBox.Z, f.Watertight, f.ScanStatus, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert file metadata: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (domain.FileMeta, error) {
	var (
		f       domain.FileMeta
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, original_name, size_bytes, volume_cm3, bbox_x, bbox_y, bbox_z, watertight, scan_status, created_at
		FROM files
		WHERE id = ?
	`, id).Scan(&f.ID, &f.OriginalName, &f.SizeBytes, &f.VolumeCm3, &f.BBox.X, &f.BBox.Y, &f.BBox.Z, &f.Watertight, &f.ScanStatus, &created)
	if err != nil {
		if noRows(err) {
			return domain.FileMeta{}, notFound("file", id)
		}
		return domain.FileMeta{}, fmt.Errorf("query file metadata: %w", err)
	}
	if f.CreatedAt, err = parseTime(created); err != nil {
		return domain.FileMeta{}, err
	}
	return f, nil
}

func (s *Store) CreateAddress(ctx context.Context, a domain.Address) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if a.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE addresses SET is_default = FALSE WHERE customer_id = ?`, a.CustomerID); err != nil {
				return fmt.Errorf("clear default address: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO addresses (id, customer_id, line1, line2, city, state, postal_code, country, is_default)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.CustomerID, a.Line1, nullString(a.Line2), a.City, a.State, a.PostalCode, a.Country, a.IsDefault)
		if err != nil {
			return fmt.Errorf("insert address: %w", err)
		}
		return nil
	})
}

const addressColumns = `id, customer_id, line1, COALESCE(line2, ''), city, state, postal_code, country, is_default`

func scanAddress(row interface{ Scan(...any) error }) (domain.Address, error) {
	var a domain.Address
	err := row.Scan(&a.ID, &a.CustomerID, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.IsDefault)
	return a, err
}

func (s *Store) GetAddress(ctx context.Context, id string) (domain.Address, error) {
	a, err := scanAddress(s.db.QueryRowContext(ctx, `SELECT `+addressColumns+` FROM addresses WHERE id = ?`, id))
	if err != nil {
		if noRows(err) {
			return domain.Address{}, notFound("address", id)
		}
		return domain.Address{}, fmt.Errorf("query address: %w", err)
	}
	return a, nil
}

func (s *Store) ListAddresses(ctx context.Context, customerID string) ([]domain.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+addressColumns+`
		FROM addresses
		WHERE customer_id = ?
		ORDER BY is_default DESC, id
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	addresses := make([]domain.Address, 0)
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate addresses: %w", err)
	}
	return addresses, nil
}
