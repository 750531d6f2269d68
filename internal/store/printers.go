package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Simplici0/printworks/internal/domain"
)

func (s *Store) SavePrinter(ctx context.Context, p domain.Printer) error {
	var jobOrder, jobItem sql.NullString
	if p.Job != nil {
		jobOrder, jobItem = nullString(p.Job.OrderID), nullString(p.Job.ItemID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO printers (id, name, technology, bed_x, bed_y, bed_z, status, job_order_id, job_item_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			technology = excluded.technology,
			bed_x = excluded.bed_x,
			bed_y = excluded.bed_y,
			bed_z = excluded.bed_z,
			status = excluded.status,
			job_order_id = excluded.job_order_id,
			job_item_id = excluded.job_item_id,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Technology, p.Bed.X, p.Bed.Y, p.Bed.Z, p.Status.String(), jobOrder, jobItem, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save printer %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListPrinters(ctx context.Context) ([]domain.Printer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, technology, bed_x, bed_y, bed_z, status, job_order_id, job_item_id, updated_at
		FROM printers
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query printers: %w", err)
	}
	defer rows.Close()

	printers := make([]domain.Printer, 0)
	for rows.Next() {
		var (
			p                 domain.Printer
			status, updated   string
			jobOrder, jobItem sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Technology, &p.Bed.X, &p.Bed.Y, &p.Bed.Z, &status, &jobOrder, &jobItem, &updated); err != nil {
			return nil, fmt.Errorf("scan printer: %w", err)
		}
		if p.Status, err = domain.ParsePrinterStatus(status); err != nil {
			return nil, fmt.Errorf("printer %s: %w", p.ID, err)
		}
		if jobOrder.Valid {
			p.Job = &domain.JobRef{OrderID: jobOrder.String, ItemID: jobItem.String}
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate printers: %w", err)
	}
	return printers, nil
}
