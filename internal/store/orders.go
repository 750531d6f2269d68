package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
)

type OrderFilter struct {
	Status     *domain.OrderStatus
	CustomerID string
	// Page is 1-based; Limit 0 returns every match.
	Page  int
	Limit int
}

// SaveOrder writes the order, its items and any events not yet stored, in one
// transaction. The first save of an order also marks its quote CONVERTED.
// Prices and events already on disk are never rewritten.
func (s *Store) SaveOrder(ctx context.Context, o domain.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = ?)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check order existence: %w", err)
		}

		holds, err := json.Marshal(o.Holds)
		if err != nil {
			return fmt.Errorf("encode holds: %w", err)
		}

		if exists {
			if _, err := tx.ExecContext(ctx, `
				UPDATE orders
				SET status = ?, payment_status = ?, holds_json = ?, updated_at = ?
				WHERE id = ?
			`, o.Status.String(), o.PaymentStatus, string(holds), formatTime(o.UpdatedAt), o.ID); err != nil {
				return fmt.Errorf("update order %s: %w", o.ID, err)
			}
		} else if err := insertOrder(ctx, tx, o, string(holds)); err != nil {
			return err
		}

		for _, it := range o.Items {
			if err := upsertItem(ctx, tx, o.ID, it); err != nil {
				return err
			}
		}
		return appendEvents(ctx, tx, o)
	})
}

func insertOrder(ctx context.Context, tx *sql.Tx, o domain.Order, holds string) error {
	address, err := json.Marshal(o.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, quote_id, customer_id, status, payment_status, subtotal, tax, shipping_fee, total, currency,
			delivery_from, delivery_to, address_json, holds_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.QuoteID, o.CustomerID, o.Status.String(), o.PaymentStatus,
		o.Subtotal.StringFixed(2), o.Tax.StringFixed(2), o.ShippingFee.StringFixed(2), o.Total.StringFixed(2), o.Currency,
		formatTime(o.EstimatedDelivery.From), formatTime(o.EstimatedDelivery.To),
		string(address), holds, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("quote %s: %w", o.QuoteID, domain.ErrQuoteAlreadyConverted)
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE quotes
		SET status = ?, order_id = ?, updated_at = ?
		WHERE id = ? AND order_id IS NULL
	`, domain.QuoteConverted, o.ID, formatTime(o.CreatedAt), o.QuoteID)
	if err != nil {
		return fmt.Errorf("mark quote %s converted: %w", o.QuoteID, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("mark quote %s converted: %w", o.QuoteID, err)
	} else if n != 1 {
		return fmt.Errorf("quote %s: %w", o.QuoteID, domain.ErrQuoteAlreadyConverted)
	}
	return nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, orderID string, it domain.OrderItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_items (
			id, order_id, item_index, quote_item_id, file_id, file_name, material_id, material_name, technology,
			bbox_x, bbox_y, bbox_z, quantity, final_price, estimated_hours,
			assigned_printer, scheduled_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assigned_printer = excluded.assigned_printer,
			scheduled_at = excluded.scheduled_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		it.ID, orderID, it.Index, it.QuoteItemID, it.FileID, it.FileName, it.MaterialID, it.MaterialName, it.Technology,
		it.BBox.X, it.BBox.Y, it.BBox.Z, it.Quantity, it.FinalPrice.StringFixed(2), it.EstimatedHours,
		nullString(it.AssignedPrinter), formatTimePtr(it.ScheduledAt), formatTimePtr(it.StartedAt), formatTimePtr(it.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save order item %s: %w", it.ID, err)
	}
	return nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM production_events WHERE order_id = ?`, o.ID).Scan(&stored); err != nil {
		return fmt.Errorf("query last event seq: %w", err)
	}
	for _, ev := range o.Events {
		if ev.Seq <= stored {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO production_events (id, order_id, seq, stage, note, actor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ev.ID, o.ID, ev.Seq, ev.Stage.String(), nullString(ev.Note), nullString(ev.Actor), formatTime(ev.CreatedAt)); err != nil {
			return fmt.Errorf("append production event %d of order %s: %w", ev.Seq, o.ID, err)
		}
	}
	return nil
}

const orderColumns = `id, quote_id, customer_id, status, payment_status, subtotal, tax, shipping_fee, total, currency,
	delivery_from, delivery_to, address_json, holds_json, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if noRows(err) {
			return domain.Order{}, notFound("order", id)
		}
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}
	if err := s.loadChildren(ctx, &o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ListOrders returns matching orders newest first with the total match count.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	where := `WHERE (? = '' OR status = ?) AND (? = '' OR customer_id = ?)`
	status := ""
	if f.Status != nil {
		status = f.Status.String()
	}
	args := []any{status, status, f.CustomerID, f.CustomerID}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		page := max(f.Page, 1)
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, (page-1)*f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", err)
	}
	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate orders: %w", err)
	}
	rows.Close()

	for i := range orders {
		if err := s.loadChildren(ctx, &orders[i]); err != nil {
			return nil, 0, err
		}
	}
	return orders, total, nil
}

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var (
		o                                          domain.Order
		status, from, to, address, holds, crt, upd string
		err                                        error
	)
	if err := row.Scan(
		&o.ID, &o.QuoteID, &o.CustomerID, &status, &o.PaymentStatus,
		&o.Subtotal, &o.Tax, &o.ShippingFee, &o.Total, &o.Currency,
		&from, &to, &address, &holds, &crt, &upd,
	); err != nil {
		return domain.Order{}, err
	}
	if o.Status, err = domain.ParseOrderStatus(status); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(address), &o.Address); err != nil {
		return domain.Order{}, fmt.Errorf("decode address of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(holds), &o.Holds); err != nil {
		return domain.Order{}, fmt.Errorf("decode holds of order %s: %w", o.ID, err)
	}
	for _, ts := range []struct {
		raw string
		dst *time.Time
	}{{from, &o.EstimatedDelivery.From}, {to, &o.EstimatedDelivery.To}, {crt, &o.CreatedAt}, {upd, &o.UpdatedAt}} {
		if *ts.dst, err = parseTime(ts.raw); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

func (s *Store) loadChildren(ctx context.Context, o *domain.Order) error {
	items, err := s.listItems(ctx, o.ID)
	if err != nil {
		return err
	}
	events, err := s.listEvents(ctx, o.ID)
	if err != nil {
		return err
	}
	o.Items, o.Events = items, events
	return nil
}

func (s *Store) listItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_index, quote_item_id, file_id, file_name, material_id, material_name, technology,
			bbox_x, bbox_y, bbox_z, quantity, final_price, estimated_hours,
			COALESCE(assigned_printer, ''), scheduled_at, started_at, finished_at
		FROM order_items
		WHERE order_id = ?
		ORDER BY item_index
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var (
			it                           domain.OrderItem
			scheduled, started, finished sql.NullString
		)
		if err := rows.Scan(
			&it.ID, &it.Index, &it.QuoteItemID, &it.FileID, &it.FileName, &it.MaterialID, &it.MaterialName, &it.Technology,
			&it.BBox.X, &it.BBox.Y, &it.BBox.Z, &it.Quantity, &it.FinalPrice, &it.EstimatedHours,
			&it.AssignedPrinter, &scheduled, &started, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if it.ScheduledAt, err = parseTimePtr(scheduled); err != nil {
			return nil, err
		}
		if it.StartedAt, err = parseTimePtr(started); err != nil {
			return nil, err
		}
		if it.FinishedAt, err = parseTimePtr(finished); err != nil {
			return nil, err
		}
		if it.FinishedAt != nil {
			it.Progress = 100
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func (s *Store) listEvents(ctx context.Context, orderID string) ([]domain.ProductionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, stage, COALESCE(note, ''), COALESCE(actor, ''), created_at
		FROM production_events
		WHERE order_id = ?
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query production events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.ProductionEvent, 0)
	for rows.Next() {
		var (
			ev             domain.ProductionEvent
			stage, created string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &stage, &ev.Note, &ev.Actor, &created); err != nil {
			return nil, fmt.Errorf("scan production event: %w", err)
		}
		ev.OrderID = orderID
		if ev.Stage, err = domain.ParseOrderStatus(stage); err != nil {
			return nil, fmt.Errorf("production event %s: %w", ev.ID, err)
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate production events: %w", err)
	}
	return events, nil
}
