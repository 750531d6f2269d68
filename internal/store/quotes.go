package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
)

// SaveQuote upserts the quote. The full quote is stored as a JSON snapshot;
// status, validity and order link are also kept as columns for queries.
func (s *Store) SaveQuote(ctx context.Context, q domain.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quote %s: %w", q.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, customer_id, status, valid_until, order_id, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			valid_until = excluded.valid_until,
			order_id = COALESCE(excluded.order_id, quotes.order_id),
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at
	`, q.ID, q.CustomerID, q.Status, formatTime(q.ValidUntil), nullString(q.OrderID), string(payload), formatTime(q.CreatedAt), formatTime(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save quote %s: %w", q.ID, err)
	}
	return nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (domain.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, `
		SELECT payload_json, status, COALESCE(order_id, '')
		FROM quotes
		WHERE id = ?
	`, id))
	if err != nil {
		if noRows(err) {
			return domain.Quote{}, notFound("quote", id)
		}
		return domain.Quote{}, fmt.Errorf("query quote: %w", err)
	}
	return q, nil
}

// ListLapsedQuotes returns open quotes whose validity ended before now.
func (s *Store) ListLapsedQuotes(ctx context.Context, now time.Time) ([]domain.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json, status, COALESCE(order_id, '')
		FROM quotes
		WHERE status IN (?, ?) AND valid_until < ?
		ORDER BY valid_until
	`, domain.QuoteDraft, domain.QuoteActive, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query lapsed quotes: %w", err)
	}
	defer rows.Close()

	quotes := make([]domain.Quote, 0)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotes: %w", err)
	}
	return quotes, nil
}

// The columns win over the snapshot: order creation updates them in the
// same transaction as the order insert.
func scanQuote(row interface{ Scan(...any) error }) (domain.Quote, error) {
	var (
		payload, status, orderID string
		q                        domain.Quote
	)
	if err := row.Scan(&payload, &status, &orderID); err != nil {
		return domain.Quote{}, err
	}
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	q.Status = domain.QuoteStatus(status)
	if orderID != "" {
		q.OrderID = orderID
	}
	return q, nil
}
