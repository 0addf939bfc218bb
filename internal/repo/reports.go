package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/richardliu001/order-sync-service/internal/model"
)

const transactionRowColumns = `t.id AS id, t.order_id AS order_id, t.kind AS kind, t.status AS status,
	t.amount_value AS amount, t.processed_at AS processed_at,
	t.source_name AS source_name, t.channel_name AS channel_name,
	o.financial_status AS financial_status,
	o.tax_value AS tax, o.discounts_value AS discounts, o.shipping_value AS shipping`

// ScanTransactionRows walks every transaction matching f in keyset pages of
// pageSize, ordered by (order_id, id), so all rows of one order arrive
// back to back. fn sees each page once and must not retain it.
func (r *Repository) ScanTransactionRows(ctx context.Context, f model.RowFilter, pageSize int, fn func([]model.TransactionRow) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	var lastOrder, lastID uint64
	first := true
	for {
		q := r.db.WithContext(ctx).
			Table("order_transactions AS t").
			Select(transactionRowColumns).
			Joins("JOIN orders AS o ON o.id = t.order_id").
			Where("o.test = ?", false).
			Where("t.processed_at >= ? AND t.processed_at < ?", f.Start.UTC(), f.End.UTC())
		if f.Channel != "" {
			q = q.Where("LOWER(t.source_name) = ?", strings.ToLower(f.Channel))
		}
		if !first {
			q = q.Where("(t.order_id > ? OR (t.order_id = ? AND t.id > ?))", lastOrder, lastOrder, lastID)
		}

		var page []model.TransactionRow
		if err := q.Order("t.order_id, t.id").Limit(pageSize).Scan(&page).Error; err != nil {
			return fmt.Errorf("scan transaction rows: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		lastOrder, lastID, first = last.OrderID, last.ID, false
	}
}
