package receipt

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-scanner/internal/category"
)

// CategoryTotal is one category's share of a month.
type CategoryTotal struct {
	Category    string          `json:"category"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Count       int64           `json:"count"`
}

// MonthlySummary aggregates one calendar month by category.
type MonthlySummary struct {
	Year        int             `json:"year"`
	Month       int             `json:"month"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalCount  int64           `json:"total_count"`
	Categories  []CategoryTotal `json:"categories"`
}

// MonthCount is a month that has at least one dated receipt.
type MonthCount struct {
	Year  int   `json:"year"`
	Month int   `json:"month"`
	Count int64 `json:"count"`
}

type amountRow struct {
	Label  string
	Amount decimal.NullDecimal
}

// MonthlySummary groups the receipts dated in year/month by category.
// Receipts without a category are reported as category.Uncategorized.
// Amounts are summed with decimal arithmetic, since SQLite keeps fractional
// numerics as floating point.
func (r *GormRepository) MonthlySummary(ctx context.Context, year, month int) (*MonthlySummary, error) {
	from := NewDate(year, time.Month(month), 1)
	to := NewDate(year, time.Month(month)+1, 1)

	query, args, err := sq.Select().
		Column(sq.Expr("COALESCE(category, ?) AS label", category.Uncategorized)).
		Column("total_amount AS amount").
		From("receipts").
		Where(sq.GtOrEq{"date": from.String()}).
		Where(sq.Lt{"date": to.String()}).
		OrderBy("label", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building summary query: %w", err)
	}

	var rows []amountRow
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("summarizing %04d-%02d: %w", year, month, err)
	}

	summary := &MonthlySummary{
		Year:        year,
		Month:       month,
		TotalAmount: decimal.Zero,
		Categories:  []CategoryTotal{},
	}
	for _, row := range rows {
		n := len(summary.Categories)
		if n == 0 || summary.Categories[n-1].Category != row.Label {
			summary.Categories = append(summary.Categories, CategoryTotal{Category: row.Label, TotalAmount: decimal.Zero})
			n++
		}
		ct := &summary.Categories[n-1]
		if row.Amount.Valid {
			ct.TotalAmount = ct.TotalAmount.Add(row.Amount.Decimal)
			summary.TotalAmount = summary.TotalAmount.Add(row.Amount.Decimal)
		}
		ct.Count++
		summary.TotalCount++
	}
	return summary, nil
}

// AvailableMonths lists months with dated receipts, newest first.
func (r *GormRepository) AvailableMonths(ctx context.Context) ([]MonthCount, error) {
	const (
		yearExpr  = "CAST(SUBSTR(date, 1, 4) AS INTEGER)"
		monthExpr = "CAST(SUBSTR(date, 6, 2) AS INTEGER)"
	)

	query, args, err := sq.Select(
		yearExpr+" AS year",
		monthExpr+" AS month",
		"COUNT(id) AS count",
	).
		From("receipts").
		Where(sq.NotEq{"date": nil}).
		GroupBy(yearExpr, monthExpr).
		OrderBy("year DESC", "month DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building months query: %w", err)
	}

	months := make([]MonthCount, 0)
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&months).Error; err != nil {
		return nil, fmt.Errorf("listing months: %w", err)
	}
	return months, nil
}
