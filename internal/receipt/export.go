package receipt

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	csvBOM        = "\ufeff"
	itemSeparator = " / "
	unknownItem   = "不明"
)

var csvHeader = []string{"ID", "日付", "店名", "合計金額", "税額", "支払方法", "カテゴリ", "品目"}

// WriteCSV writes receipts as spreadsheet-friendly CSV, in the given order.
func WriteCSV(w io.Writer, receipts []*Receipt) error {
	if _, err := io.WriteString(w, csvBOM); err != nil {
		return fmt.Errorf("writing BOM: %w", err)
	}

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range receipts {
		if err := cw.Write(csvRow(r)); err != nil {
			return fmt.Errorf("writing receipt %d: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderCSV returns WriteCSV's output as a string.
func RenderCSV(receipts []*Receipt) string {
	var b strings.Builder
	// strings.Builder never fails a write
	_ = WriteCSV(&b, receipts)
	return b.String()
}

func csvRow(r *Receipt) []string {
	date := ""
	if r.Date != nil {
		date = r.Date.String()
	}
	total, tax := "", ""
	if r.TotalAmount != nil {
		total = r.TotalAmount.String()
	}
	if r.Tax != nil {
		tax = r.Tax.String()
	}
	return []string{
		strconv.FormatInt(r.ID, 10),
		date,
		deref(r.StoreName),
		total,
		tax,
		deref(r.PaymentMethod),
		deref(r.Category),
		itemsCell(r.Items),
	}
}

func itemsCell(items []Item) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		name := unknownItem
		if item.Name != nil && *item.Name != "" {
			name = *item.Name
		}
		qty := "1"
		if item.Quantity != nil {
			qty = item.Quantity.String()
		}
		parts = append(parts, name+"×"+qty)
	}
	return strings.Join(parts, itemSeparator)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
