package receipt

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-scanner/internal/scanning"
)

func init() {
	// Amounts go over the wire as bare JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Receipt is the aggregate root for a scanned receipt and its line items.
type Receipt struct {
	ID            int64            `gorm:"primaryKey" json:"id"`
	StoreName     *string          `json:"store_name"`
	Date          *Date            `gorm:"type:varchar(10);index" json:"date"`
	TotalAmount   *decimal.Decimal `gorm:"type:numeric" json:"total_amount"`
	Tax           *decimal.Decimal `gorm:"type:numeric" json:"tax"`
	PaymentMethod *string          `json:"payment_method"`
	Category      *string          `gorm:"index" json:"category"`
	ImagePath     string           `gorm:"not null" json:"image_path"`
	ThumbnailPath *string          `json:"thumbnail_path"`
	RawResponse   *string          `json:"-"`
	Items         []Item           `gorm:"foreignKey:ReceiptID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt     time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"not null" json:"updated_at"`
}

// Item is a single line on a receipt.
type Item struct {
	ID        int64            `gorm:"primaryKey" json:"id"`
	ReceiptID int64            `gorm:"not null;index" json:"-"`
	Name      *string          `json:"name"`
	Quantity  *decimal.Decimal `gorm:"type:numeric" json:"quantity"`
	Price     *decimal.Decimal `gorm:"type:numeric" json:"price"`
}

// TableName keeps the item table name stable across dialects.
func (Item) TableName() string {
	return "receipt_items"
}

// Fields holds the user-editable scalar fields of a receipt.
type Fields struct {
	StoreName     *string
	Date          *Date
	TotalAmount   *decimal.Decimal
	Tax           *decimal.Decimal
	PaymentMethod *string
	Category      *string
}

// itemsFromDrafts converts drafts into unsaved items.
func itemsFromDrafts(drafts []scanning.ItemDraft) []Item {
	items := make([]Item, 0, len(drafts))
	for _, d := range drafts {
		items = append(items, Item{Name: d.Name, Quantity: d.Quantity, Price: d.Price})
	}
	return items
}

// Date is a calendar date without time or zone, stored and serialized as
// YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(time.DateOnly)
}

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case time.Time:
		*d = NewDate(v.Year(), v.Month(), v.Day())
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

func (d *Date) parse(s string) error {
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a YYYY-MM-DD string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
