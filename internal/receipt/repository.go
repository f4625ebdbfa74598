package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no receipt has the requested id.
	ErrNotFound = errors.New("receipt not found")
	// ErrInvalidSortField is returned for a sort key outside the allow-list.
	ErrInvalidSortField = errors.New("invalid sort field")
)

// sortColumns maps accepted sort keys to columns.
var sortColumns = map[string]string{
	"id":           "id",
	"date":         "date",
	"total_amount": "total_amount",
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"store_name":   "store_name",
	"category":     "category",
}

const (
	DefaultSortField = "created_at"
	DefaultSortOrder = "desc"
	DefaultLimit     = 20
	MaxLimit         = 100
)

// Filter narrows a receipt listing. Zero values mean "no constraint"; all
// set constraints must hold.
type Filter struct {
	DateFrom  *Date
	DateTo    *Date
	Category  *string
	AmountMin *decimal.Decimal
	AmountMax *decimal.Decimal
	Search    string
}

// Sort orders a receipt listing.
type Sort struct {
	Field string
	Order string // asc or desc
}

// Page windows a receipt listing.
type Page struct {
	Skip  int
	Limit int
}

// GormRepository implements receipt persistence on gorm.
type GormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository wraps an open gorm connection.
func NewRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a receipt and its items in one transaction and fills in
// their ids and timestamps.
func (r *GormRepository) Create(ctx context.Context, receipt *Receipt) error {
	now := r.now()
	receipt.CreatedAt = now
	receipt.UpdatedAt = now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(receipt).Error; err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}
		if err := insertItems(tx, receipt.ID, receipt.Items); err != nil {
			return err
		}
		if receipt.Items == nil {
			receipt.Items = []Item{}
		}
		return nil
	})
}

// Get loads a receipt with its items.
func (r *GormRepository) Get(ctx context.Context, id int64) (*Receipt, error) {
	var receipt Receipt
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&receipt, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading receipt %d: %w", id, err)
	}
	if receipt.Items == nil {
		receipt.Items = []Item{}
	}
	return &receipt, nil
}

// List returns one page of matching receipts and the number of matches
// before paging.
func (r *GormRepository) List(ctx context.Context, filter Filter, sort Sort, page Page) ([]*Receipt, int64, error) {
	order, err := orderClause(sort)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.filtered(ctx, filter).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting receipts: %w", err)
	}

	var receipts []*Receipt
	err = r.filtered(ctx, filter).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order(order).
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&receipts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing receipts: %w", err)
	}
	return normalize(receipts), total, nil
}

// ListAll returns every matching receipt in order.
func (r *GormRepository) ListAll(ctx context.Context, filter Filter, sort Sort) ([]*Receipt, error) {
	order, err := orderClause(sort)
	if err != nil {
		return nil, err
	}

	var receipts []*Receipt
	err = r.filtered(ctx, filter).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order(order).
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return normalize(receipts), nil
}

// Update replaces the editable fields and the whole item set of a receipt
// in one transaction.
func (r *GormRepository) Update(ctx context.Context, id int64, fields Fields, items []Item) (*Receipt, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Receipt{}).Where("id = ?", id).Updates(map[string]any{
			"store_name":     fields.StoreName,
			"date":           fields.Date,
			"total_amount":   fields.TotalAmount,
			"tax":            fields.Tax,
			"payment_method": fields.PaymentMethod,
			"category":       fields.Category,
			"updated_at":     r.now(),
		})
		if res.Error != nil {
			return fmt.Errorf("updating receipt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("receipt_id = ?", id).Delete(&Item{}).Error; err != nil {
			return fmt.Errorf("clearing items: %w", err)
		}
		return insertItems(tx, id, items)
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Delete removes a receipt and its items in one transaction.
func (r *GormRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("receipt_id = ?", id).Delete(&Item{}).Error; err != nil {
			return fmt.Errorf("deleting items: %w", err)
		}
		res := tx.Delete(&Receipt{}, id)
		if res.Error != nil {
			return fmt.Errorf("deleting receipt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Ping checks the database connection.
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func insertItems(tx *gorm.DB, receiptID int64, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].ID = 0
		items[i].ReceiptID = receiptID
	}
	if err := tx.Create(&items).Error; err != nil {
		return fmt.Errorf("inserting items: %w", err)
	}
	return nil
}

func (r *GormRepository) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&Receipt{})
	if f.DateFrom != nil {
		q = q.Where("date >= ?", f.DateFrom.String())
	}
	if f.DateTo != nil {
		q = q.Where("date <= ?", f.DateTo.String())
	}
	if f.Category != nil {
		q = q.Where("category = ?", *f.Category)
	}
	if f.AmountMin != nil {
		q = q.Where("total_amount >= ?", *f.AmountMin)
	}
	if f.AmountMax != nil {
		q = q.Where("total_amount <= ?", *f.AmountMax)
	}
	if f.Search != "" {
		// Both sides go through the database's LOWER so they fold alike.
		q = q.Where(`LOWER(store_name) LIKE LOWER(?) ESCAPE '\'`, "%"+escapeLike(f.Search)+"%")
	}
	return q
}

func orderClause(s Sort) (string, error) {
	field := s.Field
	if field == "" {
		field = DefaultSortField
	}
	column, ok := sortColumns[field]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSortField, s.Field)
	}

	dir := "DESC"
	switch strings.ToLower(s.Order) {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return "", fmt.Errorf("invalid sort order %q", s.Order)
	}

	if column == "id" {
		return "id " + dir, nil
	}
	return column + " " + dir + ", id " + dir, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func normalize(receipts []*Receipt) []*Receipt {
	if receipts == nil {
		return []*Receipt{}
	}
	for _, r := range receipts {
		if r.Items == nil {
			r.Items = []Item{}
		}
	}
	return receipts
}
