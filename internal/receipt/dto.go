package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-scanner/internal/category"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Only called for non-nil values; pair with omitempty on pointers.
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return category.Valid(fl.Field().String())
	})
	return v
}

// UpdateRequest is the body of PUT /api/receipts/{id}. Every field is
// replaced; omitted fields become null.
type UpdateRequest struct {
	StoreName     *string              `json:"store_name" validate:"omitempty,max=255"`
	Date          *Date                `json:"date"`
	TotalAmount   *decimal.Decimal     `json:"total_amount"`
	Tax           *decimal.Decimal     `json:"tax"`
	PaymentMethod *string              `json:"payment_method" validate:"omitempty,max=100"`
	Category      *string              `json:"category" validate:"omitempty,category"`
	Items         []scanning.ItemDraft `json:"items" validate:"max=200"`
}

func (u *UpdateRequest) fields() Fields {
	return Fields{
		StoreName:     u.StoreName,
		Date:          u.Date,
		TotalAmount:   u.TotalAmount,
		Tax:           u.Tax,
		PaymentMethod: u.PaymentMethod,
		Category:      u.Category,
	}
}

// decodeUpdate reads and validates an UpdateRequest.
func decodeUpdate(body []byte) (*UpdateRequest, error) {
	var req UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, fieldError(typeErr.Field, "must be a "+typeErr.Type.String())
		}
		return nil, fieldError("body", err.Error())
	}
	if err := checkStruct(&req); err != nil {
		return nil, err
	}
	for i, item := range req.Items {
		if item.Name != nil && len(*item.Name) > 255 {
			return nil, fieldError(fmt.Sprintf("items[%d].name", i), "must be at most 255 characters")
		}
	}
	return &req, nil
}

// listParams holds the scalar list/export parameters for validation.
type listParams struct {
	Skip      int    `json:"skip" validate:"gte=0"`
	Limit     int    `json:"limit" validate:"gte=1,lte=100"`
	SortBy    string `json:"sort_by"`
	SortOrder string `json:"sort_order" validate:"oneof=asc desc"`
	Search    string `json:"search" validate:"max=200"`
}

type summaryParams struct {
	Year  int `json:"year" validate:"gte=2000,lte=2100"`
	Month int `json:"month" validate:"gte=1,lte=12"`
}

type limitParams struct {
	Limit int `json:"limit" validate:"gte=1,lte=100"`
}

// parseListQuery reads filters, sort and paging from a query string.
func parseListQuery(q url.Values) (Filter, Sort, Page, error) {
	qr := queryReader{values: q}
	params := listParams{
		Skip:      qr.integer("skip", 0),
		Limit:     qr.integer("limit", DefaultLimit),
		SortBy:    qr.text("sort_by", DefaultSortField),
		SortOrder: strings.ToLower(qr.text("sort_order", DefaultSortOrder)),
		Search:    strings.TrimSpace(q.Get("search")),
	}
	filter := Filter{
		DateFrom:  qr.date("date_from"),
		DateTo:    qr.date("date_to"),
		AmountMin: qr.amount("amount_min"),
		AmountMax: qr.amount("amount_max"),
		Search:    params.Search,
	}
	if c := q.Get("category"); c != "" {
		filter.Category = &c
	}
	if err := qr.err(); err != nil {
		return Filter{}, Sort{}, Page{}, err
	}
	if err := checkStruct(&params); err != nil {
		return Filter{}, Sort{}, Page{}, err
	}
	return filter,
		Sort{Field: params.SortBy, Order: params.SortOrder},
		Page{Skip: params.Skip, Limit: params.Limit},
		nil
}

func parseSummaryQuery(q url.Values) (int, int, error) {
	qr := queryReader{values: q}
	params := summaryParams{
		Year:  qr.requiredInt("year"),
		Month: qr.requiredInt("month"),
	}
	if err := qr.err(); err != nil {
		return 0, 0, err
	}
	if err := checkStruct(&params); err != nil {
		return 0, 0, err
	}
	return params.Year, params.Month, nil
}

func parseLimitQuery(q url.Values) (int, error) {
	qr := queryReader{values: q}
	params := limitParams{Limit: qr.integer("limit", DefaultLimit)}
	if err := qr.err(); err != nil {
		return 0, err
	}
	if err := checkStruct(&params); err != nil {
		return 0, err
	}
	return params.Limit, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fieldError("id", "must be a positive integer")
	}
	return id, nil
}

// queryReader parses typed query parameters and collects the failures.
type queryReader struct {
	values url.Values
	errs   []FieldError
}

func (r *queryReader) fail(field, message string) {
	r.errs = append(r.errs, FieldError{Field: field, Message: message})
}

func (r *queryReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: r.errs}
}

func (r *queryReader) text(name, def string) string {
	if v := r.values.Get(name); v != "" {
		return v
	}
	return def
}

func (r *queryReader) integer(name string, def int) int {
	v := r.values.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, "must be an integer")
		return def
	}
	return n
}

func (r *queryReader) requiredInt(name string) int {
	if r.values.Get(name) == "" {
		r.fail(name, "is required")
		return 0
	}
	return r.integer(name, 0)
}

func (r *queryReader) date(name string) *Date {
	v := r.values.Get(name)
	if v == "" {
		return nil
	}
	d, err := ParseDate(v)
	if err != nil {
		r.fail(name, "must be a date in YYYY-MM-DD format")
		return nil
	}
	return &d
}

func (r *queryReader) amount(name string) *decimal.Decimal {
	v := r.values.Get(name)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(name, "must be a number")
		return nil
	}
	return &d
}

// checkStruct runs validator tags and converts failures to a
// ValidationError.
func checkStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating request: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "category":
		return "must be one of: " + strings.Join(category.All(), ", ")
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
