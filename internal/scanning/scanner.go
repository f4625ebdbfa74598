// Package scanning extracts structured receipt data from images using a
// vision model.
package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrParse is returned when no JSON object can be found in a model response.
	ErrParse = errors.New("could not extract JSON from vision response")
	// ErrValidation is returned when the JSON does not match the receipt schema.
	ErrValidation = errors.New("vision response does not match receipt schema")
	// ErrService wraps transport, auth and provider failures.
	ErrService = errors.New("vision service request failed")
	// ErrNotConfigured is returned by live scanners that lack credentials.
	ErrNotConfigured = errors.New("vision service is not configured")
)

// Extraction is the structured data read from a receipt image. Every field
// is optional.
type Extraction struct {
	StoreName     *string          `json:"store_name"`
	Date          *string          `json:"date"` // YYYY-MM-DD
	TotalAmount   *decimal.Decimal `json:"total_amount"`
	Tax           *decimal.Decimal `json:"tax"`
	PaymentMethod *string          `json:"payment_method"`
	Category      *string          `json:"category"`
	Items         []ItemDraft      `json:"items"`
}

// ItemNames returns the non-empty item names, in order.
func (e *Extraction) ItemNames() []string {
	names := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		if item.Name != nil && *item.Name != "" {
			names = append(names, *item.Name)
		}
	}
	return names
}

// ItemDraft is a line item before it is persisted.
type ItemDraft struct {
	Name     *string          `json:"name"`
	Quantity *decimal.Decimal `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
}

// UnmarshalJSON defaults an absent quantity to 1. An explicit null stays nil.
func (d *ItemDraft) UnmarshalJSON(b []byte) error {
	type plain ItemDraft
	one := decimal.NewFromInt(1)
	p := plain{Quantity: &one}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = ItemDraft(p)
	return nil
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes the image at imagePath and returns the extraction
	// together with the raw model text.
	ScanReceipt(ctx context.Context, imagePath string) (*Extraction, string, error)
	// Close releases any client resources.
	Close() error
}

// Options selects and configures a Scanner.
type Options struct {
	Kind        string // mock, gemini or ollama
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string
}

// New builds the Scanner named by opts.Kind.
func New(opts Options) (Scanner, error) {
	switch opts.Kind {
	case "mock":
		return NewMock(), nil
	case "gemini":
		return NewGemini(opts.GeminiKey, opts.GeminiModel)
	case "ollama":
		return NewOllama(opts.OllamaURL, opts.OllamaModel)
	default:
		return nil, fmt.Errorf("unknown scanner %q", opts.Kind)
	}
}
