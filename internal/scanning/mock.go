package scanning

import "context"

const mockResponse = `{"store_name": "テストマート 渋谷店", "date": "2026-02-10", "total_amount": 1580, "tax": 143, "items": [{"name": "おにぎり 鮭", "quantity": 2, "price": 150}, {"name": "緑茶 500ml", "quantity": 1, "price": 130}, {"name": "サンドイッチ", "quantity": 1, "price": 380}, {"name": "ヨーグルト", "quantity": 3, "price": 120}], "payment_method": "クレジットカード", "category": "食費"}`

// Mock returns a fixed extraction without calling any model. The image is
// not read.
type Mock struct{}

// NewMock creates a Mock scanner.
func NewMock() *Mock {
	return &Mock{}
}

// ScanReceipt returns the canned extraction.
func (m *Mock) ScanReceipt(ctx context.Context, _ string) (*Extraction, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	ext, err := parseExtraction(mockResponse)
	if err != nil {
		return nil, "", err
	}
	return ext, mockResponse, nil
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}
