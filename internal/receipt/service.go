package receipt

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zombor/receipt-scanner/internal/category"
	"github.com/zombor/receipt-scanner/internal/scanlog"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/pkg/logger"
)

// Repository defines receipt persistence and aggregation.
type Repository interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id int64) (*Receipt, error)
	List(ctx context.Context, filter Filter, sort Sort, page Page) ([]*Receipt, int64, error)
	ListAll(ctx context.Context, filter Filter, sort Sort) ([]*Receipt, error)
	Update(ctx context.Context, id int64, fields Fields, items []Item) (*Receipt, error)
	Delete(ctx context.Context, id int64) error
	MonthlySummary(ctx context.Context, year, month int) (*MonthlySummary, error)
	AvailableMonths(ctx context.Context) ([]MonthCount, error)
	Ping(ctx context.Context) error
}

// ImageStore defines storage for uploaded images.
type ImageStore interface {
	Save(r io.Reader, contentType string, size int64) (string, error)
	Resolve(publicPath string) (string, error)
	Thumbnail(publicPath string) string
	Delete(publicPath string) error
}

// ScanJournal records scan attempts.
type ScanJournal interface {
	Record(entry *scanlog.Entry) error
	Recent(limit int) ([]*scanlog.Entry, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Upload is one uploaded image file.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// BatchEntry is the outcome for one file of a batch scan.
type BatchEntry struct {
	Filename string   `json:"filename"`
	Success  bool     `json:"success"`
	Receipt  *Receipt `json:"receipt,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// BatchResult is the outcome of a batch scan.
type BatchResult struct {
	Results      []BatchEntry `json:"results"`
	SuccessCount int          `json:"success_count"`
	ErrorCount   int          `json:"error_count"`
}

// Service handles receipt operations
type Service struct {
	repo    Repository
	scanner scanning.Scanner
	store   ImageStore
	journal ScanJournal
	clock   TimeSource
}

// NewService creates a new Service. journal may be nil.
func NewService(repo Repository, scanner scanning.Scanner, store ImageStore, journal ScanJournal) *Service {
	return NewServiceWithDeps(repo, scanner, store, journal, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(repo Repository, scanner scanning.Scanner, store ImageStore, journal ScanJournal, clock TimeSource) *Service {
	return &Service{
		repo:    repo,
		scanner: scanner,
		store:   store,
		journal: journal,
		clock:   clock,
	}
}

// ProcessReceipt stores an uploaded image, extracts its data and saves the
// resulting receipt. On failure nothing is left behind.
func (s *Service) ProcessReceipt(ctx context.Context, up Upload) (*Receipt, error) {
	start := s.clock.Now()
	receipt, err := s.process(ctx, up)
	s.record(ctx, up.Filename, receipt, err, s.clock.Now().Sub(start))
	return receipt, err
}

func (s *Service) process(ctx context.Context, up Upload) (*Receipt, error) {
	log := logger.From(ctx)

	imagePath, err := s.store.Save(up.Body, up.ContentType, up.Size)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	absPath, err := s.store.Resolve(imagePath)
	if err != nil {
		s.cleanup(ctx, imagePath, "")
		return nil, fmt.Errorf("resolving image: %w", err)
	}

	ext, raw, err := s.scanner.ScanReceipt(ctx, absPath)
	if err != nil {
		log.Error("Failed to scan receipt",
			"filename", up.Filename,
			"content_type", up.ContentType,
			"file_size", up.Size,
			"error", err,
		)
		s.cleanup(ctx, imagePath, "")
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	if ext.Category == nil {
		if c, ok := category.Infer(ext.ItemNames()); ok {
			ext.Category = &c
		}
	}

	receipt, err := newReceipt(ext, imagePath, raw)
	if err != nil {
		s.cleanup(ctx, imagePath, "")
		return nil, err
	}

	if thumb := s.store.Thumbnail(imagePath); thumb != "" {
		receipt.ThumbnailPath = &thumb
	}

	if err := s.repo.Create(ctx, receipt); err != nil {
		thumb := ""
		if receipt.ThumbnailPath != nil {
			thumb = *receipt.ThumbnailPath
		}
		s.cleanup(ctx, imagePath, thumb)
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	log.Info("Scanned receipt", "id", receipt.ID, "filename", up.Filename, "items", len(receipt.Items))
	return receipt, nil
}

func newReceipt(ext *scanning.Extraction, imagePath, raw string) (*Receipt, error) {
	receipt := &Receipt{
		StoreName:     ext.StoreName,
		TotalAmount:   ext.TotalAmount,
		Tax:           ext.Tax,
		PaymentMethod: ext.PaymentMethod,
		Category:      ext.Category,
		ImagePath:     imagePath,
		Items:         itemsFromDrafts(ext.Items),
	}
	if raw != "" {
		receipt.RawResponse = &raw
	}
	if ext.Date != nil {
		d, err := ParseDate(*ext.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", scanning.ErrValidation, err)
		}
		receipt.Date = &d
	}
	return receipt, nil
}

// cleanup removes files written for a failed scan. Failures are logged only.
func (s *Service) cleanup(ctx context.Context, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := s.store.Delete(p); err != nil {
			logger.From(ctx).Warn("Failed to delete file", "path", p, "error", err)
		}
	}
}

func (s *Service) record(ctx context.Context, filename string, receipt *Receipt, err error, elapsed time.Duration) {
	if s.journal == nil {
		return
	}
	entry := &scanlog.Entry{
		Filename:   filename,
		Status:     scanlog.StatusSucceeded,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Status = scanlog.StatusFailed
		entry.Error = PublicMessage(err)
	} else {
		entry.ReceiptID = receipt.ID
	}
	if jerr := s.journal.Record(entry); jerr != nil {
		logger.From(ctx).Warn("Failed to record scan", "filename", filename, "error", jerr)
	}
}

// ProcessBatch scans uploads one after another. A failing file never stops
// the rest.
func (s *Service) ProcessBatch(ctx context.Context, uploads []Upload) *BatchResult {
	result := &BatchResult{Results: make([]BatchEntry, 0, len(uploads))}
	for _, up := range uploads {
		receipt, err := s.ProcessReceipt(ctx, up)
		if err != nil {
			result.Results = append(result.Results, BatchEntry{
				Filename: up.Filename,
				Error:    PublicMessage(err),
			})
			result.ErrorCount++
			continue
		}
		result.Results = append(result.Results, BatchEntry{
			Filename: up.Filename,
			Success:  true,
			Receipt:  receipt,
		})
		result.SuccessCount++
	}
	return result
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns one page of matching receipts and the total count.
func (s *Service) ListReceipts(ctx context.Context, filter Filter, sort Sort, page Page) ([]*Receipt, int64, error) {
	receipts, total, err := s.repo.List(ctx, filter, sort, page)
	if err != nil {
		return nil, 0, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, total, nil
}

// UpdateReceipt replaces a receipt's editable fields and items.
func (s *Service) UpdateReceipt(ctx context.Context, id int64, fields Fields, drafts []scanning.ItemDraft) (*Receipt, error) {
	receipt, err := s.repo.Update(ctx, id, fields, itemsFromDrafts(drafts))
	if err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and its image. The thumbnail is kept.
func (s *Service) DeleteReceipt(ctx context.Context, id int64) error {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.store.Delete(receipt.ImagePath); err != nil {
		// Log error but continue with database deletion
		logger.From(ctx).Warn("Failed to delete file", "path", receipt.ImagePath, "error", err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// ExportCSV writes every matching receipt as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter Filter, sort Sort) error {
	receipts, err := s.repo.ListAll(ctx, filter, sort)
	if err != nil {
		return fmt.Errorf("exporting receipts: %w", err)
	}
	return WriteCSV(w, receipts)
}

// MonthlySummary returns category totals for one month.
func (s *Service) MonthlySummary(ctx context.Context, year, month int) (*MonthlySummary, error) {
	summary, err := s.repo.MonthlySummary(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("getting monthly summary: %w", err)
	}
	return summary, nil
}

// AvailableMonths lists months that have dated receipts.
func (s *Service) AvailableMonths(ctx context.Context) ([]MonthCount, error) {
	months, err := s.repo.AvailableMonths(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing months: %w", err)
	}
	return months, nil
}

// RecentScans returns the latest scan attempts, newest first.
func (s *Service) RecentScans(limit int) ([]*scanlog.Entry, error) {
	if s.journal == nil {
		return []*scanlog.Entry{}, nil
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		return nil, fmt.Errorf("reading scan journal: %w", err)
	}
	return entries, nil
}

// Healthy reports whether the database is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
