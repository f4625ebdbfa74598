package scanning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/receipt-scanner/internal/category"
)

// candidateFunc pulls a possible JSON object out of free-form model text.
type candidateFunc func(text string) (string, bool)

// candidates are tried in order; the first one that is valid JSON wins.
var candidates = []candidateFunc{
	fencedBlock,
	braceSpan,
}

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func fencedBlock(text string) (string, bool) {
	m := fencedRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func braceSpan(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// parseExtraction turns model text into an Extraction.
func parseExtraction(text string) (*Extraction, error) {
	var raw []byte
	for _, find := range candidates {
		if c, ok := find(text); ok && json.Valid([]byte(c)) {
			raw = []byte(c)
			break
		}
	}
	if raw == nil {
		return nil, ErrParse
	}

	var ext Extraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if ext.Date != nil {
		if _, err := time.Parse(time.DateOnly, *ext.Date); err != nil {
			return nil, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, *ext.Date)
		}
	}

	if ext.Items == nil {
		ext.Items = []ItemDraft{}
	}

	if ext.Category != nil && !category.Valid(*ext.Category) {
		slog.Warn("Dropping unknown category from vision response", "category", *ext.Category)
		ext.Category = nil
	}

	return &ext, nil
}
