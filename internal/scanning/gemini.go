package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	// DefaultGeminiModel is used when no model name is configured.
	DefaultGeminiModel = "gemini-2.5-flash"

	geminiTimeout   = 60 * time.Second
	geminiMaxTokens = 2048
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance. Without an API key the
// scanner is still returned, but every scan fails with ErrNotConfigured.
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		slog.Warn("Gemini API key is not set; receipt scans will fail")
		return &Gemini{}, nil
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetMaxOutputTokens(geminiMaxTokens)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ScanReceipt sends the image and prompt to Gemini and parses the reply.
func (g *Gemini) ScanReceipt(ctx context.Context, imagePath string) (*Extraction, string, error) {
	if g.client == nil {
		return nil, "", ErrNotConfigured
	}

	data, format, err := readImage(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrService, err)
	}

	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	// genai.ImageData expects the format suffix ("png"), not the full MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(receiptPrompt))
	if err != nil {
		return nil, "", fmt.Errorf("%w: generating content: %w", ErrService, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, "", fmt.Errorf("%w: no response from gemini", ErrService)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	raw := text.String()
	ext, err := parseExtraction(raw)
	if err != nil {
		return nil, raw, err
	}
	return ext, raw, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
