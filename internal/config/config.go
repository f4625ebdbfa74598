package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// EnvPrefix is prepended to every flag name when reading the environment,
// e.g. --database-url is RECEIPT_SCANNER_DATABASE_URL.
const EnvPrefix = "RECEIPT_SCANNER"

// Config is built once at startup and handed to each component constructor.
type Config struct {
	Port        int    `validate:"min=1,max=65535"`
	DatabaseURL string `validate:"required"`
	UploadDir   string `validate:"required"`
	JournalPath string `validate:"required"`

	Scanner     string `validate:"oneof=gemini ollama mock"`
	MockVision  bool
	GeminiKey   string
	GeminiModel string `validate:"required"`
	OllamaURL   string `validate:"omitempty,url"`
	OllamaModel string `validate:"required"`

	CORSOrigins []string `validate:"dive,required"`
	AuthUser    string
	AuthPass    string `validate:"required_with=AuthUser"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	ShowVersion bool
}

// ScannerType resolves the effective scanner; the mock toggle wins.
func (c *Config) ScannerType() string {
	if c.MockVision {
		return "mock"
	}
	return c.Scanner
}

// Load reads an optional .env file, then flags and RECEIPT_SCANNER_* env vars.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	fs := ff.NewFlagSet("receipt-scanner")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		databaseURL = fs.StringLong("database-url", "receipts.db", "sqlite path (optionally sqlite://) or postgres:// URL")
		uploadDir   = fs.StringLong("upload-dir", "./uploads", "Directory for uploaded images and thumbnails")
		journalPath = fs.StringLong("journal", "scans.db", "Scan journal database file path")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'ollama' or 'mock'")
		mockVision  = fs.BoolLong("mock-vision", "Return a canned extraction instead of calling a vision model")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name")
		corsOrigins = fs.StringLong("cors-origins", "http://localhost:5173", "Comma separated list of allowed CORS origins ('*' for any)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: text or json")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, fmt.Errorf("%s\n%w", ffhelp.Flags(fs), err)
	}

	cfg := &Config{
		Port:        *port,
		DatabaseURL: *databaseURL,
		UploadDir:   *uploadDir,
		JournalPath: *journalPath,
		Scanner:     strings.ToLower(strings.TrimSpace(*scannerType)),
		MockVision:  *mockVision,
		GeminiKey:   *geminiKey,
		GeminiModel: *geminiModel,
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
		CORSOrigins: splitList(*corsOrigins),
		AuthUser:    *authUser,
		AuthPass:    *authPass,
		LogLevel:    strings.ToLower(*logLevel),
		LogFormat:   strings.ToLower(*logFormat),
		ShowVersion: *showVersion,
	}
	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}

	return cfg, nil
}

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
