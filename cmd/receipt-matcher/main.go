package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-matcher/internal/llm"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// config is everything read from flags, the environment and the config file
type config struct {
	scan         string
	match        string
	transactions string
	reconcile    string
	serve        bool
	file         string

	provider       string
	geminiKey      string
	geminiModel    string
	vertexProject  string
	vertexLocation string
	vertexModel    string
	ollamaURL      string
	ollamaModel    string
	llmRPS         float64

	ocrLanguages []string
	currency     string
	workers      int
	threshold    float64

	dbPath      string
	storagePath string
	port        int
	authUser    string
	authPass    string
	xlsx        string
	progress    string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is normal; the environment may already be set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("receipt-matcher")
	var (
		cfg config

		scan         = fs.StringLong("scan", "", "Extract every receipt in a directory")
		match        = fs.StringLong("match", "", "Extract a receipt file or directory and match it against --transactions")
		transactions = fs.StringLong("transactions", "", "Transactions as a JSON array, or @path to a JSON file")
		reconcile    = fs.StringLong("reconcile", "", "Match the receipts and transactions held in a JSON file")
		serve        = fs.BoolLong("serve", "Run the HTTP server")

		provider       = fs.StringLong("provider", "gemini", "Language model provider: 'gemini', 'vertex' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		vertexProject  = fs.StringLong("vertex-project", "", "Google Cloud project for Vertex AI")
		vertexLocation = fs.StringLong("vertex-location", "europe-west1", "Vertex AI location")
		vertexModel    = fs.StringLong("vertex-model", "gemini-2.5-flash", "Vertex AI model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		llmRPS         = fs.Float64Long("llm-rps", 0, "Maximum language model calls per second (0 for unlimited)")

		ocrLang   = fs.StringLong("ocr-lang", "eng", "Tesseract languages, comma separated (e.g. eng,swe,spa)")
		currency  = fs.StringLong("currency", "SEK", "Currency recorded when a receipt does not state one")
		workers   = fs.IntLong("workers", 1, "Documents processed concurrently")
		threshold = fs.Float64Long("threshold", 0.5, "Lowest score committed as a match, above 0 and at most 1")

		dbPath      = fs.StringLong("db", "receipt-matcher.db", "Database file path (empty disables the extraction cache outside --serve)")
		storagePath = fs.StringLong("storage", "./receipts", "Storage directory for uploaded receipts")
		port        = fs.IntLong("port", 8080, "HTTP server port")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		xlsx        = fs.StringLong("xlsx", "", "Write the match report to this XLSX file")
		progressTo  = fs.StringLong("progress", "", "Write progress events to this file instead of stdout")

		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logJSON     = fs.BoolLong("log-json", "Log as JSON")
		_           = fs.StringLong("config", "", "Config file (flag value pairs, one per line)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_MATCHER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(newLogger(os.Stderr, *logLevel, *logJSON))

	cfg = config{
		scan:           *scan,
		match:          *match,
		transactions:   *transactions,
		reconcile:      *reconcile,
		serve:          *serve,
		provider:       *provider,
		geminiKey:      *geminiKey,
		geminiModel:    *geminiModel,
		vertexProject:  *vertexProject,
		vertexLocation: *vertexLocation,
		vertexModel:    *vertexModel,
		ollamaURL:      *ollamaURL,
		ollamaModel:    *ollamaModel,
		llmRPS:         *llmRPS,
		ocrLanguages:   splitList(*ocrLang),
		currency:       strings.ToUpper(*currency),
		workers:        *workers,
		threshold:      *threshold,
		dbPath:         *dbPath,
		storagePath:    *storagePath,
		port:           *port,
		authUser:       *authUser,
		authPass:       *authPass,
		xlsx:           *xlsx,
		progress:       *progressTo,
	}
	if args := fs.GetArgs(); len(args) > 0 {
		cfg.file = args[0]
		if len(args) > 1 {
			slog.Error("Only one receipt file may be given", "args", args)
			os.Exit(1)
		}
	}

	m, err := selectMode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		slog.Error("Invalid invocation", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, m, cfg, os.Stdout); err != nil {
		slog.Error("Failed", "mode", m, "error", err)
		stop()
		os.Exit(1)
	}
}

// newLogger builds the stderr logger; stdout carries results only
func newLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newModel initializes the configured language model provider
func newModel(ctx context.Context, cfg config) (llm.Model, error) {
	var (
		model llm.Model
		err   error
	)

	switch cfg.provider {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini...", "model", cfg.geminiModel)
		model, err = llm.NewGemini(apiKey, cfg.geminiModel)
	case "vertex":
		slog.Info("Initializing Vertex AI...", "project", cfg.vertexProject, "location", cfg.vertexLocation, "model", cfg.vertexModel)
		model, err = llm.NewVertex(ctx, cfg.vertexProject, cfg.vertexLocation, cfg.vertexModel)
	case "ollama":
		slog.Info("Initializing Ollama...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		model, err = llm.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid provider %q: valid are gemini, vertex or ollama", cfg.provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", cfg.provider, err)
	}

	return llm.WithRateLimit(model, cfg.llmRPS), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '+' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
