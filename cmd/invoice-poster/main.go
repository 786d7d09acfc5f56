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
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-poster/internal/ledger"
	"github.com/zombor/invoice-poster/internal/numbering"
	"github.com/zombor/invoice-poster/internal/report"
	"github.com/zombor/invoice-poster/internal/server"
	"github.com/zombor/invoice-poster/internal/tax"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// config is everything the flags and environment can set
type config struct {
	dbPath    string
	auditPath string
	inboxPath string

	archivePath      string
	archiveBucket    string
	archiveRegion    string
	archiveEndpoint  string
	archiveAccessKey string
	archiveSecretKey string

	ledger ledger.Config

	invoicePrefix     string
	invoiceStart      string
	withholdingCode   string
	withholdingExempt string
	postingGroups     string

	classifier  string
	glAccount   string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string

	redisAddr     string
	redisPassword string
	redisDB       int
	redisKey      string

	workers    int
	reportDays int
	reportXLSX string

	port     int
	authUser string
	authPass string

	logLevel string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cfg config
	retry := ledger.DefaultRetryPolicy()
	var retryAttempts int

	rootFlags := ff.NewFlagSet("invoice-poster")
	rootFlags.StringVar(&cfg.dbPath, 0, "db", "invoice-poster.db", "local state database (invoice counter, processed attachments)")
	rootFlags.StringVar(&cfg.auditPath, 0, "audit-log", envOr("INVOICE_LOG_PATH", "logs/invoice_log.csv"), "audit log CSV path")
	rootFlags.StringVar(&cfg.ledger.BaseURL, 0, "ledger-url", "", "ledger OData base URL")
	rootFlags.StringVar(&cfg.ledger.User, 0, "ledger-user", "", "ledger user")
	rootFlags.StringVar(&cfg.ledger.Key, 0, "ledger-key", "", "ledger web service key")
	rootFlags.DurationVar(&cfg.ledger.Timeout, 0, "ledger-timeout", 30*time.Second, "timeout of a single ledger request")
	rootFlags.StringVar(&cfg.ledger.Endpoints.Vendors, 0, "vendors-endpoint", ledger.DefaultEndpoints().Vendors, "vendor registry entity set")
	rootFlags.StringVar(&cfg.ledger.Endpoints.History, 0, "history-endpoint", ledger.DefaultEndpoints().History, "posted invoices entity set")
	rootFlags.StringVar(&cfg.ledger.Endpoints.Live, 0, "live-endpoint", ledger.DefaultEndpoints().Live, "open invoices entity set")
	rootFlags.StringVar(&cfg.ledger.Endpoints.Headers, 0, "headers-endpoint", ledger.DefaultEndpoints().Headers, "invoice header entity set")
	rootFlags.StringVar(&cfg.ledger.Endpoints.Lines, 0, "lines-endpoint", ledger.DefaultEndpoints().Lines, "invoice line entity set")
	rootFlags.IntVar(&retryAttempts, 0, "retry-attempts", int(retry.MaxRetries), "retries of a failed ledger call")
	rootFlags.DurationVar(&retry.InitialInterval, 0, "retry-initial", retry.InitialInterval, "first retry delay, doubled on every retry")
	rootFlags.StringVar(&cfg.logLevel, 0, "log-level", "info", "log level: debug, info, warn or error")
	_ = rootFlags.StringLong("config", "", "config file (optional)")

	postFlags := ff.NewFlagSet("posting").SetParent(rootFlags)
	postFlags.StringVar(&cfg.inboxPath, 0, "inbox", "inbox", "directory of invoice attachments to process")
	postFlags.StringVar(&cfg.archivePath, 0, "archive", "archive", "directory processed attachments are moved to")
	postFlags.StringVar(&cfg.archiveBucket, 0, "archive-s3-bucket", "", "archive to this S3 bucket instead of a directory")
	postFlags.StringVar(&cfg.archiveRegion, 0, "archive-s3-region", "", "S3 region")
	postFlags.StringVar(&cfg.archiveEndpoint, 0, "archive-s3-endpoint", "", "S3 compatible endpoint URL")
	postFlags.StringVar(&cfg.archiveAccessKey, 0, "archive-s3-access-key", "", "S3 access key (default AWS credential chain when empty)")
	postFlags.StringVar(&cfg.archiveSecretKey, 0, "archive-s3-secret-key", "", "S3 secret key")
	postFlags.StringVar(&cfg.invoicePrefix, 0, "invoice-prefix", envOr("INVOICE_PREFIX", numbering.DefaultPrefix), "document number prefix")
	postFlags.StringVar(&cfg.invoiceStart, 0, "invoice-start", os.Getenv("INVOICE_START_NO"), "counter value used when the counter is empty (default <prefix>25000573)")
	postFlags.StringVar(&cfg.withholdingCode, 0, "withholding-code", tax.DefaultWithholdingCode, "withholding tax code on invoice lines")
	postFlags.StringVar(&cfg.withholdingExempt, 0, "withholding-exempt-prefix", tax.DefaultExemptPrefix, "vendors whose id starts with this are exempt from withholding")
	postFlags.StringVar(&cfg.postingGroups, 0, "posting-groups", "", "YAML file overriding VAT posting groups")
	postFlags.StringVar(&cfg.classifier, 0, "classifier", "static", "GL account classifier: static, gemini or ollama")
	postFlags.StringVar(&cfg.glAccount, 0, "gl-account", "622100", "GL account used by the static classifier and as fallback")
	postFlags.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	postFlags.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	postFlags.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	postFlags.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llama3.1", "Ollama model name")
	postFlags.StringVar(&cfg.redisAddr, 0, "redis-addr", "", "Redis address of a shared posted-invoice registry (optional)")
	postFlags.StringVar(&cfg.redisPassword, 0, "redis-password", "", "Redis password")
	postFlags.IntVar(&cfg.redisDB, 0, "redis-db", 0, "Redis database")
	postFlags.StringVar(&cfg.redisKey, 0, "redis-key", "", "Redis set holding posted vendor invoice numbers")
	postFlags.IntVar(&cfg.workers, 0, "workers", 1, "invoices posted in parallel")
	postFlags.StringVar(&cfg.reportXLSX, 0, "report-xlsx", "", "also write the run report to this XLSX file")

	serveFlags := ff.NewFlagSet("serve").SetParent(postFlags)
	serveFlags.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	serveFlags.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	serveFlags.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	serveFlags.IntVar(&cfg.reportDays, 0, "report-days", 7, "default report window in days")

	reportFlags := ff.NewFlagSet("report").SetParent(rootFlags)
	reportFlags.IntVar(&cfg.reportDays, 0, "days", 7, "report window in days")
	reportFlags.StringVar(&cfg.reportXLSX, 0, "xlsx", "", "also write the report to this XLSX file")

	runCmd := &ff.Command{
		Name:      "run",
		Usage:     "invoice-poster run [FLAGS] [PAYLOAD...]",
		ShortHelp: "post the invoices in the inbox, or the given QR payloads",
		Flags:     postFlags,
		Exec: func(ctx context.Context, args []string) error {
			return runOnce(ctx, &cfg, args, stdout)
		},
	}
	serveCmd := &ff.Command{
		Name:      "serve",
		Usage:     "invoice-poster serve [FLAGS]",
		ShortHelp: "accept scans over HTTP",
		Flags:     serveFlags,
		Exec: func(ctx context.Context, args []string) error {
			return serve(ctx, &cfg)
		},
	}
	reportCmd := &ff.Command{
		Name:      "report",
		Usage:     "invoice-poster report [FLAGS]",
		ShortHelp: "summarize the audit log",
		Flags:     reportFlags,
		Exec: func(ctx context.Context, args []string) error {
			return printReport(&cfg, stdout)
		},
	}
	versionCmd := &ff.Command{
		Name:      "version",
		ShortHelp: "print the version",
		Flags:     ff.NewFlagSet("version").SetParent(rootFlags),
		Exec: func(ctx context.Context, args []string) error {
			fmt.Fprintln(stdout, version)
			return nil
		},
	}
	root := &ff.Command{
		Name:        "invoice-poster",
		Usage:       "invoice-poster <SUBCOMMAND> [FLAGS]",
		ShortHelp:   "post QR-coded supplier invoices to the purchase ledger",
		Flags:       rootFlags,
		Subcommands: []*ff.Command{runCmd, serveCmd, reportCmd, versionCmd},
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	err := root.Parse(args,
		ff.WithEnvVarPrefix("INVOICE_POSTER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if errors.Is(err, ff.ErrHelp) {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		return nil
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		return err
	}

	if retryAttempts < 0 {
		return fmt.Errorf("retry-attempts must not be negative")
	}
	retry.MaxRetries = uint64(retryAttempts)
	cfg.ledger.Retry = retry

	if err := setupLogging(cfg.logLevel, stderr); err != nil {
		return err
	}

	err = root.Run(ctx)
	if errors.Is(err, ff.ErrHelp) {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		return nil
	}
	return err
}

func setupLogging(level string, w io.Writer) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runOnce processes the inbox (or the payloads given as arguments) and
// prints the report of this run
func runOnce(ctx context.Context, cfg *config, payloads []string, stdout io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	started := time.Now()
	var runErr error
	if len(payloads) > 0 {
		for i, payload := range payloads {
			attachment, err := a.intake.ProcessPayload(ctx, fmt.Sprintf("arg-%d", i+1), payload)
			if err != nil {
				runErr = err
				break
			}
			slog.Info("Payload processed", "status", attachment.Status, "document_no", attachment.DocumentNo)
		}
	} else {
		_, runErr = a.intake.ProcessInbox(ctx, a.inbox)
	}

	entries, err := a.audit.Since(started)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	summary := report.Summarize(entries)
	summary.From, summary.To = started, time.Now()
	if err := writeReport(summary, cfg.reportXLSX, stdout); err != nil {
		return err
	}

	return runErr
}

func serve(ctx context.Context, cfg *config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.NewServer(server.Config{
		Intake:     a.intake,
		Inbox:      a.job(),
		Report:     a.audit,
		ReportDays: cfg.reportDays,
		Auth:       server.BasicAuth{Username: cfg.authUser, Password: cfg.authPass},
	})
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	return srv.Start(ctx, fmt.Sprintf(":%d", cfg.port))
}

func printReport(cfg *config, stdout io.Writer) error {
	auditLog, err := openAudit(cfg.auditPath)
	if err != nil {
		return err
	}

	summary, err := report.Generate(auditLog, time.Now(), cfg.reportDays)
	if err != nil {
		return err
	}
	return writeReport(summary, cfg.reportXLSX, stdout)
}

func writeReport(summary report.Summary, xlsxPath string, stdout io.Writer) error {
	if err := summary.WriteText(stdout); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if xlsxPath != "" {
		if err := report.WriteXLSX(summary, xlsxPath); err != nil {
			return err
		}
		slog.Info("Report written", "path", xlsxPath)
	}
	return nil
}

func defaultStart(prefix string) string {
	return prefix + strings.TrimPrefix(numbering.DefaultStart, numbering.DefaultPrefix)
}
