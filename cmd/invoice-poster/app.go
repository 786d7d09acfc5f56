package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/classify"
	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/extract"
	"github.com/zombor/invoice-poster/internal/inbox"
	"github.com/zombor/invoice-poster/internal/intake"
	"github.com/zombor/invoice-poster/internal/ledger"
	"github.com/zombor/invoice-poster/internal/numbering"
	"github.com/zombor/invoice-poster/internal/pipeline"
	"github.com/zombor/invoice-poster/internal/storage"
	"github.com/zombor/invoice-poster/internal/store"
	"github.com/zombor/invoice-poster/internal/tax"
)

// app holds the wired collaborators of a posting command
type app struct {
	intake  *intake.Service
	inbox   *inbox.Dir
	audit   *audit.CSVLog
	closers []func() error
}

func (a *app) job() intake.Job {
	return intake.Job{Service: a.intake, Source: a.inbox}
}

// Close releases everything in reverse order of opening
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Error during shutdown", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config) (*app, error) {
	a := &app{}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	slog.Info("Initializing database...", "path", cfg.dbPath)
	if dir := filepath.Dir(cfg.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := store.NewBoltDB(cfg.dbPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	start := cfg.invoiceStart
	if start == "" {
		start = defaultStart(cfg.invoicePrefix)
	}
	allocator, err := numbering.NewAllocator(db, cfg.invoicePrefix, start)
	if err != nil {
		return nil, err
	}
	if err := allocator.Init(); err != nil {
		return nil, err
	}

	auditLog, err := openAudit(cfg.auditPath)
	if err != nil {
		return nil, err
	}
	a.audit = auditLog

	client, err := ledger.NewClient(cfg.ledger)
	if err != nil {
		return nil, err
	}

	splitter, err := newSplitter(cfg)
	if err != nil {
		return nil, err
	}

	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := classifier.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	live := []dedupe.Source{client.Live(), a.audit}
	var recorders []pipeline.Recorder
	if cfg.redisAddr != "" {
		slog.Info("Connecting to Redis...", "addr", cfg.redisAddr)
		registry, err := dedupe.NewRedisSet(dedupe.RedisConfig{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
			Key:      cfg.redisKey,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, registry.Close)
		live = append(live, registry)
		recorders = append(recorders, registry)
	}

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dir, err := inbox.NewDir(cfg.inboxPath)
	if err != nil {
		return nil, err
	}
	a.inbox = dir

	notifier := pipeline.LogNotifier{}
	p := pipeline.New(pipeline.Deps{
		Vendors:    client,
		Ledger:     client,
		Allocator:  allocator,
		Splitter:   splitter,
		Classifier: classifier,
		Audit:      a.audit,
		Notifier:   notifier,
		History:    []dedupe.Source{client.History()},
		Live:       live,
		Recorders:  recorders,
		Workers:    cfg.workers,
	})

	a.intake = intake.NewService(db, extract.NewQRExtractor(), p, archive, a.audit, notifier)
	ready = true
	return a, nil
}

func openAudit(path string) (*audit.CSVLog, error) {
	auditLog, err := audit.NewCSVLog(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return auditLog, nil
}

func newSplitter(cfg *config) (*tax.Splitter, error) {
	table := tax.DefaultTable()
	if cfg.postingGroups != "" {
		var err error
		table, err = tax.LoadTable(cfg.postingGroups)
		if err != nil {
			return nil, err
		}
		slog.Info("Loaded posting groups", "path", cfg.postingGroups, "groups", len(table))
	}
	return tax.NewSplitter(
		tax.WithTable(table),
		tax.WithWithholding(cfg.withholdingCode, cfg.withholdingExempt),
	), nil
}

func newClassifier(cfg *config) (pipeline.Classifier, error) {
	switch cfg.classifier {
	case "static":
		return classify.Static{Account: cfg.glAccount}, nil
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		slog.Info("Initializing Gemini classifier...", "model", cfg.geminiModel)
		model, err := classify.NewGemini(apiKey, cfg.geminiModel)
		if err != nil {
			return nil, err
		}
		return classify.NewSuggester(model, cfg.glAccount), nil
	case "ollama":
		slog.Info("Initializing Ollama classifier...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		model, err := classify.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, err
		}
		return classify.NewSuggester(model, cfg.glAccount), nil
	default:
		return nil, fmt.Errorf("invalid classifier %q, valid: static, gemini or ollama", cfg.classifier)
	}
}

func newArchive(ctx context.Context, cfg *config) (storage.Storage, error) {
	if cfg.archiveBucket != "" {
		slog.Info("Initializing S3 archive...", "bucket", cfg.archiveBucket, "endpoint", cfg.archiveEndpoint)
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:    cfg.archiveBucket,
			Region:    cfg.archiveRegion,
			Endpoint:  cfg.archiveEndpoint,
			AccessKey: cfg.archiveAccessKey,
			SecretKey: cfg.archiveSecretKey,
		})
	}
	slog.Info("Initializing archive...", "path", cfg.archivePath)
	return storage.NewLocalStorage(cfg.archivePath)
}
