package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/scan"
	"github.com/zombor/invoice-poster/internal/tax"
	"github.com/zombor/invoice-poster/internal/vendor"
)

const (
	reasonNoData         = "no data in QR payload"
	reasonVendorNotFound = "vendor not found"
)

// VendorSource returns the ledger vendor registry
type VendorSource interface {
	Vendors(ctx context.Context) ([]vendor.Vendor, error)
}

// Allocator issues document numbers
type Allocator interface {
	Allocate(ctx context.Context) (string, error)
}

// Classifier suggests a GL account for an invoice. It always returns an account.
type Classifier interface {
	Classify(ctx context.Context, vendorID, text string) string
}

// Recorder is told about every invoice whose header was posted
type Recorder interface {
	MarkPosted(ctx context.Context, vendorInvoiceNo string) error
}

// IDGenerator generates run ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Scan is one decoded QR payload and what is known about its attachment
type Scan struct {
	Payload string
	Source  scan.Source
	Text    string
}

// Outcome summarizes one pipeline run
type Outcome struct {
	RunID      string
	Empty      []scan.Source
	Unresolved []scan.Record
	Duplicates []vendor.Resolved
	Results    []Result
}

// Posted counts invoices whose header reached the ledger
func (o Outcome) Posted() int {
	n := 0
	for _, r := range o.Results {
		if r.HeaderPosted {
			n++
		}
	}
	return n
}

// Deps holds the collaborators of a Pipeline
type Deps struct {
	Vendors    VendorSource
	Ledger     Ledger
	Allocator  Allocator
	Splitter   *tax.Splitter
	Classifier Classifier
	Audit      audit.Logger
	Notifier   Notifier
	History    []dedupe.Source
	Live       []dedupe.Source
	Recorders  []Recorder
	Workers    int
}

// Pipeline turns scans into posted invoices
type Pipeline struct {
	vendors     VendorSource
	allocator   Allocator
	splitter    *tax.Splitter
	classifier  Classifier
	audit       audit.Logger
	notifier    Notifier
	poster      *Poster
	history     []dedupe.Source
	live        []dedupe.Source
	recorders   []Recorder
	workers     int
	idGenerator IDGenerator
	timeSource  TimeSource
}

// New creates a Pipeline with a uuid run id generator and the system clock
func New(d Deps) *Pipeline {
	return NewWithDeps(d, &uuidGenerator{}, &defaultTimeSource{})
}

// NewWithDeps creates a Pipeline with custom dependencies for testing
func NewWithDeps(d Deps, idGen IDGenerator, timeSrc TimeSource) *Pipeline {
	if d.Workers < 1 {
		d.Workers = 1
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{}
	}
	if d.Splitter == nil {
		d.Splitter = tax.NewSplitter()
	}
	return &Pipeline{
		vendors:     d.Vendors,
		allocator:   d.Allocator,
		splitter:    d.Splitter,
		classifier:  d.Classifier,
		audit:       d.Audit,
		notifier:    d.Notifier,
		poster:      NewPoster(d.Ledger, d.Audit),
		history:     d.History,
		live:        d.Live,
		recorders:   d.Recorders,
		workers:     d.Workers,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Run processes a batch of scans. Input defects and posting failures are
// reported in the outcome; the returned error is reserved for failures that
// abort the whole run (registries unreachable, counter unusable).
func (p *Pipeline) Run(ctx context.Context, scans []Scan) (Outcome, error) {
	out := Outcome{RunID: p.idGenerator.Generate()}
	log := slog.With("run_id", out.RunID)
	log.Info("Starting run", "scans", len(scans))

	records := make([]scan.Record, 0, len(scans))
	texts := make(map[string]string, len(scans))
	for _, s := range scans {
		rec := scan.Parse(s.Payload).WithSource(s.Source)
		if rec.Empty() {
			out.Empty = append(out.Empty, s.Source)
			p.reject(ctx, rec, reasonNoData)
			continue
		}
		records = append(records, rec)
		texts[s.Source.AttachmentID] = s.Text
	}
	if len(records) == 0 {
		log.Info("Nothing to post")
		return out, nil
	}

	vendors, err := p.vendors.Vendors(ctx)
	if err != nil {
		return out, fmt.Errorf("loading vendor registry: %w", err)
	}
	resolved, unresolved := vendor.Resolve(records, vendor.NewRegistry(vendors))
	out.Unresolved = unresolved
	for _, rec := range unresolved {
		p.reject(ctx, rec, reasonVendorNotFound)
	}
	if len(resolved) == 0 {
		return out, nil
	}

	historical, err := dedupe.Load(ctx, "history", p.history...)
	if err != nil {
		return out, err
	}
	live, err := dedupe.Load(ctx, "live", p.live...)
	if err != nil {
		return out, err
	}

	fresh, duplicates := dedupe.Detect(resolved, historical, live)
	fresh, repeated := claim(fresh)
	out.Duplicates = append(duplicates, repeated...)
	log.Info("Detected new invoices", "new", len(fresh), "duplicates", len(out.Duplicates), "unresolved", len(unresolved))

	postingDate := p.timeSource.Now().Format("2006-01-02")
	results := make([]Result, len(fresh))
	attempted := make([]bool, len(fresh))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, inv := range fresh {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := p.process(gctx, inv, texts[inv.Record.Source.AttachmentID], postingDate)
			if err != nil {
				if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
					return nil
				}
				return err
			}
			results[i] = res
			attempted[i] = true
			return nil
		})
	}
	err = g.Wait()

	for i, ok := range attempted {
		if ok {
			out.Results = append(out.Results, results[i])
		}
	}
	if err != nil {
		return out, err
	}
	if ctx.Err() != nil {
		log.Warn("Run interrupted", "posted", out.Posted(), "pending", len(fresh)-len(out.Results))
		return out, ctx.Err()
	}

	log.Info("Finished run", "posted", out.Posted(), "attempted", len(out.Results))
	return out, nil
}

// process allocates, classifies, splits and posts one invoice. Only an
// allocation failure is returned as an error. Cancellation of ctx is only
// observed before allocation; a numbered invoice is always posted in full.
func (p *Pipeline) process(ctx context.Context, inv vendor.Resolved, text, postingDate string) (Result, error) {
	key := dedupe.KeyOf(inv)

	documentNo, err := p.allocator.Allocate(ctx)
	if err != nil {
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)

	account := p.classifier.Classify(ctx, inv.VendorID, text)
	lines := p.splitter.Split(inv.Record, documentNo, inv.VendorID, account)

	res := p.poster.Post(ctx, Invoice{
		Key:             key,
		DocumentNo:      documentNo,
		VendorID:        inv.VendorID,
		VendorInvoiceNo: key.VendorInvoiceNo,
		DocumentDate:    NormalizeDate(inv.Record.DocumentDate),
		PostingDate:     postingDate,
		Lines:           lines,
	})
	res.Source = inv.Record.Source

	if res.HeaderPosted {
		for _, r := range p.recorders {
			if err := r.MarkPosted(ctx, key.VendorInvoiceNo); err != nil {
				slog.Error("Failed to record posted invoice", "vendor_invoice_no", key.VendorInvoiceNo, "error", err)
			}
		}
	}
	return res, nil
}

func (p *Pipeline) reject(ctx context.Context, rec scan.Record, reason string) {
	p.audit.Log(audit.Entry{
		VendorNo:        strings.TrimSpace(rec.VendorTaxID),
		VendorInvoiceNo: strings.TrimSpace(rec.VendorInvoiceNo),
		Status:          audit.StatusFailure,
		Error:           reason,
	})
	if err := p.notifier.Notify(ctx, Notice{Source: rec.Source, Record: rec, Reason: reason}); err != nil {
		slog.Error("Failed to send notice", "reason", reason, "attachment", rec.Source.Name, "error", err)
	}
}

// claim keeps the first occurrence of every invoice key in the batch.
// Records without a vendor invoice number cannot be matched and are all kept.
func claim(candidates []vendor.Resolved) (fresh, repeated []vendor.Resolved) {
	seen := make(map[dedupe.Key]bool, len(candidates))

	for _, c := range candidates {
		key := dedupe.KeyOf(c)
		if key.VendorInvoiceNo == "" {
			fresh = append(fresh, c)
			continue
		}
		dup := seen[key]
		seen[key] = true
		if dup {
			slog.Info("Duplicate invoice in batch skipped", "vendor_id", c.VendorID, "vendor_invoice_no", key.VendorInvoiceNo, "attachment", c.Record.Source.Name)
			repeated = append(repeated, c)
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, repeated
}

// NormalizeDate turns YYYYMMDD into YYYY-MM-DD. Other values pass through trimmed.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return s
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02")
}
