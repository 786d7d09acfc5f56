package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/extract"
	"github.com/zombor/invoice-poster/internal/inbox"
	"github.com/zombor/invoice-poster/internal/pipeline"
	"github.com/zombor/invoice-poster/internal/scan"
	"github.com/zombor/invoice-poster/internal/storage"
	"github.com/zombor/invoice-poster/internal/store"
)

const (
	reasonNoQR      = "no QR code found"
	reasonNoOutcome = "not processed"
)

// ContentTypePayload marks attachments submitted as a raw QR payload
const ContentTypePayload = "text/plain"

// InputError reports a submission that cannot be processed as sent
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

// DB is the attachment side of the local state store
type DB interface {
	SaveAttachment(attachment *store.Attachment) error
	GetAttachment(id string) (*store.Attachment, error)
	ListAttachments() ([]*store.Attachment, error)
	DeleteAttachment(id string) error
}

// Runner runs the posting pipeline over a batch of scans
type Runner interface {
	Run(ctx context.Context, scans []pipeline.Scan) (pipeline.Outcome, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Batch is what one intake pass did
type Batch struct {
	Outcome     pipeline.Outcome
	Attachments []*store.Attachment
	Skipped     int
}

// Service turns attachments into pipeline scans and remembers what became
// of each one
type Service struct {
	runMu      sync.Mutex
	db         DB
	extractor  extract.Extractor
	runner     Runner
	archive    storage.Storage
	audit      audit.Logger
	notifier   pipeline.Notifier
	timeSource TimeSource
}

// NewService creates a new Service with the system clock
func NewService(db DB, extractor extract.Extractor, runner Runner, archive storage.Storage, auditLog audit.Logger, notifier pipeline.Notifier) *Service {
	return NewServiceWithDeps(db, extractor, runner, archive, auditLog, notifier, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, extractor extract.Extractor, runner Runner, archive storage.Storage, auditLog audit.Logger, notifier pipeline.Notifier, timeSrc TimeSource) *Service {
	if notifier == nil {
		notifier = pipeline.LogNotifier{}
	}
	return &Service{
		db:         db,
		extractor:  extractor,
		runner:     runner,
		archive:    archive,
		audit:      auditLog,
		notifier:   notifier,
		timeSource: timeSrc,
	}
}

// item is one attachment moving through a pass
type item struct {
	attachment *store.Attachment
	data       []byte
	text       string
	fromInbox  bool
}

// ProcessInbox handles every pending attachment of src. Attachments already
// recorded are skipped unless their last attempt failed. Handled files are
// archived and removed from the inbox. Failed files, and files whose outcome
// is unknown because the run aborted, stay for the next pass.
func (s *Service) ProcessInbox(ctx context.Context, src inbox.Source) (Batch, error) {
	files, err := src.List(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("listing inbox: %w", err)
	}

	var (
		batch Batch
		items []*item
	)
	for _, f := range files {
		id := Hash(f.Data)
		if s.alreadyProcessed(id) {
			slog.Info("Skipping processed attachment", "name", f.Name, "id", id)
			batch.Skipped++
			if err := src.Remove(ctx, f.Name); err != nil {
				slog.Warn("Failed to remove processed attachment", "name", f.Name, "error", err)
			}
			continue
		}
		items = append(items, &item{
			attachment: &store.Attachment{ID: id, Name: f.Name, ContentType: f.ContentType},
			data:       f.Data,
			fromInbox:  true,
		})
	}

	done, outcome, runErr := s.process(ctx, items)
	batch.Outcome = outcome

	for _, it := range done {
		if !s.finish(ctx, it) {
			continue
		}
		batch.Attachments = append(batch.Attachments, it.attachment)
		if it.fromInbox && it.attachment.Status != store.AttachmentFailed {
			if err := src.Remove(ctx, it.attachment.Name); err != nil {
				slog.Warn("Failed to remove attachment from inbox", "name", it.attachment.Name, "error", err)
			}
		}
	}

	slog.Info("Processed inbox", "attachments", len(batch.Attachments), "skipped", batch.Skipped, "posted", outcome.Posted())
	return batch, runErr
}

// Job processes one inbox with a Service
type Job struct {
	Service *Service
	Source  inbox.Source
}

// RunInbox processes the job's inbox once
func (j Job) RunInbox(ctx context.Context) (Batch, error) {
	return j.Service.ProcessInbox(ctx, j.Source)
}

// ProcessUpload handles a single uploaded attachment
func (s *Service) ProcessUpload(ctx context.Context, name string, data []byte, contentType string) (*store.Attachment, error) {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = extract.DetectContentType(name, data)
	}
	contentType = extract.NormalizeContentType(contentType)
	if !extract.Supported(contentType) {
		return nil, &InputError{Err: fmt.Errorf("unsupported content type %q", contentType)}
	}

	it := &item{
		attachment: &store.Attachment{ID: Hash(data), Name: name, ContentType: contentType},
		data:       data,
	}
	return s.single(ctx, it)
}

// ProcessPayload runs a raw QR payload through the pipeline
func (s *Service) ProcessPayload(ctx context.Context, name, payload string) (*store.Attachment, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, &InputError{Err: errors.New("payload is required")}
	}
	if name == "" {
		name = "payload"
	}

	it := &item{
		attachment: &store.Attachment{ID: Hash([]byte(payload)), Name: name, ContentType: ContentTypePayload, Payload: payload},
	}
	return s.single(ctx, it)
}

func (s *Service) single(ctx context.Context, it *item) (*store.Attachment, error) {
	if existing, err := s.db.GetAttachment(it.attachment.ID); err == nil && existing.Status != store.AttachmentFailed {
		slog.Info("Attachment already processed", "name", it.attachment.Name, "id", it.attachment.ID, "status", existing.Status)
		return existing, nil
	}

	done, _, err := s.process(ctx, []*item{it})
	if err != nil {
		return nil, err
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("processing %s: %s", it.attachment.Name, reasonNoOutcome)
	}
	s.finish(ctx, done[0])
	return done[0].attachment, nil
}

func (s *Service) alreadyProcessed(id string) bool {
	existing, err := s.db.GetAttachment(id)
	if err != nil {
		return false
	}
	return existing.Status != store.AttachmentFailed
}

// process extracts payloads, runs the pipeline once for the whole batch and
// maps the outcome back onto the items. It returns the items whose outcome is
// known.
func (s *Service) process(ctx context.Context, items []*item) ([]*item, pipeline.Outcome, error) {
	byID := make(map[string]*item, len(items))
	var (
		done  []*item
		scans []pipeline.Scan
	)

	for _, it := range items {
		a := it.attachment
		if _, seen := byID[a.ID]; seen {
			slog.Info("Skipping repeated attachment", "name", a.Name, "id", a.ID)
			continue
		}
		byID[a.ID] = it

		if a.Payload == "" {
			extraction, err := s.extractor.Extract(ctx, it.data, a.ContentType)
			if err != nil {
				reason := reasonNoQR
				if !errors.Is(err, extract.ErrNoQR) {
					reason = fmt.Sprintf("extracting QR code: %v", err)
				}
				s.reject(ctx, a, reason)
				a.Status = store.AttachmentNoQR
				a.Error = reason
				done = append(done, it)
				continue
			}
			a.Payload = extraction.Payload
			it.text = extraction.Text
		}

		scans = append(scans, pipeline.Scan{
			Payload: a.Payload,
			Source:  scan.Source{AttachmentID: a.ID, Name: a.Name},
			Text:    it.text,
		})
	}

	if len(scans) == 0 {
		return done, pipeline.Outcome{}, nil
	}

	s.runMu.Lock()
	outcome, runErr := s.runner.Run(ctx, scans)
	s.runMu.Unlock()

	settle := func(src scan.Source, status store.AttachmentStatus, fn func(a *store.Attachment)) {
		it, ok := byID[src.AttachmentID]
		if !ok || it.attachment.Status != "" {
			return
		}
		it.attachment.Status = status
		if fn != nil {
			fn(it.attachment)
		}
		done = append(done, it)
	}

	for _, src := range outcome.Empty {
		settle(src, store.AttachmentFailed, func(a *store.Attachment) { a.Error = "no data in QR payload" })
	}
	for _, rec := range outcome.Unresolved {
		settle(rec.Source, store.AttachmentFailed, func(a *store.Attachment) {
			a.VendorInvoiceNo = strings.TrimSpace(rec.VendorInvoiceNo)
			a.Error = "vendor not found"
		})
	}
	for _, dup := range outcome.Duplicates {
		settle(dup.Record.Source, store.AttachmentDuplicate, func(a *store.Attachment) {
			a.VendorInvoiceNo = strings.TrimSpace(dup.Record.VendorInvoiceNo)
		})
	}
	for _, res := range outcome.Results {
		status := store.AttachmentPosted
		if res.Status != pipeline.StatusSuccess {
			status = store.AttachmentFailed
		}
		settle(res.Source, status, func(a *store.Attachment) {
			a.DocumentNo = res.DocumentNo
			a.VendorInvoiceNo = res.Key.VendorInvoiceNo
			if res.Err != nil {
				a.Error = res.Err.Error()
			}
		})
	}

	return done, outcome, runErr
}

// finish archives the attachment and records it. It reports whether the
// attachment was recorded.
func (s *Service) finish(ctx context.Context, it *item) bool {
	a := it.attachment
	a.ProcessedAt = s.timeSource.Now()

	// failed inbox files stay in the inbox and are archived once settled
	if len(it.data) > 0 && !(it.fromInbox && a.Status == store.AttachmentFailed) {
		key := archiveKey(a.ProcessedAt, a.ID, a.Name)
		savedPath, err := s.archive.Save(ctx, key, it.data)
		if err != nil {
			slog.Error("Failed to archive attachment", "name", a.Name, "error", err)
			return false
		}
		a.ArchivePath = savedPath
	}

	if err := s.db.SaveAttachment(a); err != nil {
		slog.Error("Failed to record attachment", "name", a.Name, "error", err)
		if a.ArchivePath != "" {
			if err := s.archive.Delete(ctx, a.ArchivePath); err != nil {
				slog.Warn("Failed to delete archived file", "path", a.ArchivePath, "error", err)
			}
		}
		return false
	}

	slog.Info("Attachment processed", "name", a.Name, "status", a.Status, "document_no", a.DocumentNo)
	return true
}

func (s *Service) reject(ctx context.Context, a *store.Attachment, reason string) {
	s.audit.Log(audit.Entry{
		VendorInvoiceNo: a.Name,
		Status:          audit.StatusFailure,
		Error:           reason,
	})
	if err := s.notifier.Notify(ctx, pipeline.Notice{
		Source: scan.Source{AttachmentID: a.ID, Name: a.Name},
		Reason: reason,
	}); err != nil {
		slog.Error("Failed to send notice", "reason", reason, "attachment", a.Name, "error", err)
	}
}

// ListAttachments returns all processed attachments
func (s *Service) ListAttachments() ([]*store.Attachment, error) {
	attachments, err := s.db.ListAttachments()
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment retrieves a processed attachment by ID
func (s *Service) GetAttachment(id string) (*store.Attachment, error) {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, fmt.Errorf("getting attachment: %w", err)
	}
	return attachment, nil
}

// GetAttachmentFile retrieves the archived file of an attachment
func (s *Service) GetAttachmentFile(ctx context.Context, id string) ([]byte, string, error) {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting attachment: %w", err)
	}
	if attachment.ArchivePath == "" {
		return nil, "", fmt.Errorf("attachment %s has no archived file: %w", id, store.ErrNotFound)
	}

	data, err := s.archive.Get(ctx, attachment.ArchivePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting attachment file: %w", err)
	}
	return data, attachment.ContentType, nil
}

// DeleteAttachment forgets an attachment and its archived file so the same
// content is processed again next time
func (s *Service) DeleteAttachment(ctx context.Context, id string) error {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return fmt.Errorf("getting attachment for deletion: %w", err)
	}

	if attachment.ArchivePath != "" {
		if err := s.archive.Delete(ctx, attachment.ArchivePath); err != nil {
			slog.Warn("Failed to delete archived file", "path", attachment.ArchivePath, "error", err)
		}
	}

	if err := s.db.DeleteAttachment(id); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}

// Hash identifies an attachment by content
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename removes special characters and truncates long names
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaces.ReplaceAllString(base, " "))
	base = strings.ReplaceAll(base, " ", "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "attachment"
	}
	if ext = unsafeChars.ReplaceAllString(strings.TrimPrefix(ext, "."), ""); ext != "" {
		ext = "." + ext
	}
	return base + ext
}

func archiveKey(at time.Time, id, name string) string {
	short := id
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s/%s_%s", at.Format("2006/01"), short, sanitizeFilename(name))
}
