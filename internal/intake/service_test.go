package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/extract"
	"github.com/zombor/invoice-poster/internal/inbox"
	"github.com/zombor/invoice-poster/internal/pipeline"
	"github.com/zombor/invoice-poster/internal/scan"
	"github.com/zombor/invoice-poster/internal/store"
	"github.com/zombor/invoice-poster/internal/vendor"
)

func TestIntake(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Intake Suite")
}

// mockDB is a mock implementation of DB
type mockDB struct {
	attachments map[string]*store.Attachment
	saveErr     error
	listErr     error
}

func newMockDB() *mockDB {
	return &mockDB{attachments: make(map[string]*store.Attachment)}
}

func (m *mockDB) SaveAttachment(a *store.Attachment) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.attachments[a.ID] = a
	return nil
}

func (m *mockDB) GetAttachment(id string) (*store.Attachment, error) {
	a, ok := m.attachments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *mockDB) ListAttachments() ([]*store.Attachment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*store.Attachment, 0, len(m.attachments))
	for _, a := range m.attachments {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockDB) DeleteAttachment(id string) error {
	delete(m.attachments, id)
	return nil
}

// mockExtractor returns the payload registered for the attachment content
type mockExtractor struct {
	payloads map[string]string
	err      error
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, contentType string) (*extract.Extraction, error) {
	if m.err != nil {
		return nil, m.err
	}
	payload, ok := m.payloads[string(data)]
	if !ok {
		return &extract.Extraction{Text: "no code here"}, extract.ErrNoQR
	}
	return &extract.Extraction{Payload: payload, Page: 1, Text: "ACME LDA"}, nil
}

// mockRunner posts every scan unless told otherwise
type mockRunner struct {
	scans     []pipeline.Scan
	outcomeFn func(scans []pipeline.Scan) pipeline.Outcome
	err       error
}

func (m *mockRunner) Run(ctx context.Context, scans []pipeline.Scan) (pipeline.Outcome, error) {
	m.scans = append(m.scans, scans...)
	if m.outcomeFn != nil {
		return m.outcomeFn(scans), m.err
	}
	out := pipeline.Outcome{RunID: "run-1"}
	for i, s := range scans {
		rec := scan.Parse(s.Payload)
		out.Results = append(out.Results, pipeline.Result{
			Key:          dedupe.Key{VendorTaxID: rec.VendorTaxID, VendorInvoiceNo: rec.VendorInvoiceNo},
			Source:       s.Source,
			DocumentNo:   fmt.Sprintf("FCA%03d", i+1),
			Status:       pipeline.StatusSuccess,
			HeaderPosted: true,
		})
	}
	return out, m.err
}

// mockStorage is an in-memory storage.Storage
type mockStorage struct {
	files   map[string][]byte
	saveErr error
}

func newMockStorage() *mockStorage {
	return &mockStorage{files: make(map[string][]byte)}
}

func (m *mockStorage) Save(ctx context.Context, key string, data []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.files[key] = data
	return key, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (m *mockStorage) Delete(ctx context.Context, key string) error {
	delete(m.files, key)
	return nil
}

// mockInbox is an in-memory inbox.Source
type mockInbox struct {
	files   []inbox.File
	removed []string
	listErr error
}

func (m *mockInbox) List(ctx context.Context) ([]inbox.File, error) {
	return m.files, m.listErr
}

func (m *mockInbox) Remove(ctx context.Context, name string) error {
	m.removed = append(m.removed, name)
	return nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Log(e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

type mockNotifier struct {
	notices []pipeline.Notice
}

func (m *mockNotifier) Notify(ctx context.Context, n pipeline.Notice) error {
	m.notices = append(m.notices, n)
	return nil
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

const (
	payloadA = "A:123456789*F:20250518*G:INV-001*I7:100,00*I8:23,00*"
	payloadB = "A:500100200*F:20250519*G:INV-002*I2:50,00*"
)

var _ = Describe("Service", func() {
	var (
		db        *mockDB
		extractor *mockExtractor
		runner    *mockRunner
		archive   *mockStorage
		auditLog  *memoryAudit
		notifier  *mockNotifier
		service   *Service
		ctx       context.Context
	)

	BeforeEach(func() {
		db = newMockDB()
		extractor = &mockExtractor{payloads: map[string]string{
			"pdf-a": payloadA,
			"pdf-b": payloadB,
		}}
		runner = &mockRunner{}
		archive = newMockStorage()
		auditLog = &memoryAudit{}
		notifier = &mockNotifier{}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, extractor, runner, archive, auditLog, notifier,
			fixedClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)})
	})

	Describe("ProcessInbox", func() {
		var (
			src   *mockInbox
			batch Batch
			err   error
		)

		BeforeEach(func() {
			src = &mockInbox{files: []inbox.File{
				{Name: "Fatura ACME (1).pdf", ContentType: "application/pdf", Data: []byte("pdf-a")},
				{Name: "photo.jpg", ContentType: "image/jpeg", Data: []byte("blurry")},
			}}
		})

		JustBeforeEach(func() {
			batch, err = service.ProcessInbox(ctx, src)
		})

		When("one attachment has a QR code and one does not", func() {
			It("should run the pipeline once with the decoded payload", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(runner.scans).To(HaveLen(1))
				Expect(runner.scans[0].Payload).To(Equal(payloadA))
				Expect(runner.scans[0].Text).To(Equal("ACME LDA"))
				Expect(runner.scans[0].Source.AttachmentID).To(Equal(Hash([]byte("pdf-a"))))
			})

			It("should record both attachments", func() {
				Expect(batch.Attachments).To(HaveLen(2))

				posted := db.attachments[Hash([]byte("pdf-a"))]
				Expect(posted.Status).To(Equal(store.AttachmentPosted))
				Expect(posted.DocumentNo).To(Equal("FCA001"))
				Expect(posted.VendorInvoiceNo).To(Equal("INV-001"))
				Expect(posted.ProcessedAt).To(Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))

				noQR := db.attachments[Hash([]byte("blurry"))]
				Expect(noQR.Status).To(Equal(store.AttachmentNoQR))
				Expect(noQR.Error).To(Equal("no QR code found"))
			})

			It("should archive under a dated, sanitized key", func() {
				posted := db.attachments[Hash([]byte("pdf-a"))]
				Expect(posted.ArchivePath).To(Equal("2025/06/" + Hash([]byte("pdf-a"))[:12] + "_Fatura_ACME_1.pdf"))
				Expect(archive.files).To(HaveKeyWithValue(posted.ArchivePath, []byte("pdf-a")))
			})

			It("should clear the inbox", func() {
				Expect(src.removed).To(ConsistOf("Fatura ACME (1).pdf", "photo.jpg"))
			})

			It("should report the missing QR code", func() {
				Expect(auditLog.entries).To(HaveLen(1))
				Expect(auditLog.entries[0].Status).To(Equal(audit.StatusFailure))
				Expect(auditLog.entries[0].Error).To(Equal("no QR code found"))
				Expect(auditLog.entries[0].VendorInvoiceNo).To(Equal("photo.jpg"))
				Expect(notifier.notices).To(HaveLen(1))
				Expect(notifier.notices[0].Source.Name).To(Equal("photo.jpg"))
			})
		})

		When("an attachment was processed before", func() {
			BeforeEach(func() {
				id := Hash([]byte("pdf-a"))
				db.attachments[id] = &store.Attachment{ID: id, Status: store.AttachmentPosted}
			})

			It("should skip it and remove it from the inbox", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(batch.Skipped).To(Equal(1))
				Expect(runner.scans).To(BeEmpty())
				Expect(src.removed).To(ContainElement("Fatura ACME (1).pdf"))
			})
		})

		When("an attachment failed before", func() {
			BeforeEach(func() {
				id := Hash([]byte("pdf-a"))
				db.attachments[id] = &store.Attachment{ID: id, Status: store.AttachmentFailed, Error: "ledger unavailable"}
			})

			It("should try it again", func() {
				Expect(batch.Skipped).To(Equal(0))
				Expect(runner.scans).To(HaveLen(1))
				Expect(db.attachments[Hash([]byte("pdf-a"))].Status).To(Equal(store.AttachmentPosted))
				Expect(db.attachments[Hash([]byte("pdf-a"))].Error).To(BeEmpty())
			})
		})

		When("the same file is in the inbox twice", func() {
			BeforeEach(func() {
				src.files = []inbox.File{
					{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("pdf-a")},
					{Name: "a copy.pdf", ContentType: "application/pdf", Data: []byte("pdf-a")},
				}
			})

			It("should only scan it once", func() {
				Expect(runner.scans).To(HaveLen(1))
				Expect(src.removed).To(ConsistOf("a.pdf"))
			})
		})

		When("the pipeline reports duplicates and failures", func() {
			BeforeEach(func() {
				src.files = []inbox.File{
					{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("pdf-a")},
					{Name: "b.pdf", ContentType: "application/pdf", Data: []byte("pdf-b")},
				}
				runner.outcomeFn = func(scans []pipeline.Scan) pipeline.Outcome {
					return pipeline.Outcome{
						Duplicates: []vendor.Resolved{{Record: scan.Parse(scans[0].Payload).WithSource(scans[0].Source)}},
						Results: []pipeline.Result{{
							Source:     scans[1].Source,
							Key:        dedupe.Key{VendorInvoiceNo: "INV-002"},
							DocumentNo: "FCA009",
							Status:     pipeline.StatusRetryableFailure,
							Err:        errors.New("ledger unavailable"),
						}},
					}
				}
			})

			It("should record each status", func() {
				dup := db.attachments[Hash([]byte("pdf-a"))]
				Expect(dup.Status).To(Equal(store.AttachmentDuplicate))
				Expect(dup.VendorInvoiceNo).To(Equal("INV-001"))

				failed := db.attachments[Hash([]byte("pdf-b"))]
				Expect(failed.Status).To(Equal(store.AttachmentFailed))
				Expect(failed.DocumentNo).To(Equal("FCA009"))
				Expect(failed.Error).To(Equal("ledger unavailable"))
			})

			It("should keep the failed file in the inbox unarchived", func() {
				Expect(src.removed).To(ConsistOf("a.pdf"))
				Expect(db.attachments[Hash([]byte("pdf-b"))].ArchivePath).To(BeEmpty())
				Expect(archive.files).To(HaveLen(1))
			})
		})

		When("the run aborts", func() {
			BeforeEach(func() {
				src.files = []inbox.File{
					{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("pdf-a")},
				}
				runner.outcomeFn = func(scans []pipeline.Scan) pipeline.Outcome {
					return pipeline.Outcome{RunID: "run-1"}
				}
				runner.err = errors.New("loading vendor registry: connection refused")
			})

			It("should return the error and leave the file in the inbox", func() {
				Expect(err).To(MatchError(ContainSubstring("connection refused")))
				Expect(db.attachments).To(BeEmpty())
				Expect(src.removed).To(BeEmpty())
			})
		})

		When("archiving fails", func() {
			BeforeEach(func() {
				archive.saveErr = errors.New("disk full")
			})

			It("should not record or remove the attachment", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(db.attachments).To(BeEmpty())
				Expect(src.removed).To(BeEmpty())
			})
		})

		When("the inbox cannot be listed", func() {
			BeforeEach(func() {
				src.listErr = errors.New("permission denied")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError("listing inbox: permission denied"))
				Expect(runner.scans).To(BeEmpty())
			})
		})
	})

	Describe("ProcessPayload", func() {
		It("should post the payload without archiving", func() {
			a, err := service.ProcessPayload(ctx, "", payloadA)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Name).To(Equal("payload"))
			Expect(a.ContentType).To(Equal(ContentTypePayload))
			Expect(a.Status).To(Equal(store.AttachmentPosted))
			Expect(a.ArchivePath).To(BeEmpty())
			Expect(archive.files).To(BeEmpty())
			Expect(db.attachments).To(HaveKey(Hash([]byte(payloadA))))
		})

		It("should return the stored attachment on resubmission", func() {
			_, err := service.ProcessPayload(ctx, "first", payloadA)
			Expect(err).NotTo(HaveOccurred())

			a, err := service.ProcessPayload(ctx, "second", payloadA)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Name).To(Equal("first"))
			Expect(runner.scans).To(HaveLen(1))
		})

		It("should require a payload", func() {
			_, err := service.ProcessPayload(ctx, "x", "  ")
			Expect(err).To(MatchError("payload is required"))
			var inputErr *InputError
			Expect(errors.As(err, &inputErr)).To(BeTrue())
		})

		When("the run aborts", func() {
			BeforeEach(func() {
				runner.outcomeFn = func([]pipeline.Scan) pipeline.Outcome { return pipeline.Outcome{} }
				runner.err = errors.New("counter corrupt")
			})

			It("returns the error", func() {
				_, err := service.ProcessPayload(ctx, "x", payloadA)
				Expect(err).To(MatchError("counter corrupt"))
				var inputErr *InputError
				Expect(errors.As(err, &inputErr)).To(BeFalse())
				Expect(db.attachments).To(BeEmpty())
			})
		})
	})

	Describe("ProcessUpload", func() {
		It("should detect the content type and post the attachment", func() {
			a, err := service.ProcessUpload(ctx, "invoice.pdf", []byte("pdf-b"), "")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.ContentType).To(Equal("application/pdf"))
			Expect(a.Status).To(Equal(store.AttachmentPosted))
			Expect(a.ArchivePath).NotTo(BeEmpty())
		})

		It("should reject unsupported files", func() {
			_, err := service.ProcessUpload(ctx, "notes.txt", []byte("hello"), "text/plain")
			Expect(err).To(MatchError(ContainSubstring("unsupported content type")))
			var inputErr *InputError
			Expect(errors.As(err, &inputErr)).To(BeTrue())
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				extractor.err = errors.New("corrupt pdf")
			})

			It("should record the attachment as having no QR code", func() {
				a, err := service.ProcessUpload(ctx, "invoice.pdf", []byte("pdf-b"), "application/pdf")
				Expect(err).NotTo(HaveOccurred())
				Expect(a.Status).To(Equal(store.AttachmentNoQR))
				Expect(a.Error).To(Equal("extracting QR code: corrupt pdf"))
				Expect(runner.scans).To(BeEmpty())
			})
		})
	})

	Describe("attachment lookups", func() {
		var id string

		JustBeforeEach(func() {
			a, err := service.ProcessUpload(ctx, "invoice.pdf", []byte("pdf-a"), "application/pdf")
			Expect(err).NotTo(HaveOccurred())
			id = a.ID
		})

		It("should return the archived file", func() {
			data, contentType, err := service.GetAttachmentFile(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("pdf-a"))
			Expect(contentType).To(Equal("application/pdf"))
		})

		It("should list attachments", func() {
			attachments, err := service.ListAttachments()
			Expect(err).NotTo(HaveOccurred())
			Expect(attachments).To(HaveLen(1))
		})

		It("should forget an attachment and its file", func() {
			Expect(service.DeleteAttachment(ctx, id)).To(Succeed())
			Expect(db.attachments).To(BeEmpty())
			Expect(archive.files).To(BeEmpty())

			_, err := service.GetAttachment(id)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})
})

var _ = DescribeTable("sanitizeFilename",
	func(in, expected string) {
		Expect(sanitizeFilename(in)).To(Equal(expected))
	},
	Entry("plain", "invoice.pdf", "invoice.pdf"),
	Entry("spaces and symbols", "Fatura #12 (copy).PDF", "Fatura_12_copy.pdf"),
	Entry("nothing left", "###.jpg", "attachment.jpg"),
	Entry("path parts", "../../etc/passwd", "passwd"),
	Entry("long names", "a123456789a123456789a123456789a123456789a123456789XYZ.pdf", "a123456789a123456789a123456789a123456789a123456789.pdf"),
)

var _ = Describe("Job", func() {
	It("should process its inbox", func() {
		db := newMockDB()
		runner := &mockRunner{}
		service := NewService(db, &mockExtractor{payloads: map[string]string{"pdf-a": payloadA}}, runner, newMockStorage(), &memoryAudit{}, nil)
		src := &mockInbox{files: []inbox.File{{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("pdf-a")}}}

		batch, err := Job{Service: service, Source: src}.RunInbox(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(batch.Outcome.Posted()).To(Equal(1))
		Expect(src.removed).To(ConsistOf("a.pdf"))
	})
})

var _ = Describe("retrying a failed inbox file", func() {
	var (
		dir     string
		src     *inbox.Dir
		db      *mockDB
		runner  *mockRunner
		archive *mockStorage
		service *Service
		id      string
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("pdf-a"), 0644)).To(Succeed())

		var err error
		src, err = inbox.NewDir(dir)
		Expect(err).NotTo(HaveOccurred())

		db = newMockDB()
		archive = newMockStorage()
		runner = &mockRunner{outcomeFn: func(scans []pipeline.Scan) pipeline.Outcome {
			return pipeline.Outcome{Results: []pipeline.Result{{
				Source:     scans[0].Source,
				Key:        dedupe.Key{VendorInvoiceNo: "INV-001"},
				DocumentNo: "FCA001",
				Status:     pipeline.StatusRetryableFailure,
				Err:        errors.New("posting header: 503 Service Unavailable"),
			}}}
		}}
		service = NewService(db, &mockExtractor{payloads: map[string]string{"pdf-a": payloadA}}, runner, archive, &memoryAudit{}, nil)
		id = Hash([]byte("pdf-a"))
	})

	It("should post it on the next pass", func() {
		_, err := service.ProcessInbox(context.Background(), src)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.attachments[id].Status).To(Equal(store.AttachmentFailed))
		Expect(filepath.Join(dir, "a.pdf")).To(BeAnExistingFile())
		Expect(archive.files).To(BeEmpty())

		runner.outcomeFn = nil
		batch, err := service.ProcessInbox(context.Background(), src)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.scans).To(HaveLen(2))
		Expect(batch.Attachments).To(HaveLen(1))
		Expect(db.attachments[id].Status).To(Equal(store.AttachmentPosted))
		Expect(db.attachments[id].ArchivePath).NotTo(BeEmpty())
		Expect(filepath.Join(dir, "a.pdf")).NotTo(BeAnExistingFile())
	})
})
