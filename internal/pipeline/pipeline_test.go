package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/ledger"
	"github.com/zombor/invoice-poster/internal/numbering"
	"github.com/zombor/invoice-poster/internal/scan"
	"github.com/zombor/invoice-poster/internal/vendor"
)

const invoicePayload = "A:123456789*F:20250518*G:INV-001*I7:100,00*I8:23,00*"

// mockVendors is a mock implementation of VendorSource
type mockVendors struct {
	vendors []vendor.Vendor
	err     error
}

func (m *mockVendors) Vendors(ctx context.Context) ([]vendor.Vendor, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vendors, nil
}

// mockSource is a mock implementation of dedupe.Source
type mockSource struct {
	numbers []string
	err     error
}

func (m *mockSource) InvoiceNumbers(ctx context.Context) ([]string, error) {
	return m.numbers, m.err
}

// mockAllocator is a mock implementation of Allocator
type mockAllocator struct {
	mu   sync.Mutex
	next int
	err  error
}

func (m *mockAllocator) Allocate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.next++
	return fmt.Sprintf("FCA%03d", m.next), nil
}

// staticClassifier always returns the same account
type staticClassifier string

func (s staticClassifier) Classify(ctx context.Context, vendorID, text string) string {
	return string(s)
}

// mockNotifier records notices
type mockNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (m *mockNotifier) Notify(ctx context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, n)
	return m.err
}

// mockRecorder records posted invoices
type mockRecorder struct {
	mu     sync.Mutex
	posted []string
}

func (m *mockRecorder) MarkPosted(ctx context.Context, vendorInvoiceNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, vendorInvoiceNo)
	return nil
}

type fixedID string

func (f fixedID) Generate() string { return string(f) }

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func scanOf(id, payload string) Scan {
	return Scan{Payload: payload, Source: scan.Source{AttachmentID: id, Name: id + ".pdf"}}
}

var _ = Describe("Pipeline", func() {
	var (
		vendors    *mockVendors
		ledgerMock *mockLedger
		allocator  *mockAllocator
		auditLog   *memoryAudit
		notifier   *mockNotifier
		recorder   *mockRecorder
		history    *mockSource
		live       *mockSource
		workers    int
		scans      []Scan
		outcome    Outcome
		err        error
	)

	BeforeEach(func() {
		vendors = &mockVendors{vendors: []vendor.Vendor{
			{ID: "F00012", TaxID: "123456789"},
			{ID: "V00077", TaxID: "500100200"},
		}}
		ledgerMock = &mockLedger{lineErrs: map[int]error{}}
		allocator = &mockAllocator{}
		auditLog = &memoryAudit{}
		notifier = &mockNotifier{}
		recorder = &mockRecorder{}
		history = &mockSource{}
		live = &mockSource{}
		workers = 1
		scans = []Scan{scanOf("a1", invoicePayload)}
	})

	JustBeforeEach(func() {
		p := NewWithDeps(Deps{
			Vendors:    vendors,
			Ledger:     ledgerMock,
			Allocator:  allocator,
			Classifier: staticClassifier("622100"),
			Audit:      auditLog,
			Notifier:   notifier,
			History:    []dedupe.Source{history},
			Live:       []dedupe.Source{live},
			Recorders:  []Recorder{recorder},
			Workers:    workers,
		}, fixedID("run-1"), fixedClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)})
		outcome, err = p.Run(context.Background(), scans)
	})

	When("a new invoice arrives", func() {
		It("should post it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.RunID).To(Equal("run-1"))
			Expect(outcome.Results).To(HaveLen(1))
			Expect(outcome.Results[0].Status).To(Equal(StatusSuccess))
			Expect(outcome.Results[0].Source.AttachmentID).To(Equal("a1"))
			Expect(outcome.Posted()).To(Equal(1))
		})

		It("should build the header from the scan", func() {
			h := ledgerMock.headers[0]
			Expect(h.No).To(Equal("FCA001"))
			Expect(h.VendorID).To(Equal("F00012"))
			Expect(h.DocumentDate).To(Equal("2025-05-18"))
			Expect(h.PostingDate).To(Equal("2025-06-01"))
			Expect(h.VendorInvoiceNo).To(Equal("INV-001"))
		})

		It("should post the classified account", func() {
			Expect(ledgerMock.lines).To(HaveLen(1))
			Expect(ledgerMock.lines[0].No).To(Equal("622100"))
		})

		It("should tell recorders about the posted invoice", func() {
			Expect(recorder.posted).To(Equal([]string{"INV-001"}))
		})
	})

	When("the invoice is already in history", func() {
		BeforeEach(func() {
			history.numbers = []string{"INV-001"}
		})

		It("should not allocate or post", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Duplicates).To(HaveLen(1))
			Expect(allocator.next).To(Equal(0))
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("the invoice is only in the live registry", func() {
		BeforeEach(func() {
			live.numbers = []string{"INV-001"}
		})

		It("should skip it as a duplicate", func() {
			Expect(outcome.Duplicates).To(HaveLen(1))
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("the same invoice appears twice in one batch", func() {
		BeforeEach(func() {
			scans = []Scan{scanOf("a1", invoicePayload), scanOf("a2", invoicePayload)}
		})

		It("should post it once", func() {
			Expect(ledgerMock.headers).To(HaveLen(1))
			Expect(outcome.Duplicates).To(HaveLen(1))
			Expect(outcome.Duplicates[0].Record.Source.AttachmentID).To(Equal("a2"))
		})
	})

	When("the vendor is unknown", func() {
		BeforeEach(func() {
			scans = []Scan{scanOf("a1", "A:999999999*G:INV-9*I7:10*")}
		})

		It("should notify and audit a failure", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Unresolved).To(HaveLen(1))
			Expect(notifier.notices).To(HaveLen(1))
			Expect(notifier.notices[0].Reason).To(Equal("vendor not found"))
			Expect(notifier.notices[0].Source.AttachmentID).To(Equal("a1"))
			Expect(auditLog.withStatus(audit.StatusFailure)).To(HaveLen(1))
			Expect(auditLog.entries[0].VendorInvoiceNo).To(Equal("INV-9"))
		})

		It("should not post", func() {
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("the payload has no recognizable fields", func() {
		BeforeEach(func() {
			scans = []Scan{scanOf("a1", "garbage without pairs"), scanOf("a2", invoicePayload)}
		})

		It("should reject it and continue with the rest", func() {
			Expect(outcome.Empty).To(HaveLen(1))
			Expect(notifier.notices[0].Reason).To(Equal("no data in QR payload"))
			Expect(ledgerMock.headers).To(HaveLen(1))
		})
	})

	When("a notification fails", func() {
		BeforeEach(func() {
			notifier.err = errors.New("smtp down")
			scans = []Scan{scanOf("a1", "A:999999999*G:INV-9*")}
		})

		It("should not fail the run", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the vendor registry is unreachable", func() {
		var expectedErr error

		BeforeEach(func() {
			expectedErr = errors.New("ledger down")
			vendors.err = expectedErr
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(expectedErr))
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("a registry is unreachable", func() {
		var expectedErr error

		BeforeEach(func() {
			expectedErr = errors.New("history down")
			history.err = expectedErr
		})

		It("returns the error without posting", func() {
			Expect(err).To(MatchError(expectedErr))
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("the counter cannot allocate", func() {
		BeforeEach(func() {
			allocator.err = fmt.Errorf("allocating: %w", numbering.ErrCorruptCounter)
		})

		It("aborts the run", func() {
			Expect(err).To(MatchError(numbering.ErrCorruptCounter))
			Expect(ledgerMock.headers).To(BeEmpty())
		})
	})

	When("a header post fails", func() {
		BeforeEach(func() {
			ledgerMock.headerErr = fmt.Errorf("x: %w", ledger.ErrRejected)
			scans = []Scan{scanOf("a1", invoicePayload), scanOf("a2", "A:500100200*G:INV-002*I3:10*I4:1*")}
		})

		It("should continue with the next invoice", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Results).To(HaveLen(2))
			Expect(ledgerMock.headers).To(HaveLen(2))
			Expect(recorder.posted).To(BeEmpty())
		})

		It("should have consumed a number per attempt", func() {
			Expect(allocator.next).To(Equal(2))
		})
	})

	When("several workers post in parallel", func() {
		BeforeEach(func() {
			workers = 3
			scans = nil
			for i := 0; i < 8; i++ {
				scans = append(scans, scanOf(fmt.Sprintf("a%d", i), fmt.Sprintf("A:123456789*G:INV-%d*I7:10*I8:2,3*", i)))
			}
		})

		It("should post every invoice with a unique number", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Results).To(HaveLen(8))
			seen := map[string]bool{}
			for _, h := range ledgerMock.headers {
				seen[h.No] = true
			}
			Expect(seen).To(HaveLen(8))
		})
	})
})

// gatedAllocator issues one number, then fails once that number's header
// is posted
type gatedAllocator struct {
	calls        atomic.Int32
	headerPosted chan struct{}
	aborted      chan struct{}
}

func (g *gatedAllocator) Allocate(ctx context.Context) (string, error) {
	if g.calls.Add(1) == 1 {
		return "FCA001", nil
	}
	<-g.headerPosted
	go func() {
		<-ctx.Done()
		close(g.aborted)
	}()
	return "", fmt.Errorf("allocating document number: %w", numbering.ErrCorruptCounter)
}

// gatedLedger holds the first header until the run is aborted and fails
// lines posted on a cancelled context
type gatedLedger struct {
	mockLedger
	once      sync.Once
	allocator *gatedAllocator
}

func (g *gatedLedger) PostHeader(ctx context.Context, h ledger.Header) (string, error) {
	no, err := g.mockLedger.PostHeader(ctx, h)
	g.once.Do(func() { close(g.allocator.headerPosted) })
	select {
	case <-g.allocator.aborted:
	case <-time.After(5 * time.Second):
	}
	return no, err
}

func (g *gatedLedger) PostLine(ctx context.Context, l ledger.Line) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.mockLedger.PostLine(ctx, l)
}

var _ = Describe("Aborting a parallel run", func() {
	It("should finish the invoice whose header is already posted", func() {
		allocator := &gatedAllocator{headerPosted: make(chan struct{}), aborted: make(chan struct{})}
		ledgerMock := &gatedLedger{mockLedger: mockLedger{lineErrs: map[int]error{}}, allocator: allocator}
		auditLog := &memoryAudit{}

		p := NewWithDeps(Deps{
			Vendors:    &mockVendors{vendors: []vendor.Vendor{{ID: "F00012", TaxID: "123456789"}}},
			Ledger:     ledgerMock,
			Allocator:  allocator,
			Classifier: staticClassifier("622100"),
			Audit:      auditLog,
			Workers:    2,
		}, fixedID("run-1"), fixedClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)})

		outcome, err := p.Run(context.Background(), []Scan{
			scanOf("a1", "A:123456789*G:INV-1*I7:100*I8:23*I5:10*I6:1,3*"),
			scanOf("a2", "A:123456789*G:INV-2*I7:50*I8:11,5*I3:10*I4:0,6*"),
		})
		Expect(err).To(MatchError(numbering.ErrCorruptCounter))

		Expect(outcome.Results).To(HaveLen(1))
		Expect(outcome.Results[0].DocumentNo).To(Equal("FCA001"))
		Expect(outcome.Results[0].Status).To(Equal(StatusSuccess))
		Expect(outcome.Results[0].LinesPosted).To(Equal(2))
		Expect(ledgerMock.lines).To(HaveLen(2))
		for _, e := range auditLog.entries {
			Expect(e.Status).To(Equal(audit.StatusSuccess), e.Error)
		}
	})
})

var _ = Describe("End to end against a ledger", func() {
	var (
		server    *ghttp.Server
		client    *ledger.Client
		auditLog  *audit.CSVLog
		store     *numbering.MemoryStore
		allocator *numbering.Allocator
		run       func() (Outcome, error)
	)

	vendorsHandler := func() http.HandlerFunc {
		return ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodGet, "/Fornecedores_Table"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"value": []map[string]string{{"No": "F00012", "VAT_Registration_No": "123456789"}},
			}),
		)
	}
	emptyRegistry := func(path string) http.HandlerFunc {
		return ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodGet, path),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"value": []any{}}),
		)
	}

	BeforeEach(func() {
		server = ghttp.NewServer()

		var err error
		client, err = ledger.NewClient(ledger.Config{BaseURL: server.URL()})
		Expect(err).NotTo(HaveOccurred())

		auditLog, err = audit.NewCSVLog(filepath.Join(GinkgoT().TempDir(), "invoice_log.csv"))
		Expect(err).NotTo(HaveOccurred())

		store = numbering.NewMemoryStore("")
		allocator, err = numbering.NewAllocator(store, "FCA", "FCA25000573")
		Expect(err).NotTo(HaveOccurred())
		Expect(allocator.Init()).To(Succeed())

		run = func() (Outcome, error) {
			p := NewWithDeps(Deps{
				Vendors:    client,
				Ledger:     client,
				Allocator:  allocator,
				Classifier: staticClassifier("622100"),
				Audit:      auditLog,
				History:    []dedupe.Source{client.History()},
				Live:       []dedupe.Source{client.Live(), auditLog},
			}, fixedID("run"), fixedClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)})
			return p.Run(context.Background(), []Scan{scanOf("a1", invoicePayload)})
		}
	})

	AfterEach(func() {
		server.Close()
	})

	It("should post a new invoice and skip its resubmission", func() {
		server.AppendHandlers(
			vendorsHandler(),
			emptyRegistry("/Faturas_Compra_Regist"),
			emptyRegistry("/Faturaca_Compra_Header"),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/Faturaca_Compra_Header"),
				ghttp.VerifyJSON(`{
					"Document_Type": "Invoice",
					"No": "FCA25000574",
					"Buy_from_Vendor_No": "F00012",
					"Document_Date": "2025-05-18",
					"Posting_Date": "2025-06-01",
					"Vendor_Invoice_No": "INV-001"
				}`),
				ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]string{"No": "FCA25000574"}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/Linhas_Fatura_Compra"),
				ghttp.VerifyJSON(`{
					"Document_Type": "Invoice",
					"Document_No": "FCA25000574",
					"Line_No": 10000,
					"Type": "G/L Account",
					"No": "622100",
					"Quantity": 1,
					"Direct_Unit_Cost": 100.00,
					"Total_Amount_Excl_VAT": 100.00,
					"Total_VAT_Amount": 23.00,
					"VAT_Prod_Posting_Group": "OBS-NOR"
				}`),
				ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]any{"Document_No": "FCA25000574", "Line_No": 10000}),
			),
		)

		outcome, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Posted()).To(Equal(1))
		Expect(store.Value()).To(Equal("FCA25000574"))

		entries, err := auditLog.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		for _, e := range entries {
			Expect(e.Status).To(Equal(audit.StatusSuccess))
			Expect(e.DocumentNo).To(Equal("FCA25000574"))
		}

		server.AppendHandlers(
			vendorsHandler(),
			emptyRegistry("/Faturas_Compra_Regist"),
			emptyRegistry("/Faturaca_Compra_Header"),
		)

		outcome, err = run()
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Duplicates).To(HaveLen(1))
		Expect(outcome.Results).To(BeEmpty())
		Expect(store.Value()).To(Equal("FCA25000574"))
		Expect(server.ReceivedRequests()).To(HaveLen(8))
	})
})
