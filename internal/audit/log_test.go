package audit_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zombor/invoice-poster/internal/audit"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAudit(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

// mockTimeSource is a mock implementation of TimeSource
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

var _ = Describe("CSVLog", func() {
	var (
		path  string
		clock *mockTimeSource
		log   *audit.CSVLog
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "logs", "invoice_log.csv")
		clock = &mockTimeSource{now: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)}
		var err error
		log, err = audit.NewCSVLogWithDeps(path, clock)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewCSVLog", func() {
		It("should create the file with the header row", func() {
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("timestamp,document_no,vendor_no,vendor_invoice_no,status,error\n"))
		})

		It("should not repeat the header when reopened", func() {
			_, err := audit.NewCSVLog(path)
			Expect(err).NotTo(HaveOccurred())
			data, _ := os.ReadFile(path)
			Expect(strings.Count(string(data), "timestamp,")).To(Equal(1))
		})
	})

	Describe("Log", func() {
		BeforeEach(func() {
			log.Log(audit.Entry{DocumentNo: "FCA1", VendorNo: "F00012", VendorInvoiceNo: "INV-001", Status: audit.StatusSuccess})
			log.Log(audit.Entry{VendorNo: "V00077", VendorInvoiceNo: "INV-002", Status: audit.StatusFailure, Error: "header post failed: vendor, blocked"})
		})

		It("should append one row per entry", func() {
			entries, err := log.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
		})

		It("should stamp entries with the current time", func() {
			entries, _ := log.Entries()
			Expect(entries[0].Timestamp).To(BeTemporally("==", clock.now))
		})

		It("should round-trip fields containing commas", func() {
			entries, _ := log.Entries()
			Expect(entries[1].Error).To(Equal("header post failed: vendor, blocked"))
			Expect(entries[1].Status).To(Equal(audit.StatusFailure))
		})

		It("should write rows safely from many goroutines", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					log.Log(audit.Entry{DocumentNo: "FCA2", Status: audit.StatusSuccess})
				}()
			}
			wg.Wait()
			entries, err := log.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(22))
		})
	})

	Describe("Log when the file cannot be written", func() {
		It("should not panic or return", func() {
			Expect(os.Remove(path)).To(Succeed())
			Expect(os.Mkdir(path, 0755)).To(Succeed())
			Expect(func() {
				log.Log(audit.Entry{DocumentNo: "FCA1", Status: audit.StatusSuccess})
			}).NotTo(Panic())
		})
	})

	Describe("Since", func() {
		BeforeEach(func() {
			log.Log(audit.Entry{Timestamp: clock.now.Add(-48 * time.Hour), DocumentNo: "OLD", Status: audit.StatusSuccess})
			log.Log(audit.Entry{Timestamp: clock.now.Add(-time.Hour), DocumentNo: "NEW", Status: audit.StatusSuccess})
		})

		It("should only return entries in the window", func() {
			entries, err := log.Since(clock.now.Add(-24 * time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].DocumentNo).To(Equal("NEW"))
		})
	})

	Describe("Entries with malformed rows", func() {
		BeforeEach(func() {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteString("not-a-time,FCA9,F1,INV-9,SUCCESS,\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())
			log.Log(audit.Entry{DocumentNo: "FCA1", Status: audit.StatusSuccess})
		})

		It("should skip rows with a bad timestamp", func() {
			entries, err := log.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].DocumentNo).To(Equal("FCA1"))
		})
	})

	Describe("InvoiceNumbers", func() {
		BeforeEach(func() {
			log.Log(audit.Entry{DocumentNo: "FCA1", VendorNo: "F1", VendorInvoiceNo: "INV-001", Status: audit.StatusSuccess})
			log.Log(audit.Entry{DocumentNo: "FCA2", VendorNo: "F1", VendorInvoiceNo: "INV-002", Status: audit.StatusFailure, Error: "header post failed"})
			log.Log(audit.Entry{DocumentNo: "", VendorNo: "F1", VendorInvoiceNo: "INV-003", Status: audit.StatusSuccess})
			log.Log(audit.Entry{DocumentNo: "FCA4", VendorNo: "F1", VendorInvoiceNo: "", Status: audit.StatusSuccess})
		})

		It("should only return successful rows with a document number", func() {
			numbers, err := log.InvoiceNumbers(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(numbers).To(Equal([]string{"INV-001"}))
		})
	})
})
