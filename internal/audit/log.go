package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Status is the outcome recorded for one posting attempt
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Header is the first row of every audit file
var Header = []string{"timestamp", "document_no", "vendor_no", "vendor_invoice_no", "status", "error"}

// Entry is one audit row. Entries are never modified once written.
type Entry struct {
	Timestamp       time.Time
	DocumentNo      string
	VendorNo        string
	VendorInvoiceNo string
	Status          Status
	Error           string
}

// Logger records posting attempts. Implementations must not fail the caller.
type Logger interface {
	Log(e Entry)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// CSVLog is an append-only CSV audit log
type CSVLog struct {
	mu         sync.Mutex
	path       string
	timeSource TimeSource
}

// NewCSVLog opens the audit log at path, creating it with a header row if missing
func NewCSVLog(path string) (*CSVLog, error) {
	return NewCSVLogWithDeps(path, &defaultTimeSource{})
}

// NewCSVLogWithDeps creates an audit log with a custom time source for testing
func NewCSVLogWithDeps(path string, timeSrc TimeSource) (*CSVLog, error) {
	l := &CSVLog{path: path, timeSource: timeSrc}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *CSVLog) init() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating audit log directory: %w", err)
	}

	info, err := os.Stat(l.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking audit log: %w", err)
	}

	return l.append(Header)
}

// Path returns the file the log writes to
func (l *CSVLog) Path() string {
	return l.path
}

// Log appends an entry. Write failures are reported through slog and
// never returned.
func (l *CSVLog) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.timeSource.Now()
	}

	row := []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.DocumentNo,
		e.VendorNo,
		e.VendorInvoiceNo,
		string(e.Status),
		e.Error,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(row); err != nil {
		slog.Error("Failed to write audit entry",
			"path", l.path,
			"document_no", e.DocumentNo,
			"vendor_invoice_no", e.VendorInvoiceNo,
			"status", e.Status,
			"error", err,
		)
	}
}

func (l *CSVLog) append(row []string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("writing audit row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing audit row: %w", err)
	}
	return f.Sync()
}

// Entries reads every well-formed entry in file order. Rows with an
// unreadable timestamp are skipped.
func (l *CSVLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	return readEntries(f)
}

// Since returns the entries written at or after cutoff
func (l *CSVLog) Since(cutoff time.Time) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}

	var recent []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}
	return recent, nil
}

// InvoiceNumbers returns the vendor invoice numbers that were posted
// successfully with a document number. It serves as a local live registry.
func (l *CSVLog) InvoiceNumbers(ctx context.Context) ([]string, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var numbers []string
	for _, e := range entries {
		if e.Status != StatusSuccess || e.DocumentNo == "" || e.VendorInvoiceNo == "" {
			continue
		}
		numbers = append(numbers, e.VendorInvoiceNo)
	}
	return numbers, nil
}

func readEntries(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var entries []Entry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading audit row: %w", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, field(row, "timestamp"))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Timestamp:       ts,
			DocumentNo:      field(row, "document_no"),
			VendorNo:        field(row, "vendor_no"),
			VendorInvoiceNo: field(row, "vendor_invoice_no"),
			Status:          Status(field(row, "status")),
			Error:           field(row, "error"),
		})
	}
	return entries, nil
}
