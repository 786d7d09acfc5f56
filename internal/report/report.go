package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zombor/invoice-poster/internal/audit"
)

const (
	unknownError = "unknown error"
	unidentified = "<unidentified>"
)

// Source reads audit entries for a time window
type Source interface {
	Since(cutoff time.Time) ([]audit.Entry, error)
}

// ErrorCount is the number of failures sharing one error text
type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// Failure is one failed posting attempt
type Failure struct {
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
	VendorNo   string    `json:"vendor_no"`
	Error      string    `json:"error"`
}

// Summary aggregates the audit entries of a window
type Summary struct {
	From      time.Time    `json:"from"`
	To        time.Time    `json:"to"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Errors    []ErrorCount `json:"errors"`
	Failures  []Failure    `json:"failures"`
}

// Generate summarizes the trailing window of days ending at now
func Generate(src Source, now time.Time, days int) (Summary, error) {
	if days < 1 {
		days = 1
	}
	from := now.Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := src.Since(from)
	if err != nil {
		return Summary{}, fmt.Errorf("reading audit entries: %w", err)
	}

	s := Summarize(entries)
	s.From = from
	s.To = now
	return s, nil
}

// Summarize counts successes and groups failures by error text in the order
// each error was first seen.
func Summarize(entries []audit.Entry) Summary {
	s := Summary{Total: len(entries)}
	index := make(map[string]int)

	for _, e := range entries {
		if e.Status == audit.StatusSuccess {
			s.Succeeded++
			continue
		}

		msg := strings.TrimSpace(e.Error)
		if msg == "" {
			msg = unknownError
		}
		if i, ok := index[msg]; ok {
			s.Errors[i].Count++
		} else {
			index[msg] = len(s.Errors)
			s.Errors = append(s.Errors, ErrorCount{Error: msg, Count: 1})
		}

		s.Failures = append(s.Failures, Failure{
			Timestamp:  e.Timestamp,
			Identifier: identifier(e),
			VendorNo:   e.VendorNo,
			Error:      strings.TrimSpace(e.Error),
		})
	}
	return s
}

func identifier(e audit.Entry) string {
	if e.VendorInvoiceNo != "" {
		return e.VendorInvoiceNo
	}
	if e.DocumentNo != "" {
		return e.DocumentNo
	}
	return unidentified
}

// WriteText renders the summary as plain text
func (s Summary) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Invoice posting report %s to %s\n", s.From.Format("2006-01-02 15:04"), s.To.Format("2006-01-02 15:04"))
	if s.Total == 0 {
		b.WriteString("No entries in the selected period.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "Attempts: %d\n", s.Total)
	fmt.Fprintf(&b, "Succeeded: %d\n", s.Succeeded)
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "Failed (%s): %d\n", e.Error, e.Count)
	}

	if len(s.Failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "- %s: %s\n", f.Identifier, f.Error)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
