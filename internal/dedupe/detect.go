package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/invoice-poster/internal/vendor"
)

// Key identifies a real-world invoice
type Key struct {
	VendorTaxID     string
	VendorInvoiceNo string
}

// KeyOf builds the normalized key of a resolved record
func KeyOf(r vendor.Resolved) Key {
	return Key{
		VendorTaxID:     strings.TrimSpace(r.Record.VendorTaxID),
		VendorInvoiceNo: strings.TrimSpace(r.Record.VendorInvoiceNo),
	}
}

// Source yields the vendor invoice numbers already known to one registry
type Source interface {
	InvoiceNumbers(ctx context.Context) ([]string, error)
}

// Set is a registry of known vendor invoice numbers. Empty numbers are never stored.
type Set struct {
	name    string
	numbers map[string]struct{}
}

// NewSet creates an empty named registry
func NewSet(name string) *Set {
	return &Set{name: name, numbers: make(map[string]struct{})}
}

// Name returns the registry name used in logs
func (s *Set) Name() string {
	return s.name
}

// Add stores the trimmed numbers, dropping empty ones
func (s *Set) Add(numbers ...string) {
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		s.numbers[n] = struct{}{}
	}
}

// Contains reports whether the trimmed number is registered
func (s *Set) Contains(number string) bool {
	number = strings.TrimSpace(number)
	if number == "" {
		return false
	}
	_, ok := s.numbers[number]
	return ok
}

// Len returns the number of registered invoice numbers
func (s *Set) Len() int {
	return len(s.numbers)
}

// Load builds a registry from the union of the given sources.
// Any source failure aborts the load.
func Load(ctx context.Context, name string, sources ...Source) (*Set, error) {
	set := NewSet(name)
	for _, src := range sources {
		numbers, err := src.InvoiceNumbers(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading %s registry: %w", name, err)
		}
		set.Add(numbers...)
	}
	return set, nil
}

// Detect partitions candidates into new and duplicate invoices.
// A candidate is a duplicate when its invoice number is in either registry.
func Detect(candidates []vendor.Resolved, historical, live *Set) (fresh, duplicates []vendor.Resolved) {
	for _, c := range candidates {
		key := KeyOf(c)
		inHistory := historical.Contains(key.VendorInvoiceNo)
		inLive := live.Contains(key.VendorInvoiceNo)
		if !inHistory && !inLive {
			fresh = append(fresh, c)
			continue
		}
		slog.Info("Duplicate invoice skipped",
			"vendor_id", c.VendorID,
			"vendor_invoice_no", key.VendorInvoiceNo,
			"in_history", inHistory,
			"in_live", inLive,
			"attachment", c.Record.Source.Name,
		)
		duplicates = append(duplicates, c)
	}
	return fresh, duplicates
}
