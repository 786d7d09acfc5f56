package tax

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-poster/internal/scan"
)

const (
	// LineStep is the gap between consecutive line numbers
	LineStep = 10000

	DefaultWithholdingCode = "IRSIDENP23"
	DefaultExemptPrefix    = "F"
)

// Bracket groups the base and VAT fields of one tax category
type Bracket struct {
	Base []scan.Key
	VAT  []scan.Key
}

// Brackets are the tax categories in posting order
var Brackets = []Bracket{
	{Base: []scan.Key{scan.KeyI2, scan.KeyJ2, scan.KeyK2}},
	{Base: []scan.Key{scan.KeyI3}, VAT: []scan.Key{scan.KeyI4}},
	{Base: []scan.Key{scan.KeyJ3}, VAT: []scan.Key{scan.KeyJ4}},
	{Base: []scan.Key{scan.KeyK3}, VAT: []scan.Key{scan.KeyK4}},
	{Base: []scan.Key{scan.KeyI5}, VAT: []scan.Key{scan.KeyI6}},
	{Base: []scan.Key{scan.KeyJ5}, VAT: []scan.Key{scan.KeyJ6}},
	{Base: []scan.Key{scan.KeyK5}, VAT: []scan.Key{scan.KeyK6}},
	{Base: []scan.Key{scan.KeyI7}, VAT: []scan.Key{scan.KeyI8}},
	{Base: []scan.Key{scan.KeyJ7}, VAT: []scan.Key{scan.KeyJ8}},
	{Base: []scan.Key{scan.KeyK7}, VAT: []scan.Key{scan.KeyK8}},
}

// Line is one accounting line of an invoice
type Line struct {
	DocumentNo      string
	Number          int
	Bracket         int
	Account         string
	Base            decimal.Decimal
	VAT             decimal.Decimal
	PostingGroup    string
	WithholdingCode string
}

// Splitter turns a scan record into accounting lines
type Splitter struct {
	table           Table
	withholdingCode string
	exemptPrefix    string
}

// Option configures a Splitter
type Option func(*Splitter)

// WithTable replaces the posting group table
func WithTable(t Table) Option {
	return func(s *Splitter) {
		s.table = t
	}
}

// WithWithholding sets the withholding code and the vendor id prefix exempt from it
func WithWithholding(code, exemptPrefix string) Option {
	return func(s *Splitter) {
		s.withholdingCode = code
		s.exemptPrefix = exemptPrefix
	}
}

// NewSplitter creates a splitter with the default table and withholding rules
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		table:           DefaultTable(),
		withholdingCode: DefaultWithholdingCode,
		exemptPrefix:    DefaultExemptPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split produces one line per bracket with a non-zero base or VAT sum.
// Lines are numbered 10000, 20000, ... in bracket order.
func (s *Splitter) Split(record scan.Record, documentNo, vendorID, account string) []Line {
	var lines []Line
	withholding := s.withholdingFor(vendorID)

	for i, b := range Brackets {
		base := sum(record, b.Base)
		vat := sum(record, b.VAT)
		if base.IsZero() && vat.IsZero() {
			continue
		}

		lines = append(lines, Line{
			DocumentNo:      documentNo,
			Number:          (len(lines) + 1) * LineStep,
			Bracket:         i,
			Account:         account,
			Base:            base,
			VAT:             vat,
			PostingGroup:    s.postingGroup(record, b),
			WithholdingCode: withholding,
		})
	}
	return lines
}

// postingGroup returns the code of the first non-zero base field, or "" when
// that field has no code.
func (s *Splitter) postingGroup(record scan.Record, b Bracket) string {
	for _, k := range b.Base {
		if scan.ParseAmount(record.Get(k)).IsZero() {
			continue
		}
		return s.table[k]
	}
	return ""
}

func (s *Splitter) withholdingFor(vendorID string) string {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" || s.withholdingCode == "" {
		return ""
	}
	if s.exemptPrefix != "" && strings.HasPrefix(vendorID, s.exemptPrefix) {
		return ""
	}
	return s.withholdingCode
}

func sum(record scan.Record, keys []scan.Key) decimal.Decimal {
	total := decimal.Zero
	for _, k := range keys {
		total = total.Add(scan.ParseAmount(record.Get(k)))
	}
	return total
}
