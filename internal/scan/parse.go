package scan

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	pairSeparator  = "*"
	valueSeparator = ":"
)

// Parse reads a KEY:VALUE*KEY:VALUE* payload into a Record.
// Parts without a colon and keys outside the alphabet are ignored. A payload
// with no recognizable pair yields an empty Record (see Record.Empty).
func Parse(payload string) Record {
	var r Record
	for _, part := range strings.Split(payload, pairSeparator) {
		key, value, ok := strings.Cut(part, valueSeparator)
		if !ok {
			continue
		}
		if p := r.field(Key(strings.TrimSpace(key))); p != nil {
			*p = strings.TrimSpace(value)
		}
	}
	return r
}

// Format renders the non-empty fields of r in canonical key order
func Format(r Record) string {
	var b strings.Builder
	for _, k := range Keys {
		v := r.Get(k)
		if v == "" {
			continue
		}
		b.WriteString(string(k))
		b.WriteString(valueSeparator)
		b.WriteString(v)
		b.WriteString(pairSeparator)
	}
	return b.String()
}

// ParseAmount converts a scanned amount to a decimal.
// Comma and period are both accepted as decimal separator; whitespace
// (including non-breaking space) and thousands separators are stripped.
// Anything else, exponents included, is unparsable and yields zero.
func ParseAmount(s string) decimal.Decimal {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, s)
	if s == "" || strings.TrimLeft(s, "0123456789.,+-") != "" {
		return decimal.Zero
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// whichever separator comes last is the decimal one
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
