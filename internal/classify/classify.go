package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultAttempts is how many times a model is asked before falling back
const DefaultAttempts = 3

var accountPattern = regexp.MustCompile(`\b6\d{5}\b`)

// Model answers a text prompt
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Close() error
}

// Static always suggests the same account
type Static struct {
	Account string
}

// Classify returns the configured account
func (s Static) Classify(ctx context.Context, vendorID, text string) string {
	return s.Account
}

// Suggester asks a language model for the expense account of an invoice
type Suggester struct {
	model    Model
	fallback string
	attempts int
}

// NewSuggester creates a Suggester that falls back to fallback when the
// model gives no usable answer
func NewSuggester(model Model, fallback string) *Suggester {
	return &Suggester{model: model, fallback: fallback, attempts: DefaultAttempts}
}

// Classify returns the first expense account found in the model's answer,
// or the fallback after every attempt failed.
func (s *Suggester) Classify(ctx context.Context, vendorID, text string) string {
	prompt := buildPrompt(vendorID, text)

	for i := 1; i <= s.attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		answer, err := s.model.Complete(ctx, prompt)
		if err != nil {
			slog.Error("Account suggestion failed", "vendor_id", vendorID, "attempt", i, "error", err)
			continue
		}
		if account, ok := ParseAccount(answer); ok {
			slog.Debug("Account suggested", "vendor_id", vendorID, "account", account)
			return account
		}
		slog.Warn("Account suggestion unusable", "vendor_id", vendorID, "attempt", i, "answer", truncate(answer, 80))
	}

	slog.Warn("Using fallback account", "vendor_id", vendorID, "account", s.fallback)
	return s.fallback
}

// Close releases the model
func (s *Suggester) Close() error {
	return s.model.Close()
}

// ParseAccount finds a six-digit expense account (6xxxxx) in a model answer
func ParseAccount(answer string) (string, bool) {
	m := accountPattern.FindString(answer)
	return m, m != ""
}

func buildPrompt(vendorID, text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > 15 {
		lines = lines[:15]
	}
	snippet := truncate(strings.Join(lines, "\n"), 800)

	return fmt.Sprintf(accountPrompt, vendorID, snippet)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// accountPrompt is the shared prompt used by all LLM providers
const accountPrompt = `You are an accounting assistant classifying supplier invoices.

Vendor: %s

Invoice snippet:
%s

Pick the general ledger expense account for this invoice. Expense accounts have six digits and start with 6.
Respond ONLY with the 6-digit GL account number.`
