package numbering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Defaults used when no prefix or start value is configured
const (
	DefaultPrefix = "FCA"
	DefaultStart  = "FCA25000573"
)

// ErrCorruptCounter is returned when the stored counter is not PREFIX<digits>
var ErrCorruptCounter = errors.New("corrupt invoice counter")

// Store persists the last issued document number.
// Update must run fn and write its result atomically.
type Store interface {
	Update(fn func(current string, exists bool) (string, error)) error
}

// Allocator issues unique, strictly increasing document numbers
type Allocator struct {
	mu     sync.Mutex
	store  Store
	prefix string
	start  string
}

// NewAllocator creates an allocator for numbers made of prefix and digits,
// seeded with start when the store is empty
func NewAllocator(store Store, prefix, start string) (*Allocator, error) {
	if start == "" {
		start = DefaultStart
	}
	if _, err := digits(prefix, start); err != nil {
		return nil, fmt.Errorf("invoice start %q does not use prefix %q: %w", start, prefix, err)
	}
	return &Allocator{store: store, prefix: prefix, start: start}, nil
}

// Init seeds an empty store with the start value and validates existing content
func (a *Allocator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.store.Update(func(current string, exists bool) (string, error) {
		if !exists {
			slog.Info("Seeding invoice counter", "value", a.start)
			return a.start, nil
		}
		if _, err := digits(a.prefix, current); err != nil {
			return "", err
		}
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("initializing invoice counter: %w", err)
	}
	return nil
}

// Allocate returns the next document number. The number is consumed even if
// the caller never uses it.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var issued string
	err := a.store.Update(func(current string, exists bool) (string, error) {
		if !exists {
			current = a.start
		}
		next, err := Next(a.prefix, current)
		if err != nil {
			return "", err
		}
		issued = next
		return next, nil
	})
	if err != nil {
		return "", fmt.Errorf("allocating document number: %w", err)
	}

	slog.Debug("Allocated document number", "document_no", issued)
	return issued, nil
}

// Next increments the digits following prefix in value, keeping their
// zero-padded width.
func Next(prefix, value string) (string, error) {
	d, err := digits(prefix, value)
	if err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(d, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrCorruptCounter, value)
	}
	return fmt.Sprintf("%s%0*d", prefix, len(d), n+1), nil
}

// digits returns the part of value after prefix, which must be all digits
func digits(prefix, value string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), prefix)
	if !ok || rest == "" || strings.TrimLeft(rest, "0123456789") != "" {
		return "", fmt.Errorf("%w: %q", ErrCorruptCounter, value)
	}
	return rest, nil
}
