package pipeline

import (
	"context"
	"errors"

	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/ledger"
	"github.com/zombor/invoice-poster/internal/scan"
)

// Status classifies the outcome of posting one invoice
type Status int

const (
	StatusSuccess Status = iota
	StatusRetryableFailure
	StatusTerminalFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryableFailure:
		return "retryable_failure"
	case StatusTerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of posting one invoice
type Result struct {
	Key          dedupe.Key
	Source       scan.Source
	DocumentNo   string
	VendorID     string
	Status       Status
	HeaderPosted bool
	LinesPosted  int
	LinesFailed  int
	Err          error
}

// Classify maps a posting error to a status. Transport failures and
// cancellation can be retried on a later run; ledger rejections cannot.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StatusRetryableFailure
	default:
		return StatusTerminalFailure
	}
}
