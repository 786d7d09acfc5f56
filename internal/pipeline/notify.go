package pipeline

import (
	"context"
	"log/slog"

	"github.com/zombor/invoice-poster/internal/scan"
)

// Notice describes a scan that needs a human to look at it
type Notice struct {
	Source scan.Source
	Record scan.Record
	Reason string
}

// Notifier delivers notices about unprocessable scans
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the structured log
type LogNotifier struct{}

// Notify logs the notice at warn level
func (LogNotifier) Notify(ctx context.Context, n Notice) error {
	slog.Warn("Invoice needs attention",
		"reason", n.Reason,
		"attachment", n.Source.Name,
		"vendor_tax_id", n.Record.VendorTaxID,
		"vendor_invoice_no", n.Record.VendorInvoiceNo,
	)
	return nil
}
