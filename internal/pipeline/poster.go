package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-poster/internal/audit"
	"github.com/zombor/invoice-poster/internal/dedupe"
	"github.com/zombor/invoice-poster/internal/ledger"
	"github.com/zombor/invoice-poster/internal/tax"
)

// Ledger is the posting side of the ledger client
type Ledger interface {
	PostHeader(ctx context.Context, h ledger.Header) (string, error)
	PostLine(ctx context.Context, l ledger.Line) error
}

// Invoice is a fully prepared invoice ready to post
type Invoice struct {
	Key             dedupe.Key
	DocumentNo      string
	VendorID        string
	VendorInvoiceNo string
	DocumentDate    string
	PostingDate     string
	Lines           []tax.Line
}

// Poster posts an invoice header and then its lines
type Poster struct {
	ledger Ledger
	audit  audit.Logger
}

// NewPoster creates a new Poster
func NewPoster(l Ledger, a audit.Logger) *Poster {
	return &Poster{ledger: l, audit: a}
}

// Post sends the header, then every line in order. A header failure stops
// the invoice; a line failure is recorded and the next line is still sent.
// Nothing is rolled back.
func (p *Poster) Post(ctx context.Context, inv Invoice) Result {
	res := Result{
		Key:        inv.Key,
		DocumentNo: inv.DocumentNo,
		VendorID:   inv.VendorID,
	}

	header := ledger.NewHeader(inv.DocumentNo, inv.VendorID, inv.VendorInvoiceNo, inv.DocumentDate, inv.PostingDate)
	documentNo, err := p.ledger.PostHeader(ctx, header)
	if err != nil {
		slog.Error("Failed to post invoice header",
			"document_no", inv.DocumentNo,
			"vendor_id", inv.VendorID,
			"vendor_invoice_no", inv.VendorInvoiceNo,
			"error", err,
		)
		p.audit.Log(audit.Entry{
			DocumentNo:      inv.DocumentNo,
			VendorNo:        inv.VendorID,
			VendorInvoiceNo: inv.VendorInvoiceNo,
			Status:          audit.StatusFailure,
			Error:           fmt.Sprintf("header post failed: %v", err),
		})
		res.Status = Classify(err)
		res.Err = err
		return res
	}

	res.DocumentNo = documentNo
	res.HeaderPosted = true
	p.audit.Log(audit.Entry{
		DocumentNo:      documentNo,
		VendorNo:        inv.VendorID,
		VendorInvoiceNo: inv.VendorInvoiceNo,
		Status:          audit.StatusSuccess,
	})
	slog.Info("Posted invoice header", "document_no", documentNo, "vendor_id", inv.VendorID, "vendor_invoice_no", inv.VendorInvoiceNo)

	if len(inv.Lines) == 0 {
		slog.Warn("Invoice has no amounts to post", "document_no", documentNo)
	}

	for _, line := range inv.Lines {
		line.DocumentNo = documentNo
		err := p.ledger.PostLine(ctx, ledger.NewLine(line))
		if err != nil {
			slog.Error("Failed to post invoice line", "document_no", documentNo, "line_no", line.Number, "error", err)
			p.audit.Log(audit.Entry{
				DocumentNo:      documentNo,
				VendorNo:        inv.VendorID,
				VendorInvoiceNo: inv.VendorInvoiceNo,
				Status:          audit.StatusFailure,
				Error:           fmt.Sprintf("line %d post failed: %v", line.Number, err),
			})
			res.LinesFailed++
			if res.Err == nil {
				res.Err = err
				res.Status = Classify(err)
			}
			continue
		}

		res.LinesPosted++
		p.audit.Log(audit.Entry{
			DocumentNo:      documentNo,
			VendorNo:        inv.VendorID,
			VendorInvoiceNo: inv.VendorInvoiceNo,
			Status:          audit.StatusSuccess,
		})
		slog.Debug("Posted invoice line", "document_no", documentNo, "line_no", line.Number)
	}

	return res
}
