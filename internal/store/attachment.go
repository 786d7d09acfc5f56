package store

import "time"

// AttachmentStatus describes what happened to an intake attachment
type AttachmentStatus string

const (
	AttachmentPosted    AttachmentStatus = "posted"
	AttachmentDuplicate AttachmentStatus = "duplicate"
	AttachmentNoQR      AttachmentStatus = "no_qr"
	AttachmentFailed    AttachmentStatus = "failed"
)

// Attachment is an intake file that has been processed, keyed by content hash
type Attachment struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	ContentType     string           `json:"content_type"`
	Payload         string           `json:"payload,omitempty"`
	Status          AttachmentStatus `json:"status"`
	DocumentNo      string           `json:"document_no,omitempty"`
	VendorInvoiceNo string           `json:"vendor_invoice_no,omitempty"`
	ArchivePath     string           `json:"archive_path,omitempty"`
	Error           string           `json:"error,omitempty"`
	ProcessedAt     time.Time        `json:"processed_at"`
}
