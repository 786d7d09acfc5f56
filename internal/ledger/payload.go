package ledger

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-poster/internal/tax"
)

const (
	documentTypeInvoice = "Invoice"
	lineTypeGLAccount   = "G/L Account"
)

// Header is the purchase invoice header sent to the ledger
type Header struct {
	DocumentType    string `json:"Document_Type" validate:"required"`
	No              string `json:"No" validate:"required"`
	VendorID        string `json:"Buy_from_Vendor_No" validate:"required"`
	DocumentDate    string `json:"Document_Date,omitempty"`
	PostingDate     string `json:"Posting_Date" validate:"required"`
	VendorInvoiceNo string `json:"Vendor_Invoice_No"`
}

// NewHeader builds an invoice header
func NewHeader(documentNo, vendorID, vendorInvoiceNo, documentDate, postingDate string) Header {
	return Header{
		DocumentType:    documentTypeInvoice,
		No:              documentNo,
		VendorID:        vendorID,
		DocumentDate:    documentDate,
		PostingDate:     postingDate,
		VendorInvoiceNo: vendorInvoiceNo,
	}
}

// Line is one purchase invoice line sent to the ledger
type Line struct {
	DocumentType       string      `json:"Document_Type" validate:"required"`
	DocumentNo         string      `json:"Document_No" validate:"required"`
	LineNo             int         `json:"Line_No" validate:"required,gt=0"`
	Type               string      `json:"Type" validate:"required"`
	No                 string      `json:"No" validate:"required"`
	Quantity           int         `json:"Quantity" validate:"eq=1"`
	DirectUnitCost     json.Number `json:"Direct_Unit_Cost"`
	TotalAmountExclVAT json.Number `json:"Total_Amount_Excl_VAT"`
	TotalVATAmount     json.Number `json:"Total_VAT_Amount,omitempty"`
	PostingGroup       string      `json:"VAT_Prod_Posting_Group,omitempty"`
	WithholdingCode    string      `json:"Withholding_Tax_Code,omitempty"`
}

// NewLine converts a split tax line into a ledger line
func NewLine(l tax.Line) Line {
	line := Line{
		DocumentType:       documentTypeInvoice,
		DocumentNo:         l.DocumentNo,
		LineNo:             l.Number,
		Type:               lineTypeGLAccount,
		No:                 l.Account,
		Quantity:           1,
		DirectUnitCost:     amount(l.Base),
		TotalAmountExclVAT: amount(l.Base),
		PostingGroup:       l.PostingGroup,
		WithholdingCode:    l.WithholdingCode,
	}
	if !l.VAT.IsZero() {
		line.TotalVATAmount = amount(l.VAT)
	}
	return line
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// listResponse is the OData collection envelope
type listResponse[T any] struct {
	Value []T `json:"value"`
}

type invoiceNumberEntry struct {
	VendorInvoiceNo string `json:"Vendor_Invoice_No"`
}

type headerResponse struct {
	No string `json:"No"`
}

type lineResponse struct {
	DocumentNo string `json:"Document_No"`
	LineNo     int    `json:"Line_No"`
}
