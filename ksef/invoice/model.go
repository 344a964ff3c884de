package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawDocument is one XML document taken from an export package.
type RawDocument struct {
	Name  string
	Bytes []byte
}

// PaymentMethod - forma płatności z pola FormaPlatnosci schematu FA.
type PaymentMethod string

const (
	PaymentUnknown  PaymentMethod = ""
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentVoucher  PaymentMethod = "voucher"
	PaymentCheque   PaymentMethod = "cheque"
	PaymentCredit   PaymentMethod = "credit"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentMobile   PaymentMethod = "mobile"
)

var paymentCodes = map[string]PaymentMethod{
	"1": PaymentCash,
	"2": PaymentCard,
	"3": PaymentVoucher,
	"4": PaymentCheque,
	"5": PaymentCredit,
	"6": PaymentTransfer,
	"7": PaymentMobile,
}

type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	Unit        string
	UnitPrice   decimal.Decimal
	VatRate     string // "23", "8", "zw", "np" ...
	NetValue    decimal.Decimal
}

// ParsedInvoice is the normalized record produced by the Parser.
// ExternalReference is always set; GrossAmount is the declared total or the
// sum of the declared net and VAT components.
type ParsedInvoice struct {
	ExternalReference string
	InvoiceNumber     string
	IssueDate         time.Time
	SaleDate          *time.Time
	DueDate           *time.Time
	GrossAmount       decimal.Decimal
	GrossDerived      bool
	NetAmount         decimal.Decimal
	VatAmount         decimal.Decimal
	Currency          string
	SupplierName      string
	SupplierTaxID     string
	SupplierAddress   string
	BuyerName         string
	BuyerTaxID        string
	PaymentMethod     PaymentMethod
	LineItems         []LineItem

	SchemaNamespace string
	DocumentSHA256  []byte
}

// Diagnostic opisuje dokument, którego nie udało się przetworzyć.
type Diagnostic struct {
	Name    string
	Reason  string
	Excerpt string
	Err     error
}

func (d Diagnostic) String() string {
	return d.Name + ": " + d.Reason + " [" + d.Excerpt + "]"
}

// ParseError is the per-document parse failure. It never aborts a batch.
type ParseError struct {
	Name  string
	Field string
	Cause error
}

func (e *ParseError) Error() string {
	msg := "parse " + e.Name
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Cause }
