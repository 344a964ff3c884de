package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alapierre/ksef-exchange/ksef/util"
)

var logger = logrus.WithField("component", "ksef.invoice")

const DefaultWorkers = 4

var (
	ErrUnrecognized = errors.New("document has neither invoice number nor supplier name")

	netFieldRe = regexp.MustCompile(`^P_13_\d+(_\d+)?$`)
	// P_14_xW to kwoty VAT przeliczone na PLN, nie wchodzą do sumy
	vatFieldRe = regexp.MustCompile(`^P_14_\d+$`)
)

// Ścieżki pól względem korzenia Faktura. Kolejne warianty dla starszych wersji schematu.
var (
	pathInvoiceNumber = []string{"Fa/P_2"}
	pathIssueDate     = []string{"Fa/P_1"}
	pathSaleDate      = []string{"Fa/P_6", "Fa/OkresFa/P_6_Do"}
	pathDueDate       = []string{"Fa/Platnosc/TerminPlatnosci/Termin", "Fa/Platnosc/TerminyPlatnosci/TerminPlatnosci"}
	pathGross         = []string{"Fa/P_15"}
	pathCurrency      = []string{"Fa/KodWaluty"}
	pathPayment       = []string{"Fa/Platnosc/FormaPlatnosci"}
	pathReference     = []string{"NrKSeF"}

	pathSupplierName  = []string{"Podmiot1/DaneIdentyfikacyjne/Nazwa", "Podmiot1/DaneIdentyfikacyjne/PelnaNazwa"}
	pathSupplierTaxID = []string{"Podmiot1/DaneIdentyfikacyjne/NIP"}
	pathSupplierAddr1 = []string{"Podmiot1/Adres/AdresL1"}
	pathSupplierAddr2 = []string{"Podmiot1/Adres/AdresL2"}
	pathBuyerName     = []string{"Podmiot2/DaneIdentyfikacyjne/Nazwa", "Podmiot2/DaneIdentyfikacyjne/PelnaNazwa"}
	pathBuyerTaxID    = []string{"Podmiot2/DaneIdentyfikacyjne/NIP", "Podmiot2/DaneIdentyfikacyjne/NrVatUE", "Podmiot2/DaneIdentyfikacyjne/NrID"}

	pathRows = "Fa/FaWiersz"
)

type Parser struct {
	workers int
}

type Option func(*Parser)

// WithWorkers ogranicza liczbę dokumentów parsowanych równolegle w ParseAll.
func WithWorkers(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.workers = n
		}
	}
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{workers: DefaultWorkers}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse extracts one invoice. It returns either a record or a diagnostic, never both,
// and never panics on malformed input.
func (p *Parser) Parse(doc RawDocument) (*ParsedInvoice, *Diagnostic) {
	content, err := ToUTF8(doc.Bytes)
	if err != nil {
		return nil, diagnose(doc, "cannot decode text", &ParseError{Name: doc.Name, Cause: err})
	}

	tree := etree.NewDocument()
	tree.ReadSettings.CharsetReader = charsetReader
	tree.ReadSettings.ValidateInput = true
	if err := tree.ReadFromBytes(content); err != nil {
		return nil, diagnose(doc, "malformed XML", &ParseError{Name: doc.Name, Cause: err})
	}
	root := tree.Root()
	if root == nil {
		return nil, diagnose(doc, "empty document", &ParseError{Name: doc.Name})
	}

	r := newResolver(root)
	inv := &ParsedInvoice{
		InvoiceNumber:   r.text(pathInvoiceNumber...),
		SupplierName:    r.text(pathSupplierName...),
		SupplierTaxID:   r.text(pathSupplierTaxID...),
		SupplierAddress: joinNonEmpty(", ", r.text(pathSupplierAddr1...), r.text(pathSupplierAddr2...)),
		BuyerName:       r.text(pathBuyerName...),
		BuyerTaxID:      r.text(pathBuyerTaxID...),
		Currency:        strings.ToUpper(r.text(pathCurrency...)),
		PaymentMethod:   paymentCodes[r.text(pathPayment...)],
		SchemaNamespace: r.ns,
	}
	if inv.InvoiceNumber == "" && inv.SupplierName == "" {
		return nil, diagnose(doc, "unrecognized invoice structure", &ParseError{Name: doc.Name, Cause: ErrUnrecognized})
	}

	sum := sha256.Sum256(content)
	inv.DocumentSHA256 = sum[:]
	inv.ExternalReference = externalReference(r, doc.Name, sum[:])

	if t, ok := parseDate(r.text(pathIssueDate...)); ok {
		inv.IssueDate = t
	}
	if t, ok := parseDate(r.text(pathSaleDate...)); ok {
		inv.SaleDate = &t
	}
	if t, ok := parseDate(r.text(pathDueDate...)); ok {
		inv.DueDate = &t
	}

	amounts(r, inv, doc.Name)
	inv.LineItems = lineItems(r, doc.Name)
	return inv, nil
}

// amounts ustawia kwotę brutto: zadeklarowane P_15 albo suma P_13_x i P_14_x.
func amounts(r *resolver, inv *ParsedInvoice, name string) {
	if fa := r.first("Fa"); fa != nil {
		for _, child := range fa.ChildElements() {
			switch {
			case netFieldRe.MatchString(child.Tag):
				inv.NetAmount = inv.NetAmount.Add(amount(child.Text(), name, child.Tag))
			case vatFieldRe.MatchString(child.Tag):
				inv.VatAmount = inv.VatAmount.Add(amount(child.Text(), name, child.Tag))
			}
		}
	}

	gross := amount(r.text(pathGross...), name, "P_15")
	if gross.IsZero() {
		inv.GrossAmount = inv.NetAmount.Add(inv.VatAmount)
		inv.GrossDerived = true
		return
	}
	inv.GrossAmount = gross
}

func lineItems(r *resolver, name string) []LineItem {
	var items []LineItem
	for i, row := range r.all(pathRows) {
		rr := r.at(row)
		desc := rr.text("P_7")
		if desc == "" {
			logger.Debugf("%s: line %d without description dropped", name, i+1)
			continue
		}
		items = append(items, LineItem{
			Description: desc,
			Quantity:    amount(rr.text("P_8B"), name, "P_8B"),
			Unit:        rr.text("P_8A"),
			UnitPrice:   amount(rr.text("P_9A", "P_9B"), name, "P_9A"),
			VatRate:     rr.text("P_12"),
			NetValue:    amount(rr.text("P_11", "P_11A"), name, "P_11"),
		})
	}
	return items
}

// ParseAll parsuje dokumenty równolegle (co najwyżej workers naraz). Rekordy i diagnostyki
// zachowują kolejność dokumentów. Błąd zwracany jest tylko przy anulowaniu kontekstu.
func (p *Parser) ParseAll(ctx context.Context, docs []RawDocument) ([]ParsedInvoice, []Diagnostic, error) {
	type result struct {
		inv  *ParsedInvoice
		diag *Diagnostic
	}
	results := make([]result, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inv, diag := p.Parse(docs[i])
			results[i] = result{inv, diag}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		records []ParsedInvoice
		diags   []Diagnostic
	)
	for _, res := range results {
		switch {
		case res.inv != nil:
			records = append(records, *res.inv)
		case res.diag != nil:
			diags = append(diags, *res.diag)
		}
	}
	return records, diags, nil
}

func diagnose(doc RawDocument, reason string, err error) *Diagnostic {
	d := &Diagnostic{
		Name:    doc.Name,
		Reason:  reason,
		Excerpt: util.Excerpt(string(doc.Bytes), util.BodyExcerptLen),
		Err:     err,
	}
	logger.Warnf("skipping document %s: %s", doc.Name, reason)
	return d
}

func externalReference(r *resolver, name string, sum []byte) string {
	if ref := r.text(pathReference...); ref != "" {
		return ref
	}
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if ext := path.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	if base != "" && base != "." && base != "/" {
		return base
	}
	return "sha256:" + hex.EncodeToString(sum)
}

func amount(v, name, field string) decimal.Decimal {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", "."))
	if err != nil {
		logger.Warnf("%s: invalid amount in %s: %q", name, field, util.Excerpt(v, 40))
		return decimal.Zero
	}
	return d
}

func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
