package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

func writeRecords(w io.Writer, format string, records []invoice.ParsedInvoice) error {
	switch format {
	case formatJSON:
		out := make([]jsonRecord, 0, len(records))
		for _, r := range records {
			out = append(out, newJSONRecord(r))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case formatTable:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "REFERENCE\tNUMBER\tISSUED\tSUPPLIER\tNIP\tGROSS\tCURRENCY\tDUE")
		for _, r := range records {
			due := "-"
			if r.DueDate != nil {
				due = r.DueDate.Format("2006-01-02")
			}
			gross := r.GrossAmount.StringFixed(2)
			if r.GrossDerived {
				gross += "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ExternalReference, r.InvoiceNumber, r.IssueDate.Format("2006-01-02"),
				r.SupplierName, r.SupplierTaxID, gross, r.Currency, due)
		}
		return tw.Flush()
	}
	return errors.Errorf("unknown output format %q (allowed: json, table)", format)
}

// jsonRecord nadpisuje kwoty tekstem z dwoma miejscami po przecinku, tak jak w tabeli.
type jsonRecord struct {
	invoice.ParsedInvoice
	GrossAmount string
	NetAmount   string
	VatAmount   string
	LineItems   []jsonLineItem
}

type jsonLineItem struct {
	invoice.LineItem
	UnitPrice string
	NetValue  string
}

func newJSONRecord(r invoice.ParsedInvoice) jsonRecord {
	out := jsonRecord{
		ParsedInvoice: r,
		GrossAmount:   money(r.GrossAmount),
		NetAmount:     money(r.NetAmount),
		VatAmount:     money(r.VatAmount),
		LineItems:     make([]jsonLineItem, 0, len(r.LineItems)),
	}
	for _, item := range r.LineItems {
		out.LineItems = append(out.LineItems, jsonLineItem{
			LineItem:  item,
			UnitPrice: money(item.UnitPrice),
			NetValue:  money(item.NetValue),
		})
	}
	return out
}

// money: co najmniej dwa miejsca po przecinku, dokładniejsza skala (np. cena jednostkowa) zostaje.
func money(d decimal.Decimal) string {
	if d.Exponent() < -2 {
		return d.String()
	}
	return d.StringFixed(2)
}

func writeDiagnostics(w io.Writer, diags []invoice.Diagnostic, notes []string) {
	for _, d := range diags {
		fmt.Fprintf(w, "skipped %s: %s\n", d.Name, d.Reason)
	}
	for _, n := range notes {
		fmt.Fprintf(w, "note: %s\n", n)
	}
}

func checkFormat(format string) error {
	if format != formatJSON && format != formatTable {
		return errors.Errorf("unknown output format %q (allowed: json, table)", format)
	}
	return nil
}
