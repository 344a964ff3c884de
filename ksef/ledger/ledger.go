// Package ledger przechowuje zaimportowane faktury i odpowiada za deduplikację po numerze KSeF.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

var logger = logrus.WithField("component", "ksef.ledger")

// ErrDuplicate - rekord o tym numerze KSeF już istnieje.
var ErrDuplicate = errors.New("invoice already imported")

type Ledger interface {
	Exists(ctx context.Context, externalReference string) (bool, error)
	Persist(ctx context.Context, inv invoice.ParsedInvoice) error
}

// PaidPolicy decyduje, czy importowana faktura jest od razu oznaczana jako opłacona.
type PaidPolicy func(inv invoice.ParsedInvoice, now time.Time) bool

// DefaultPaidPolicy: gotówka albo termin płatności najpóźniej jutro.
func DefaultPaidPolicy(inv invoice.ParsedInvoice, now time.Time) bool {
	if inv.PaymentMethod == invoice.PaymentCash {
		return true
	}
	if inv.DueDate == nil {
		return false
	}
	today := now.UTC().Truncate(24 * time.Hour)
	return inv.DueDate.UTC().Sub(today) <= 24*time.Hour
}

// NeverPaid zostawia decyzję o płatności księgowości.
func NeverPaid(invoice.ParsedInvoice, time.Time) bool { return false }

type Stats struct {
	Imported int
	Skipped  int
	Failed   int
	Errors   []error
}

// Import zapisuje rekordy, których jeszcze nie ma w ledgerze. Błąd pojedynczego rekordu
// nie przerywa importu; przerywa go tylko anulowanie kontekstu.
func Import(ctx context.Context, l Ledger, records []invoice.ParsedInvoice) (Stats, error) {
	var st Stats
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		exists, err := l.Exists(ctx, rec.ExternalReference)
		if err != nil {
			st.Failed++
			st.Errors = append(st.Errors, errors.Wrapf(err, "check %s", rec.ExternalReference))
			continue
		}
		if exists {
			st.Skipped++
			continue
		}
		if err := l.Persist(ctx, rec); err != nil {
			// wyścig z równoległym importem
			if errors.Is(err, ErrDuplicate) {
				st.Skipped++
				continue
			}
			st.Failed++
			st.Errors = append(st.Errors, errors.Wrapf(err, "persist %s", rec.ExternalReference))
			continue
		}
		st.Imported++
	}
	logger.Infof("ledger import: %d imported, %d skipped, %d failed", st.Imported, st.Skipped, st.Failed)
	return st, nil
}
