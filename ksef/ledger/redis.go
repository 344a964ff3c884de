package ledger

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

const DefaultRedisPrefix = "ksef"

// Redis trzyma rekordy jako JSON pod kluczem <prefix>:invoice:<numer KSeF>.
// Persist używa SET NX, więc równoległe importy nie nadpisują się nawzajem.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	paid   PaidPolicy
	clock  clockwork.Clock
}

func OpenRedis(url string, paid PaidPolicy) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return NewRedis(redis.NewClient(opts), DefaultRedisPrefix, 0, paid), nil
}

// NewRedis: ttl 0 oznacza rekordy bez wygasania.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, paid PaidPolicy) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if paid == nil {
		paid = DefaultPaidPolicy
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, paid: paid, clock: clockwork.NewRealClock()}
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) key(ref string) string {
	return r.prefix + ":invoice:" + ref
}

func (r *Redis) Exists(ctx context.Context, ref string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(ref)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (r *Redis) Persist(ctx context.Context, inv invoice.ParsedInvoice) error {
	now := r.clock.Now()
	body := encodeRecord(Record{Invoice: inv, Paid: r.paid(inv, now), ImportedAt: now})
	ok, err := r.client.SetNX(ctx, r.key(inv.ExternalReference), body, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "redis setnx")
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func encodeRecord(rec Record) []byte {
	inv := rec.Invoice
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("externalReference")
	e.Str(inv.ExternalReference)
	e.FieldStart("invoiceNumber")
	e.Str(inv.InvoiceNumber)
	if !inv.IssueDate.IsZero() {
		e.FieldStart("issueDate")
		e.Str(inv.IssueDate.Format(time.DateOnly))
	}
	if inv.DueDate != nil {
		e.FieldStart("dueDate")
		e.Str(inv.DueDate.Format(time.DateOnly))
	}
	e.FieldStart("grossAmount")
	e.Str(inv.GrossAmount.StringFixed(2))
	e.FieldStart("currency")
	e.Str(inv.Currency)
	e.FieldStart("supplierName")
	e.Str(inv.SupplierName)
	e.FieldStart("supplierTaxId")
	e.Str(inv.SupplierTaxID)
	e.FieldStart("buyerName")
	e.Str(inv.BuyerName)
	e.FieldStart("buyerTaxId")
	e.Str(inv.BuyerTaxID)
	e.FieldStart("paymentMethod")
	e.Str(string(inv.PaymentMethod))
	e.FieldStart("lines")
	e.ArrStart()
	for _, item := range inv.LineItems {
		e.ObjStart()
		e.FieldStart("description")
		e.Str(item.Description)
		e.FieldStart("quantity")
		e.Str(item.Quantity.String())
		e.FieldStart("unit")
		e.Str(item.Unit)
		e.FieldStart("unitPrice")
		e.Str(item.UnitPrice.String())
		e.FieldStart("vatRate")
		e.Str(item.VatRate)
		e.FieldStart("netValue")
		e.Str(item.NetValue.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("paid")
	e.Bool(rec.Paid)
	e.FieldStart("documentSha256")
	e.Str(hex.EncodeToString(inv.DocumentSHA256))
	e.FieldStart("importedAt")
	e.Str(rec.ImportedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}
