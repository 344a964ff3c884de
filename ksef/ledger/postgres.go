package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

const schema = `
create table if not exists ksef_invoices (
	external_reference text primary key,
	invoice_number     text not null,
	issue_date         date,
	sale_date          date,
	due_date           date,
	gross_amount       numeric(18,2) not null,
	net_amount         numeric(18,2) not null,
	vat_amount         numeric(18,2) not null,
	currency           text not null,
	supplier_name      text not null,
	supplier_tax_id    text not null,
	supplier_address   text not null,
	buyer_name         text not null,
	buyer_tax_id       text not null,
	payment_method     text not null,
	paid               boolean not null,
	document_sha256    bytea,
	imported_at        timestamptz not null
);
create table if not exists ksef_invoice_lines (
	external_reference text not null references ksef_invoices(external_reference) on delete cascade,
	line_no            int not null,
	description        text not null,
	quantity           numeric(18,6) not null,
	unit               text not null,
	unit_price         numeric(18,6) not null,
	vat_rate           text not null,
	net_value          numeric(18,2) not null,
	primary key (external_reference, line_no)
);`

type Postgres struct {
	db    *sql.DB
	paid  PaidPolicy
	clock clockwork.Clock
}

// OpenPostgres łączy się przez sterownik pgx (database/sql).
func OpenPostgres(dsn string, paid PaidPolicy) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	return NewPostgres(db, paid, nil), nil
}

func NewPostgres(db *sql.DB, paid PaidPolicy, clock clockwork.Clock) *Postgres {
	if paid == nil {
		paid = DefaultPaidPolicy
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Postgres{db: db, paid: paid, clock: clock}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return errors.Wrap(err, "create ledger schema")
	}
	return nil
}

func (p *Postgres) Exists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `select exists(select 1 from ksef_invoices where external_reference = $1)`, ref).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "query invoice")
	}
	return exists, nil
}

func (p *Postgres) Persist(ctx context.Context, inv invoice.ParsedInvoice) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := p.clock.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		insert into ksef_invoices(external_reference, invoice_number, issue_date, sale_date, due_date,
			gross_amount, net_amount, vat_amount, currency, supplier_name, supplier_tax_id, supplier_address,
			buyer_name, buyer_tax_id, payment_method, paid, document_sha256, imported_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		on conflict (external_reference) do nothing`,
		inv.ExternalReference, inv.InvoiceNumber, nullDate(&inv.IssueDate), nullDate(inv.SaleDate), nullDate(inv.DueDate),
		inv.GrossAmount, inv.NetAmount, inv.VatAmount, inv.Currency, inv.SupplierName, inv.SupplierTaxID, inv.SupplierAddress,
		inv.BuyerName, inv.BuyerTaxID, string(inv.PaymentMethod), p.paid(inv, now), inv.DocumentSHA256, now,
	)
	if err != nil {
		return errors.Wrap(err, "insert invoice")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}

	for i, item := range inv.LineItems {
		if _, err := tx.ExecContext(ctx, `
			insert into ksef_invoice_lines(external_reference, line_no, description, quantity, unit, unit_price, vat_rate, net_value)
			values ($1,$2,$3,$4,$5,$6,$7,$8)`,
			inv.ExternalReference, i+1, item.Description, item.Quantity, item.Unit, item.UnitPrice, item.VatRate, item.NetValue,
		); err != nil {
			return errors.Wrapf(err, "insert line %d", i+1)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func nullDate(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
