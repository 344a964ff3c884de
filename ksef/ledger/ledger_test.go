package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-faster/jx"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func sample(ref string) invoice.ParsedInvoice {
	return invoice.ParsedInvoice{
		ExternalReference: ref,
		InvoiceNumber:     "FV/" + ref,
		IssueDate:         time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		GrossAmount:       decimal.RequireFromString("123.00"),
		NetAmount:         decimal.RequireFromString("100.00"),
		VatAmount:         decimal.RequireFromString("23.00"),
		Currency:          "PLN",
		SupplierName:      "Dostawca",
		SupplierTaxID:     "1111111111",
		PaymentMethod:     invoice.PaymentTransfer,
		DueDate:           day(2025, 3, 24),
		LineItems: []invoice.LineItem{{
			Description: "Usługa",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("100.00"),
			VatRate:     "23",
			NetValue:    decimal.RequireFromString("100.00"),
		}},
	}
}

func TestDefaultPaidPolicy(t *testing.T) {
	tests := []struct {
		name string
		inv  invoice.ParsedInvoice
		want bool
	}{
		{"cash", invoice.ParsedInvoice{PaymentMethod: invoice.PaymentCash}, true},
		{"no due date", invoice.ParsedInvoice{PaymentMethod: invoice.PaymentTransfer}, false},
		{"due today", invoice.ParsedInvoice{DueDate: day(2025, 3, 10)}, true},
		{"due tomorrow", invoice.ParsedInvoice{DueDate: day(2025, 3, 11)}, true},
		{"due in two days", invoice.ParsedInvoice{DueDate: day(2025, 3, 12)}, false},
		{"overdue", invoice.ParsedInvoice{DueDate: day(2025, 2, 1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultPaidPolicy(tt.inv, now))
		})
	}
	assert.False(t, NeverPaid(invoice.ParsedInvoice{PaymentMethod: invoice.PaymentCash}, now))
}

func TestImport_Memory(t *testing.T) {
	mem := NewMemory(nil, clockwork.NewFakeClockAt(now))
	require.NoError(t, mem.Persist(context.Background(), sample("A")))

	st, err := Import(context.Background(), mem, []invoice.ParsedInvoice{sample("A"), sample("B"), sample("C")})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Imported)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, st.Failed)
	assert.Equal(t, 3, mem.Len())

	rec, ok := mem.Get("B")
	require.True(t, ok)
	assert.Equal(t, now, rec.ImportedAt)
	assert.False(t, rec.Paid)

	assert.ErrorIs(t, mem.Persist(context.Background(), sample("B")), ErrDuplicate)
}

type flakyLedger struct {
	*Memory
	failOn string
}

func (f flakyLedger) Persist(ctx context.Context, inv invoice.ParsedInvoice) error {
	if inv.ExternalReference == f.failOn {
		return errors.New("disk full")
	}
	return f.Memory.Persist(ctx, inv)
}

func TestImport_FailureIsIsolated(t *testing.T) {
	l := flakyLedger{Memory: NewMemory(NeverPaid, nil), failOn: "B"}

	st, err := Import(context.Background(), l, []invoice.ParsedInvoice{sample("A"), sample("B"), sample("C")})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Imported)
	assert.Equal(t, 1, st.Failed)
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0].Error(), "persist B")
}

func TestImport_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Import(ctx, NewMemory(nil, nil), []invoice.ParsedInvoice{sample("A")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostgres_Exists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select exists\\(select 1 from ksef_invoices").WithArgs("REF-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewPostgres(db, nil, nil).Exists(context.Background(), "REF-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestPostgres_Persist(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	header := anyArgs(18)
	header[0] = "REF-1"
	header[15] = false // paid

	mock.ExpectBegin()
	mock.ExpectExec("insert into ksef_invoices\\(").WithArgs(header...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ksef_invoice_lines").
		WithArgs("REF-1", 1, "Usługa", sqlmock.AnyArg(), "", sqlmock.AnyArg(), "23", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l := NewPostgres(db, nil, clockwork.NewFakeClockAt(now))
	require.NoError(t, l.Persist(context.Background(), sample("REF-1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_PostgresCountsCommitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select exists\\(select 1 from ksef_invoices").WithArgs("REF-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("insert into ksef_invoices\\(").WithArgs(anyArgs(18)...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ksef_invoice_lines").WithArgs(anyArgs(8)...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, err := Import(context.Background(), NewPostgres(db, nil, clockwork.NewFakeClockAt(now)), []invoice.ParsedInvoice{sample("REF-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Imported)
	assert.Zero(t, st.Failed)
	assert.Empty(t, st.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PersistDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into ksef_invoices\\(").WithArgs(anyArgs(18)...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewPostgres(db, nil, nil).Persist(context.Background(), sample("REF-1"))
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists ksef_invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgres(db, nil, nil).EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodeRecord(t *testing.T) {
	raw := encodeRecord(Record{Invoice: sample("REF-1"), Paid: true, ImportedAt: now})

	fields := map[string]string{}
	lines := 0
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		switch d.Next() {
		case jx.String:
			v, err := d.Str()
			fields[key] = v
			return err
		case jx.Array:
			return d.Arr(func(d *jx.Decoder) error {
				lines++
				return d.Skip()
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "REF-1", fields["externalReference"])
	assert.Equal(t, "123.00", fields["grossAmount"])
	assert.Equal(t, "2025-03-24", fields["dueDate"])
	assert.Equal(t, "2025-03-10T12:00:00Z", fields["importedAt"])
	assert.Equal(t, 1, lines)
}
