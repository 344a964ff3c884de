package qr

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

func TestQRBaseURL(t *testing.T) {
	tests := []struct {
		env  ksef.Environment
		want string
	}{
		{ksef.Test, "https://qr-test.ksef.mf.gov.pl"},
		{ksef.Demo, "https://qr-demo.ksef.mf.gov.pl"},
		{ksef.Prod, "https://qr.ksef.mf.gov.pl"},
	}
	for _, tt := range tests {
		t.Run(tt.env.Name(), func(t *testing.T) {
			got, err := QRBaseURL(tt.env.BaseURL())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := QRBaseURL("not a url")
	assert.Error(t, err)
	_, err = QRBaseURL(" ")
	assert.Error(t, err)
}

func TestVerificationLink(t *testing.T) {
	sum := sha256.Sum256([]byte("<Faktura/>"))
	issue := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	link, err := VerificationLink(ksef.Test, "PL 111-111-11-11", issue, sum[:])
	require.NoError(t, err)
	assert.Regexp(t, `^https://qr-test\.ksef\.mf\.gov\.pl/client-app/invoice/1111111111/01-02-2025/[A-Za-z0-9_-]{43}$`, link)

	_, err = VerificationLink(ksef.Test, "1111111111", issue, nil)
	assert.ErrorIs(t, err, ErrNoDocumentHash)

	_, err = VerificationLink(ksef.Test, "123", issue, sum[:])
	assert.Error(t, err)
}

func TestForInvoice(t *testing.T) {
	sum := sha256.Sum256([]byte("doc"))
	inv := invoice.ParsedInvoice{
		ExternalReference: "ref-1",
		SupplierTaxID:     "1111111111",
		IssueDate:         time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		DocumentSHA256:    sum[:],
	}
	link, err := ForInvoice(ksef.Prod, inv)
	require.NoError(t, err)
	assert.Contains(t, link, "https://qr.ksef.mf.gov.pl/client-app/invoice/1111111111/15-01-2025/")

	inv.DocumentSHA256 = nil
	_, err = ForInvoice(ksef.Prod, inv)
	assert.ErrorIs(t, err, ErrNoDocumentHash)
	assert.ErrorContains(t, err, "ref-1")
}
