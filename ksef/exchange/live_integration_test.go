package exchange

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/alapierre/ksef-exchange/ksef"
)

// Pobranie z prawdziwego środowiska testowego KSeF.
func TestFetchInvoices_Live(t *testing.T) {
	nip, ok := os.LookupEnv("KSEF_NIP")
	if !ok {
		t.Skip("KSEF_NIP not set – skipping integration test")
	}
	token, ok := os.LookupEnv("KSEF_TOKEN")
	if !ok {
		t.Skip("KSEF_TOKEN not set – skipping integration test")
	}

	logrus.SetLevel(logrus.DebugLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	to := time.Now().UTC()
	records, msg, err := FetchInvoices(ctx, nip, token, ksef.Test, to.AddDate(0, 0, -7), to)
	t.Log(msg)
	if err != nil {
		t.Fatalf("fetch failed (%s): %v", ksef.ReasonOf(err), err)
	}
	for _, r := range records {
		assert.NotEmpty(t, r.ExternalReference)
	}
}
