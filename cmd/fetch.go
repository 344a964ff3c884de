package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alapierre/ksef-exchange/ksef/exchange"
	"github.com/alapierre/ksef-exchange/ksef/metrics"
	"github.com/alapierre/ksef-exchange/ksef/qr"
	"github.com/alapierre/ksef-exchange/png"
)

type fetchFlags struct {
	from        string
	to          string
	subject     string
	ledger      string
	qrDir       string
	metricsFile string
	output      string
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	f := &fetchFlags{}
	c := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch invoices for a date range",
		Long: `Uwierzytelnia się tokenem KSeF, zleca eksport faktur z zakresu dat (pełne dni UTC),
pobiera i odszyfrowuje paczkę, a następnie parsuje dokumenty.

Bez --from i --to pobierane są faktury z ostatnich 30 dni.
Sesja KSeF jest zamykana także przy błędzie i po Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd, g, f)
		},
	}
	c.Flags().StringVar(&f.from, "from", "", "First day of the range, YYYY-MM-DD (default: 30 days before --to)")
	c.Flags().StringVar(&f.to, "to", "", "Last day of the range, YYYY-MM-DD (default: --from, or today)")
	c.Flags().StringVar(&f.subject, "subject", "", "buyer (received invoices) or seller (issued invoices)")
	c.Flags().StringVar(&f.ledger, "ledger", "", "Import records into a ledger: memory, postgres, redis")
	c.Flags().StringVar(&f.qrDir, "qr-dir", "", "Write a verification QR code (PNG) per invoice into this directory")
	c.Flags().StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format")
	c.Flags().StringVarP(&f.output, "output", "o", "", "Write records to a file instead of stdout")
	return c
}

func runFetch(cmd *cobra.Command, g *globalFlags, f *fetchFlags) error {
	if err := checkFormat(g.format); err != nil {
		return err
	}
	from, to, err := parseRange(f.from, f.to)
	if err != nil {
		return err
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if f.subject != "" {
		cfg.Subject = f.subject
	}
	if f.ledger != "" {
		cfg.Ledger.Kind = f.ledger
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, closeLedger, err := cfg.OpenLedger(ctx)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logrus.Warnf("close ledger: %v", err)
		}
	}()

	m := metrics.New()
	opts := append(cfg.Options(), exchange.WithRecorder(m))
	if l != nil {
		opts = append(opts, exchange.WithLedger(l))
	}
	client, err := exchange.New(cfg.Environment, nil, creds, opts...)
	if err != nil {
		return err
	}

	rep, fetchErr := client.Fetch(ctx, from, to)
	if f.metricsFile != "" {
		if err := m.WriteTextfile(f.metricsFile); err != nil {
			logrus.Warnf("cannot write metrics: %v", err)
		}
	}

	stderr := cmd.ErrOrStderr()
	writeDiagnostics(stderr, rep.Diagnostics, rep.Notes)
	if fetchErr != nil {
		logrus.WithField("fetch_id", rep.FetchID).Debugf("fetch error: %+v", fetchErr)
		return errors.New(rep.Summary)
	}

	if err := writeOutput(cmd, f.output, g.format, rep); err != nil {
		return err
	}
	if f.qrDir != "" {
		writeQRCodes(stderr, client, f.qrDir, rep)
	}
	fmt.Fprintln(stderr, rep.Summary)
	return nil
}

func writeOutput(cmd *cobra.Command, path, format string, rep *exchange.Report) error {
	if path == "" {
		return writeRecords(cmd.OutOrStdout(), format, rep.Records)
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if err := writeRecords(out, format, rep.Records); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeQRCodes(w io.Writer, client *exchange.Client, dir string, rep *exchange.Report) {
	written := 0
	for _, inv := range rep.Records {
		link, err := qr.ForInvoice(client.Environment(), inv)
		if err != nil {
			fmt.Fprintf(w, "no QR for %s: %v\n", inv.ExternalReference, err)
			continue
		}
		if _, err := png.WriteFile(dir, inv.ExternalReference, link); err != nil {
			fmt.Fprintf(w, "no QR for %s: %v\n", inv.ExternalReference, err)
			continue
		}
		written++
	}
	logrus.Infof("%d QR codes written to %s", written, dir)
}

// parseRange zostawia zerowe daty dla pominiętych flag; domyślny zakres ustala exchange.
func parseRange(fromArg, toArg string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if fromArg != "" {
		if from, err = time.Parse(time.DateOnly, fromArg); err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "--from")
		}
	}
	if toArg == "" {
		return from, from, nil
	}
	if to, err = time.Parse(time.DateOnly, toArg); err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(err, "--to")
	}
	if !from.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, errors.Errorf("--to %s is before --from %s", toArg, fromArg)
	}
	return from, to, nil
}
