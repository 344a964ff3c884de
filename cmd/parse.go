package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/alapierre/ksef-exchange/ksef/download"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

type parseFlags struct {
	workers int
	strict  bool
}

func newParseCmd(g *globalFlags) *cobra.Command {
	f := &parseFlags{}
	c := &cobra.Command{
		Use:   "parse [files...]",
		Short: "Parse local invoice XML files or export packages (ZIP)",
		Long: `Parsuje faktury FA zapisane lokalnie, bez łączenia się z KSeF.
Archiwa .zip są rozpakowywane tak samo jak paczki eksportu.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, g, f, args)
		},
	}
	c.Flags().IntVar(&f.workers, "workers", invoice.DefaultWorkers, "Documents parsed in parallel")
	c.Flags().BoolVar(&f.strict, "strict", false, "Fail when any document cannot be parsed")
	return c
}

func runParse(cmd *cobra.Command, g *globalFlags, f *parseFlags, args []string) error {
	if err := checkFormat(g.format); err != nil {
		return err
	}

	var (
		docs  []invoice.RawDocument
		notes []string
	)
	fetcher := download.NewFetcher(nil)
	for _, name := range args {
		if strings.EqualFold(filepath.Ext(name), ".zip") {
			d, n, err := fetcher.ExtractFile(name)
			if err != nil {
				return err
			}
			docs = append(docs, d...)
			notes = append(notes, n...)
			continue
		}
		raw, err := os.ReadFile(name)
		if err != nil {
			return errors.Wrap(err, "read document")
		}
		docs = append(docs, invoice.RawDocument{Name: filepath.Base(name), Bytes: raw})
	}

	records, diags, err := invoice.NewParser(invoice.WithWorkers(f.workers)).ParseAll(cmd.Context(), docs)
	if err != nil {
		return err
	}
	writeDiagnostics(cmd.ErrOrStderr(), diags, notes)
	if err := writeRecords(cmd.OutOrStdout(), g.format, records); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "parsed %d of %d documents\n", len(records), len(docs))

	if f.strict && len(diags) > 0 {
		return errors.Errorf("%d documents could not be parsed", len(diags))
	}
	return nil
}
