package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alapierre/ksef-exchange/ksef/config"
	"github.com/alapierre/ksef-exchange/ksef/util"
)

var version = "dev"

type globalFlags struct {
	configPath string
	format     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "ksef-exchange",
		Short: "Fetch and parse invoices from KSeF",
		Long: `ksef-exchange pobiera faktury z KSeF (Krajowy System e-Faktur) za wskazany okres,
rozpakowuje paczkę eksportu i zamienia dokumenty FA na rekordy.

Examples:
  # faktury otrzymane w styczniu, środowisko testowe
  KSEF_NIP=1111111111 KSEF_TOKEN=... ksef-exchange fetch --from 2025-01-01 --to 2025-01-31

  # faktury wystawione, z konfiguracją z pliku i importem do PostgreSQL
  ksef-exchange fetch --config ksef.yaml --subject seller --ledger postgres

  # parsowanie lokalnych plików XML lub paczki ZIP
  ksef-exchange parse paczka.zip faktura.xml -f table`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if g.verbose || util.DebugEnabled() {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file (env overrides: KSEF_ENV, KSEF_NIP, KSEF_TOKEN, KSEF_DB_DSN, KSEF_REDIS_URL)")
	root.PersistentFlags().StringVarP(&g.format, "format", "f", formatJSON, "Output format (json, table)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging (env: KSEF_DEBUG)")

	root.AddCommand(newFetchCmd(g), newParseCmd(g), newVersionCmd())
	return root
}

func Execute() error {
	return newRootCmd().Execute()
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	return config.Load(g.configPath)
}
