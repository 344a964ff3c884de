// Package config wczytuje konfigurację klienta z pliku YAML i zmiennych środowiskowych.
package config

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/auth"
	"github.com/alapierre/ksef-exchange/ksef/credentials"
	"github.com/alapierre/ksef-exchange/ksef/download"
	"github.com/alapierre/ksef-exchange/ksef/exchange"
	"github.com/alapierre/ksef-exchange/ksef/export"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
	"github.com/alapierre/ksef-exchange/ksef/ledger"
	"github.com/alapierre/ksef-exchange/ksef/util"
)

var logger = logrus.WithField("component", "ksef.config")

const (
	EnvEnvironment = "KSEF_ENV"
	EnvNip         = "KSEF_NIP"
	EnvToken       = "KSEF_TOKEN"
	EnvDSN         = "KSEF_DB_DSN"
	EnvRedisURL    = "KSEF_REDIS_URL"
)

// Rodzaje rejestru faktur.
const (
	LedgerNone     = ""
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

type Config struct {
	Environment ksef.Environment `yaml:"environment"`
	Nip         string           `yaml:"nip"`
	Token       string           `yaml:"token"`
	Subject     string           `yaml:"subject"`
	ScratchDir  string           `yaml:"scratchDir"`

	HTTP   HTTP   `yaml:"http"`
	Auth   Auth   `yaml:"auth"`
	Export Export `yaml:"export"`
	Parse  Parse  `yaml:"parse"`
	Ledger Ledger `yaml:"ledger"`
}

type HTTP struct {
	Timeout         time.Duration `yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
	RateLimit       float64       `yaml:"rateLimit"` // żądań na sekundę, 0 = bez limitu
	Burst           int           `yaml:"burst"`
}

type Auth struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

type Export struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"`
}

type Parse struct {
	Workers int `yaml:"workers"`
}

type Ledger struct {
	Kind     string `yaml:"kind"`
	DSN      string `yaml:"dsn"`
	RedisURL string `yaml:"redisURL"`
}

func Default() *Config {
	return &Config{
		Environment: ksef.Test,
		Subject:     string(export.Buyer),
		HTTP: HTTP{
			Timeout:         api.DefaultCallTimeout,
			DownloadTimeout: api.DefaultDownloadTimeout,
		},
		Auth: Auth{
			PollInterval: auth.DefaultPollInterval,
			MaxAttempts:  auth.DefaultMaxAttempts,
		},
		Export: Export{
			PollInterval: export.DefaultPollInterval,
			MaxWait:      export.DefaultMaxWait,
		},
		Parse: Parse{Workers: invoice.DefaultWorkers},
	}
}

// Load czyta plik (pusta ścieżka = same wartości domyślne) i nakłada zmienne środowiskowe.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, errors.Wrapf(err, "config %s", path)
		}
		logger.Debugf("loaded config from %s", path)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(c)
}

func (c *Config) applyEnv() error {
	if v := util.GetEnvOrDefault(EnvEnvironment, ""); v != "" {
		if err := c.Environment.UnmarshalText([]byte(v)); err != nil {
			return err
		}
	}
	c.Nip = util.GetEnvOrDefault(EnvNip, c.Nip)
	c.Token = util.GetEnvOrDefault(EnvToken, c.Token)
	if v := util.GetEnvOrDefault(EnvDSN, ""); v != "" {
		c.Ledger.DSN = v
		if c.Ledger.Kind == LedgerNone {
			c.Ledger.Kind = LedgerPostgres
		}
	}
	if v := util.GetEnvOrDefault(EnvRedisURL, ""); v != "" {
		c.Ledger.RedisURL = v
		if c.Ledger.Kind == LedgerNone {
			c.Ledger.Kind = LedgerRedis
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := export.ParseSubjectRole(c.Subject); err != nil {
		return err
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.Burst < 0 {
		return errors.New("http.rateLimit and http.burst must not be negative")
	}
	if c.Auth.PollInterval <= 0 || c.Auth.MaxAttempts <= 0 {
		return errors.New("auth.pollInterval and auth.maxAttempts must be positive")
	}
	if c.Export.PollInterval <= 0 || c.Export.MaxWait <= 0 {
		return errors.New("export.pollInterval and export.maxWait must be positive")
	}
	switch strings.ToLower(c.Ledger.Kind) {
	case LedgerNone, LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return errors.Errorf("ledger.kind %s requires ledger.dsn or %s", c.Ledger.Kind, EnvDSN)
		}
	case LedgerRedis:
		if c.Ledger.RedisURL == "" {
			return errors.Errorf("ledger.kind %s requires ledger.redisURL or %s", c.Ledger.Kind, EnvRedisURL)
		}
	default:
		return errors.Errorf("unknown ledger.kind %q (allowed: memory, postgres, redis)", c.Ledger.Kind)
	}
	return nil
}

// Credentials zwraca dane logowania z konfiguracji; NIP jest normalizowany.
func (c *Config) Credentials() (credentials.Static, error) {
	nip, err := credentials.NormalizeNip(c.Nip)
	if err != nil {
		return credentials.Static{}, err
	}
	if c.Token == "" {
		return credentials.Static{}, errors.Errorf("KSeF token is not set (token or %s)", EnvToken)
	}
	return credentials.Static{Nip: nip, KsefToken: c.Token}, nil
}

// Options przekłada konfigurację na opcje klienta exchange.
func (c *Config) Options() []exchange.Option {
	subject, _ := export.ParseSubjectRole(c.Subject)

	apiOpts := []api.ClientOption{
		api.WithCallTimeout(c.HTTP.Timeout),
		api.WithDownloadTimeout(c.HTTP.DownloadTimeout),
	}
	if c.HTTP.RateLimit > 0 {
		burst := c.HTTP.Burst
		if burst == 0 {
			burst = 1
		}
		apiOpts = append(apiOpts, api.WithRateLimit(rate.NewLimiter(rate.Limit(c.HTTP.RateLimit), burst)))
	}

	opts := []exchange.Option{
		exchange.WithAPIOptions(apiOpts...),
		exchange.WithAuthOptions(auth.WithPollInterval(c.Auth.PollInterval), auth.WithMaxAttempts(c.Auth.MaxAttempts)),
		exchange.WithExportPolling(c.Export.PollInterval, c.Export.MaxWait),
		exchange.WithParserOptions(invoice.WithWorkers(c.Parse.Workers)),
		exchange.WithSubject(subject),
	}
	if c.ScratchDir != "" {
		opts = append(opts, exchange.WithFetcherOptions(download.WithScratchDir(c.ScratchDir)))
	}
	return opts
}

// OpenLedger otwiera rejestr wskazany w konfiguracji (dla PostgreSQL zakłada też schemat).
// Dla braku rejestru zwraca nil. Zwrócona funkcja zamyka połączenie.
func (c *Config) OpenLedger(ctx context.Context) (ledger.Ledger, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(c.Ledger.Kind) {
	case LedgerMemory:
		return ledger.NewMemory(nil, nil), noop, nil
	case LedgerPostgres:
		pg, err := ledger.OpenPostgres(c.Ledger.DSN, nil)
		if err != nil {
			return nil, noop, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, noop, err
		}
		return pg, pg.Close, nil
	case LedgerRedis:
		rd, err := ledger.OpenRedis(c.Ledger.RedisURL, nil)
		if err != nil {
			return nil, noop, err
		}
		return rd, rd.Close, nil
	}
	return nil, noop, nil
}
