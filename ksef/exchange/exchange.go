// Package exchange składa uwierzytelnienie, eksport, pobranie paczki i parsowanie
// w jedną operację pobrania faktur z KSeF.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/auth"
	"github.com/alapierre/ksef-exchange/ksef/cipher"
	"github.com/alapierre/ksef-exchange/ksef/credentials"
	"github.com/alapierre/ksef-exchange/ksef/download"
	"github.com/alapierre/ksef-exchange/ksef/export"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
	"github.com/alapierre/ksef-exchange/ksef/ledger"
	"github.com/alapierre/ksef-exchange/ksef/util"
)

var logger = logrus.WithField("component", "ksef.exchange")

const DefaultTeardownTimeout = 10 * time.Second

// DefaultRangeDays - zakres pobrania, gdy nie podano dat
const DefaultRangeDays = 30

type State int

const (
	Idle State = iota
	Authenticating
	Exporting
	Downloading
	Parsing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Authenticating:
		return "Authenticating"
	case Exporting:
		return "Exporting"
	case Downloading:
		return "Downloading"
	case Parsing:
		return "Parsing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Recorder zbiera metryki pobrań; implementuje go metrics.Metrics.
type Recorder interface {
	FetchFinished(state, reason string)
	StageFinished(stage string, took time.Duration)
	Polls(kind string, n int)
	Documents(parsed, failed int)
	LedgerImport(imported, skipped, failed int)
}

type nopRecorder struct{}

func (nopRecorder) FetchFinished(string, string) {}
func (nopRecorder) StageFinished(string, time.Duration) {}
func (nopRecorder) Polls(string, int) {}
func (nopRecorder) Documents(int, int) {}
func (nopRecorder) LedgerImport(int, int, int) {}

// Report is the outcome of one fetch. Records are valid even when some documents failed to parse.
type Report struct {
	FetchID      string
	State        State
	FailedStage  State
	FailReason   ksef.Reason
	JobReference string
	From, To     time.Time
	Records      []invoice.ParsedInvoice
	Diagnostics  []invoice.Diagnostic
	Documents    int
	Truncated    bool
	Notes        []string
	Ledger       *ledger.Stats
	Summary      string
}

type Client struct {
	env     ksef.Environment
	creds   credentials.Store
	cli     *api.Client
	enc     *cipher.EncryptionService
	auth    *auth.Orchestrator
	parser  *invoice.Parser
	ledger  ledger.Ledger
	metrics Recorder
	clock   clockwork.Clock

	subject       export.SubjectRole
	pollInterval  time.Duration
	maxWait       time.Duration
	exportOpts    []export.Option
	fetcherOpts   []download.Option
	teardownAfter time.Duration
}

type config struct {
	baseURL     string
	apiOpts     []api.ClientOption
	authOpts    []auth.Option
	cipherOpts  []cipher.Option
	parserOpts  []invoice.Option
	exportOpts  []export.Option
	fetcherOpts []download.Option
	subject     export.SubjectRole
	poll        time.Duration
	maxWait     time.Duration
	teardown    time.Duration
	ledger      ledger.Ledger
	metrics     Recorder
	clock       clockwork.Clock
}

type Option func(*config)

// WithBaseURL zastępuje adres środowiska (np. serwer testowy).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

func WithAPIOptions(opts ...api.ClientOption) Option {
	return func(c *config) { c.apiOpts = append(c.apiOpts, opts...) }
}

func WithAuthOptions(opts ...auth.Option) Option {
	return func(c *config) { c.authOpts = append(c.authOpts, opts...) }
}

func WithCipherOptions(opts ...cipher.Option) Option {
	return func(c *config) { c.cipherOpts = append(c.cipherOpts, opts...) }
}

func WithParserOptions(opts ...invoice.Option) Option {
	return func(c *config) { c.parserOpts = append(c.parserOpts, opts...) }
}

func WithExportOptions(opts ...export.Option) Option {
	return func(c *config) { c.exportOpts = append(c.exportOpts, opts...) }
}

func WithFetcherOptions(opts ...download.Option) Option {
	return func(c *config) { c.fetcherOpts = append(c.fetcherOpts, opts...) }
}

func WithExportPolling(interval, maxWait time.Duration) Option {
	return func(c *config) {
		c.poll = interval
		c.maxWait = maxWait
	}
}

func WithSubject(r export.SubjectRole) Option {
	return func(c *config) { c.subject = r }
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(c *config) { c.teardown = d }
}

// WithLedger włącza import rekordów (z deduplikacją) na końcu pobrania.
func WithLedger(l ledger.Ledger) Option {
	return func(c *config) { c.ledger = l }
}

// WithRecorder podłącza metryki. Jeżeli rec implementuje api.Observer, mierzone są też wywołania HTTP.
func WithRecorder(rec Recorder) Option {
	return func(c *config) { c.metrics = rec }
}

// WithClock ustala zegar wyznaczający domyślny zakres dat.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// New buduje klienta dla środowiska. Strategia transportu jest wybierana tutaj, raz.
func New(env ksef.Environment, httpClient *http.Client, creds credentials.Store, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("credential store is required")
	}
	cfg := config{
		baseURL:  env.BaseURL(),
		subject:  export.Buyer,
		poll:     export.DefaultPollInterval,
		maxWait:  export.DefaultMaxWait,
		teardown: DefaultTeardownTimeout,
		metrics:  nopRecorder{},
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	apiOpts := []api.ClientOption{api.WithClient(httpClient)}
	if obs, ok := cfg.metrics.(api.Observer); ok {
		apiOpts = append(apiOpts, api.WithObserver(obs))
	}
	cli, err := api.NewClient(cfg.baseURL, nil, append(apiOpts, cfg.apiOpts...)...)
	if err != nil {
		return nil, err
	}
	enc := cipher.NewEncryptionService(cli, cfg.cipherOpts...)

	return &Client{
		env:           env,
		creds:         creds,
		cli:           cli,
		enc:           enc,
		auth:          auth.NewOrchestrator(cli, enc, cfg.authOpts...),
		parser:        invoice.NewParser(cfg.parserOpts...),
		ledger:        cfg.ledger,
		metrics:       cfg.metrics,
		clock:         cfg.clock,
		subject:       cfg.subject,
		pollInterval:  cfg.poll,
		maxWait:       cfg.maxWait,
		exportOpts:    cfg.exportOpts,
		fetcherOpts:   cfg.fetcherOpts,
		teardownAfter: cfg.teardown,
	}, nil
}

// FetchInvoices pobiera faktury z zakresu dat (całe dni UTC).
// Brakujące daty uzupełnia defaultRange.
// Zwraca rekordy, komunikat podsumowania dla użytkownika i sklasyfikowany błąd.
func (c *Client) FetchInvoices(ctx context.Context, from, to time.Time) ([]invoice.ParsedInvoice, string, error) {
	rep, err := c.Fetch(ctx, from, to)
	return rep.Records, rep.Summary, err
}

// Fetch zawsze zwraca raport, także przy błędzie. Sesja KSeF jest zamykana dokładnie raz,
// na każdej ścieżce wyjścia, a błąd zamknięcia nie przesłania wyniku.
func (c *Client) Fetch(ctx context.Context, from, to time.Time) (*Report, error) {
	rep := &Report{FetchID: uuid.NewString(), State: Idle}
	ctx = ksef.ContextWithFetchID(ctx, rep.FetchID)
	log := ksef.WithContextFields(ctx, logger)

	rep.From, rep.To = dayRange(defaultRange(from, to, c.clock.Now()))

	var session *auth.Session
	defer func() {
		c.teardown(ctx, session)
		c.metrics.FetchFinished(rep.State.String(), rep.FailReason.String())
	}()

	if err := c.run(ctx, rep, &session); err != nil {
		rep.FailedStage = rep.State
		rep.State = Failed
		rep.FailReason = ksef.ReasonOf(err)
		rep.Records = nil
		rep.Summary = failureMessage(rep.FailedStage, err)
		log.WithField("reason", rep.FailReason).Warnf("fetch failed in %s: %v", rep.FailedStage, err)
		return rep, errors.Wrap(err, strings.ToLower(rep.FailedStage.String()))
	}

	rep.State = Done
	rep.Summary = summary(rep)
	log.Info(rep.Summary)
	return rep, nil
}

func (c *Client) run(ctx context.Context, rep *Report, session **auth.Session) error {
	if rep.To.Before(rep.From) {
		return &ksef.ValidationError{
			Op:  "date range",
			Err: errors.Wrapf(export.ErrInvalidRange, "%s..%s", rep.From.Format(time.DateOnly), rep.To.Format(time.DateOnly)),
		}
	}

	// uwierzytelnienie
	rep.State = Authenticating
	start := time.Now()
	nip, err := c.creds.TaxID(ctx)
	if err != nil {
		return &ksef.CryptoError{Op: "credentials", Err: err}
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return &ksef.CryptoError{Op: "credentials", Err: err}
	}
	ctx = ksef.Context(ctx, nip)
	s, err := c.auth.Authenticate(ctx, nip, token)
	*session = s
	if s != nil {
		c.metrics.Polls("auth", s.StatusPolls)
	}
	if err != nil {
		return err
	}
	ctx = ksef.ContextWithAuthReference(ctx, s.ReferenceNumber)
	c.metrics.StageFinished(Authenticating.String(), time.Since(start))

	// eksport
	rep.State = Exporting
	start = time.Now()
	sched := export.NewScheduler(c.auth.Client(s), c.enc, c.exportOpts...)
	job, err := sched.ScheduleExport(ctx, export.Filters{Subject: c.subject, From: rep.From, To: rep.To})
	if err != nil {
		return err
	}
	rep.JobReference = job.ReferenceNumber
	pkg, err := sched.WaitForPackage(ctx, job, c.maxWait, c.pollInterval)
	c.metrics.Polls("export", job.Polls)
	if err != nil {
		return err
	}
	c.metrics.StageFinished(Exporting.String(), time.Since(start))
	if pkg == nil {
		rep.Notes = append(rep.Notes, fmt.Sprintf("export %s finished without data", job.ReferenceNumber))
		return nil
	}
	rep.Truncated = pkg.Truncated

	// pobranie paczki
	rep.State = Downloading
	start = time.Now()
	docs, notes, err := download.NewFetcher(c.cli, c.fetcherOpts...).Download(ctx, pkg)
	rep.Notes = append(rep.Notes, notes...)
	if err != nil {
		return err
	}
	rep.Documents = len(docs)
	c.metrics.StageFinished(Downloading.String(), time.Since(start))

	// parsowanie
	rep.State = Parsing
	start = time.Now()
	records, diags, err := c.parser.ParseAll(ctx, docs)
	if err != nil {
		return err
	}
	rep.Records = records
	rep.Diagnostics = diags
	c.metrics.Documents(len(records), len(diags))
	c.metrics.StageFinished(Parsing.String(), time.Since(start))

	if c.ledger != nil {
		st, err := ledger.Import(ctx, c.ledger, records)
		if err != nil {
			return err
		}
		rep.Ledger = &st
		c.metrics.LedgerImport(st.Imported, st.Skipped, st.Failed)
	}
	return nil
}

// teardown zamyka sesję KSeF niezależnie od anulowania kontekstu wywołującego.
func (c *Client) teardown(ctx context.Context, s *auth.Session) {
	if s == nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.teardownAfter)
	defer cancel()
	if err := c.auth.Terminate(tctx, s); err != nil {
		ksef.WithContextFields(ctx, logger).Warnf("session teardown failed: %v", err)
	}
}

// dayRange rozszerza daty do pełnych dni: od 00:00:00Z do 23:59:59Z.
// defaultRange: bez dat ostatnie DefaultRangeDays dni do dziś; brak from liczy się od to, brak to oznacza dziś.
func defaultRange(from, to, now time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -DefaultRangeDays)
	}
	return from, to
}

func dayRange(from, to time.Time) (time.Time, time.Time) {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, 0, time.UTC)
	return f, t
}

func summary(rep *Report) string {
	if rep.Documents == 0 {
		msg := "no invoices in the selected period"
		if len(rep.Notes) > 0 {
			msg += " (" + strings.Join(rep.Notes, "; ") + ")"
		}
		return msg
	}
	msg := fmt.Sprintf("parsed %d of %d documents", len(rep.Records), rep.Documents)
	if n := len(rep.Diagnostics); n > 0 {
		msg += fmt.Sprintf(", %d could not be read", n)
	}
	if rep.Ledger != nil {
		msg += fmt.Sprintf("; imported %d, %d already present", rep.Ledger.Imported, rep.Ledger.Skipped)
		if rep.Ledger.Failed > 0 {
			msg += fmt.Sprintf(", %d failed", rep.Ledger.Failed)
		}
	}
	if rep.Truncated {
		msg += "; package truncated by KSeF, narrow the date range to get the rest"
	}
	return msg
}

func failureMessage(stage State, err error) string {
	// komunikat błędu niesie już fragment body, stąd większy limit
	detail := util.Excerpt(err.Error(), 2*util.BodyExcerptLen)
	switch ksef.ReasonOf(err) {
	case ksef.ReasonInvalidRequest:
		return "invalid request: " + detail
	case ksef.ReasonCanceled:
		return "fetch canceled"
	case ksef.ReasonTimeout:
		if stage == Exporting {
			return "export did not complete in time, try again later"
		}
		return "KSeF did not respond in time, try again later"
	case ksef.ReasonTransport:
		return "cannot reach KSeF (network error), try again: " + detail
	}
	switch stage {
	case Authenticating:
		return "authentication failed: " + detail
	case Exporting:
		return "export failed: " + detail
	case Downloading:
		return "package download failed: " + detail
	}
	return "fetch failed: " + detail
}

// FetchInvoices is the one-call entry point: credentials in, records and a summary out.
// Zero from and to fetch the last DefaultRangeDays days.
func FetchInvoices(ctx context.Context, taxID, token string, env ksef.Environment, from, to time.Time, opts ...Option) ([]invoice.ParsedInvoice, string, error) {
	c, err := New(env, nil, credentials.Static{Nip: taxID, KsefToken: token}, opts...)
	if err != nil {
		return nil, "invalid configuration: " + err.Error(), err
	}
	return c.FetchInvoices(ctx, from, to)
}

func (c *Client) Environment() ksef.Environment { return c.env }
