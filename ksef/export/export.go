package export

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/aes"
	"github.com/alapierre/ksef-exchange/ksef/api"
)

var logger = logrus.WithField("component", "ksef.export")

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxWait      = 120 * time.Second

	codeProcessing = 100
	codeDone       = 200
	codeExpired    = 210
)

var ErrInvalidRange = errors.New("invalid date range")

type Status int

const (
	Scheduled Status = iota
	Processing
	Ready
	Empty
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Scheduled:
		return "Scheduled"
	case Processing:
		return "Processing"
	case Ready:
		return "Ready"
	case Empty:
		return "Empty"
	case Failed:
		return "Failed"
	case TimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// SubjectRole wybiera, czy eksportujemy faktury otrzymane (nabywca) czy wystawione (sprzedawca).
type SubjectRole string

const (
	Buyer  SubjectRole = "buyer"
	Seller SubjectRole = "seller"
)

func ParseSubjectRole(v string) (SubjectRole, error) {
	switch v {
	case "", "buyer", "received", "subject2":
		return Buyer, nil
	case "seller", "issued", "subject1":
		return Seller, nil
	}
	return "", errors.Errorf("invalid subject role %q (allowed: buyer, seller)", v)
}

func (r SubjectRole) subjectType() api.InvoiceQuerySubjectType {
	if r == Seller {
		return api.InvoiceQuerySubjectTypeSubject1
	}
	return api.InvoiceQuerySubjectTypeSubject2
}

type Filters struct {
	Subject  SubjectRole
	From     time.Time
	To       time.Time
	DateType api.InvoiceQueryDateType // domyślnie data wystawienia
}

func (f Filters) validate() error {
	if f.From.IsZero() || f.To.IsZero() {
		return &ksef.ValidationError{Op: "date range", Err: errors.Wrap(ErrInvalidRange, "from and to are required")}
	}
	if f.To.Before(f.From) {
		return &ksef.ValidationError{
			Op:  "date range",
			Err: errors.Wrapf(ErrInvalidRange, "from %s is after to %s", f.From.Format(time.RFC3339), f.To.Format(time.RFC3339)),
		}
	}
	return nil
}

// Package jest uchwytem do gotowej paczki: części do pobrania i klucz do ich odszyfrowania.
type Package struct {
	ReferenceNumber string
	InvoiceCount    int
	Size            int64
	Truncated       bool
	Parts           []api.InvoicePackagePart
	Key             *aes.ExportKey
}

// Job is one asynchronous export request. Package is set iff Status == Ready.
type Job struct {
	ReferenceNumber string
	Status          Status
	Package         *Package
	ScheduledAt     time.Time
	LastPolledAt    time.Time
	Polls           int
	LastCode        int

	key *aes.ExportKey
}

type API interface {
	InvoicesExportsPost(ctx context.Context, req *api.InvoiceExportRequest) (*api.ExportInvoicesResponse, error)
	InvoicesExportsReferenceNumberGet(ctx context.Context, referenceNumber string) (*api.InvoiceExportStatusResponse, error)
}

// KeyEncryptor szyfruje klucz symetryczny eksportu kluczem publicznym KSeF.
type KeyEncryptor interface {
	EncryptSymmetricKey(ctx context.Context, key []byte) ([]byte, error)
}

type Scheduler struct {
	api    API
	enc    KeyEncryptor
	clock  clockwork.Clock
	newKey func() (*aes.ExportKey, error)
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func NewScheduler(cli API, enc KeyEncryptor, opts ...Option) *Scheduler {
	s := &Scheduler{
		api:    cli,
		enc:    enc,
		clock:  clockwork.NewRealClock(),
		newKey: aes.NewExportKey,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleExport zleca eksport paczki faktur. Klucz AES jest generowany per zlecenie.
func (s *Scheduler) ScheduleExport(ctx context.Context, f Filters) (*Job, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.DateType == "" {
		f.DateType = api.InvoiceQueryDateTypeIssue
	}

	key, err := s.newKey()
	if err != nil {
		return nil, &ksef.CryptoError{Op: "export key", Err: err}
	}
	encKey, err := s.enc.EncryptSymmetricKey(ctx, key.Key)
	if err != nil {
		return nil, err
	}

	res, err := s.api.InvoicesExportsPost(ctx, &api.InvoiceExportRequest{
		Encryption: api.EncryptionInfo{
			EncryptedSymmetricKey: encKey,
			InitializationVector:  key.IV,
		},
		Filters: api.InvoiceQueryFilters{
			SubjectType: f.Subject.subjectType(),
			DateRange: api.InvoiceQueryDateRange{
				DateType: f.DateType,
				From:     f.From.UTC(),
				To:       f.To.UTC(),
			},
		},
	})
	if err != nil {
		return nil, ksef.CallError("export schedule", err)
	}
	if res.ReferenceNumber == "" {
		return nil, &ksef.ProtocolViolationError{Op: "export schedule", Field: "referenceNumber"}
	}

	job := &Job{
		ReferenceNumber: res.ReferenceNumber,
		Status:          Scheduled,
		ScheduledAt:     s.clock.Now(),
		key:             key,
	}
	ksef.WithContextFields(ctx, logger).WithField("export_ref", job.ReferenceNumber).
		Infof("export scheduled (%s, %s..%s)", f.Subject.subjectType(), f.From.Format(time.DateOnly), f.To.Format(time.DateOnly))
	return job, nil
}

// WaitForPackage polluje status eksportu co pollInterval aż paczka będzie gotowa,
// eksport zakończy się bez danych, zostanie odrzucony albo minie maxWait.
// Brak danych to (nil, nil) ze statusem Empty.
func (s *Scheduler) WaitForPackage(ctx context.Context, job *Job, maxWait, pollInterval time.Duration) (*Package, error) {
	if job == nil || job.ReferenceNumber == "" {
		return nil, errors.New("no export job")
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	log := ksef.WithContextFields(ctx, logger).WithField("export_ref", job.ReferenceNumber)
	start := s.clock.Now()
	deadline := start.Add(maxWait)

	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil, s.timedOut(job, start)
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(wait):
		}

		// granica maxWait jest włącznie: poll w chwili deadline już się nie odbywa
		if !s.clock.Now().Before(deadline) {
			return nil, s.timedOut(job, start)
		}

		res, err := s.api.InvoicesExportsReferenceNumberGet(ctx, job.ReferenceNumber)
		job.Polls++
		job.LastPolledAt = s.clock.Now()
		if err != nil {
			if ctx.Err() == nil {
				job.Status = Failed
			}
			return nil, ksef.CallError("export status", err)
		}
		job.LastCode = res.Status.Code

		switch code := res.Status.Code; {
		case code >= codeProcessing && code < codeDone:
			job.Status = Processing
			log.Debugf("export in progress (poll %d, code %d)", job.Polls, code)
			continue

		case code == codeDone && res.Package != nil && len(res.Package.Parts) > 0:
			job.Status = Ready
			job.Package = &Package{
				ReferenceNumber: job.ReferenceNumber,
				InvoiceCount:    res.Package.InvoiceCount,
				Size:            res.Package.Size,
				Truncated:       res.Package.IsTruncated,
				Parts:           res.Package.Parts,
				Key:             job.key,
			}
			log.Infof("export ready after %d polls: %d invoices in %d parts", job.Polls, job.Package.InvoiceCount, len(job.Package.Parts))
			return job.Package, nil

		case code == codeDone || code == codeExpired:
			job.Status = Empty
			log.Infof("export finished without package (code %d)", code)
			return nil, nil

		default:
			job.Status = Failed
			return nil, &ksef.ApiError{
				Op:      "export status",
				Code:    code,
				Message: res.Status.Description,
			}
		}
	}
}

func (s *Scheduler) timedOut(job *Job, start time.Time) error {
	job.Status = TimedOut
	return &ksef.TimeoutError{Op: "export", Attempts: job.Polls, Waited: s.clock.Since(start)}
}
