package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/cipher"
	"github.com/alapierre/ksef-exchange/ksef/internal/ksefmock"
)

type fakeAPI struct {
	mu       sync.Mutex
	polls    int
	statuses func(poll int) (*api.InvoiceExportStatusResponse, error)
	lastReq  *api.InvoiceExportRequest
}

func (f *fakeAPI) InvoicesExportsPost(_ context.Context, req *api.InvoiceExportRequest) (*api.ExportInvoicesResponse, error) {
	f.lastReq = req
	return &api.ExportInvoicesResponse{ReferenceNumber: "EXP-1"}, nil
}

func (f *fakeAPI) InvoicesExportsReferenceNumberGet(context.Context, string) (*api.InvoiceExportStatusResponse, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	return f.statuses(n)
}

func (f *fakeAPI) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type plainKeys struct{}

func (plainKeys) EncryptSymmetricKey(_ context.Context, key []byte) ([]byte, error) {
	return append([]byte("enc:"), key...), nil
}

func processing(int) (*api.InvoiceExportStatusResponse, error) {
	return &api.InvoiceExportStatusResponse{Status: api.StatusInfo{Code: 100}}, nil
}

func jobFor(t *testing.T, s *Scheduler) *Job {
	t.Helper()
	job, err := s.ScheduleExport(context.Background(), Filters{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	return job
}

func TestWaitForPackage_TimeoutBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fake := &fakeAPI{statuses: processing}
	s := NewScheduler(fake, plainKeys{}, WithClock(clock))
	job := jobFor(t, s)

	type result struct {
		pkg *Package
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkg, err := s.WaitForPackage(context.Background(), job, 120*time.Second, 3*time.Second)
		done <- result{pkg, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 1; i <= 40; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "waiter %d", i)
		if i <= 39 {
			assert.Equal(t, i-1, fake.Polls())
		}
		clock.Advance(3 * time.Second)
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		t.Fatal("WaitForPackage did not return")
	}

	assert.Nil(t, res.pkg)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ksef.ErrTimeout)
	assert.Equal(t, ksef.ReasonTimeout, ksef.ReasonOf(res.err))
	assert.Equal(t, 39, fake.Polls(), "the poll at exactly maxWait must not happen")
	assert.Equal(t, TimedOut, job.Status)
	assert.Nil(t, job.Package)
}

func TestWaitForPackage_Outcomes(t *testing.T) {
	ready := &api.InvoicePackage{
		InvoiceCount: 2,
		IsTruncated:  true,
		Parts:        []api.InvoicePackagePart{{OrdinalNumber: 1, URL: "https://x/p1"}},
	}

	tests := []struct {
		name     string
		statuses func(int) (*api.InvoiceExportStatusResponse, error)
		status   Status
		wantPkg  bool
		reason   ksef.Reason
	}{
		{
			name: "ready after two polls",
			statuses: func(n int) (*api.InvoiceExportStatusResponse, error) {
				if n <= 2 {
					return processing(n)
				}
				return &api.InvoiceExportStatusResponse{Status: api.StatusInfo{Code: 200}, Package: ready}, nil
			},
			status:  Ready,
			wantPkg: true,
		},
		{
			name: "done without package",
			statuses: func(int) (*api.InvoiceExportStatusResponse, error) {
				return &api.InvoiceExportStatusResponse{Status: api.StatusInfo{Code: 200}, Package: &api.InvoicePackage{}}, nil
			},
			status: Empty,
		},
		{
			name: "expired",
			statuses: func(int) (*api.InvoiceExportStatusResponse, error) {
				return &api.InvoiceExportStatusResponse{Status: api.StatusInfo{Code: 210}}, nil
			},
			status: Empty,
		},
		{
			name: "rejected",
			statuses: func(int) (*api.InvoiceExportStatusResponse, error) {
				return &api.InvoiceExportStatusResponse{Status: api.StatusInfo{Code: 415, Description: "Brak uprawnień"}}, nil
			},
			status: Failed,
			reason: ksef.ReasonRemoteRejected,
		},
		{
			name: "transport",
			statuses: func(int) (*api.InvoiceExportStatusResponse, error) {
				return nil, &api.RequestError{Operation: api.InvoicesExportsReferenceNumberGetOperation, Err: errors.New("connection reset")}
			},
			status: Failed,
			reason: ksef.ReasonTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAPI{statuses: tt.statuses}
			s := NewScheduler(fake, plainKeys{})
			job := jobFor(t, s)

			pkg, err := s.WaitForPackage(context.Background(), job, time.Second, time.Millisecond)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.reason, ksef.ReasonOf(err))
			if tt.wantPkg {
				require.NotNil(t, pkg)
				assert.Same(t, pkg, job.Package)
				assert.True(t, pkg.Truncated)
				assert.Equal(t, 2, pkg.InvoiceCount)
				assert.NotNil(t, pkg.Key)
				assert.Equal(t, 3, job.Polls)
			} else {
				assert.Nil(t, pkg)
				assert.Nil(t, job.Package)
			}
		})
	}
}

func TestWaitForPackage_Canceled(t *testing.T) {
	fake := &fakeAPI{statuses: processing}
	s := NewScheduler(fake, plainKeys{})
	job := jobFor(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.WaitForPackage(ctx, job, time.Hour, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ksef.ReasonCanceled, ksef.ReasonOf(err))
	assert.Zero(t, fake.Polls())
}

func TestScheduleExport_Request(t *testing.T) {
	fake := &fakeAPI{statuses: processing}
	s := NewScheduler(fake, plainKeys{})

	job, err := s.ScheduleExport(context.Background(), Filters{
		Subject: Seller,
		From:    time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		To:      time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "EXP-1", job.ReferenceNumber)
	assert.Equal(t, Scheduled, job.Status)

	req := fake.lastReq
	require.NotNil(t, req)
	assert.Equal(t, api.InvoiceQuerySubjectTypeSubject1, req.Filters.SubjectType)
	assert.Equal(t, api.InvoiceQueryDateTypeIssue, req.Filters.DateRange.DateType)
	assert.Len(t, req.Encryption.InitializationVector, 16)
	assert.Len(t, req.Encryption.EncryptedSymmetricKey, len("enc:")+32)
}

func TestScheduleExport_InvalidRange(t *testing.T) {
	s := NewScheduler(&fakeAPI{statuses: processing}, plainKeys{})

	_, err := s.ScheduleExport(context.Background(), Filters{
		From: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = s.ScheduleExport(context.Background(), Filters{})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Equal(t, ksef.ReasonInvalidRequest, ksef.ReasonOf(err))
}

func TestParseSubjectRole(t *testing.T) {
	for in, want := range map[string]SubjectRole{"": Buyer, "buyer": Buyer, "received": Buyer, "seller": Seller, "issued": Seller} {
		got, err := ParseSubjectRole(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSubjectRole("both")
	assert.Error(t, err)
}

func TestScheduler_AgainstMockServer(t *testing.T) {
	srv := ksefmock.New(t)
	srv.ExportPendingPolls = 1
	srv.Documents = map[string][]byte{"a.xml": []byte("<Faktura/>")}

	// sesja nie jest potrzebna: mock sprawdza tylko zgodność bearer z wydanym tokenem
	cli, err := api.NewClient(srv.URL, staticBearer("access-token"), api.WithClient(srv.Client()))
	require.NoError(t, err)

	s := NewScheduler(cli, cipher.NewEncryptionService(cli))
	job, err := s.ScheduleExport(context.Background(), Filters{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, ksefmock.ExportReference, job.ReferenceNumber)

	subject, from, to := srv.ExportFilters()
	assert.Equal(t, "Subject2", subject)
	assert.Equal(t, "2025-01-01T00:00:00Z", from)
	assert.Equal(t, "2025-01-31T23:59:59Z", to)

	pkg, err := s.WaitForPackage(context.Background(), job, 5*time.Second, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, Ready, job.Status)
	assert.Equal(t, 2, srv.Count("exportStatus"))
	require.Len(t, pkg.Parts, 1)
	assert.NotEmpty(t, pkg.Parts[0].EncryptedPartHash)
}

type staticBearer string

func (b staticBearer) Bearer(context.Context, api.OperationName) (api.Bearer, error) {
	return api.Bearer{Token: string(b)}, nil
}
