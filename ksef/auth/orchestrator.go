package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/cipher"
)

var logger = logrus.WithField("component", "ksef.auth")

const (
	statusInProgress = 100
	statusSuccess    = 200

	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 10
)

// Prosty bearer do obsługi pośredniej autoryzacji
type localStaticBearer struct{ Token string }

func (b localStaticBearer) Bearer(_ context.Context, _ api.OperationName) (api.Bearer, error) {
	return api.Bearer{Token: b.Token}, nil
}

// Orchestrator drives the KSeF token authentication flow:
// challenge, encrypted token, status polling, redeem.
// It keeps no per-session state, so one instance may serve concurrent fetches.
type Orchestrator struct {
	cli       *api.Client
	encryptor Encryptor
	clock     clockwork.Clock

	pollInterval time.Duration
	maxAttempts  int
}

type Option func(*Orchestrator)

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func NewOrchestrator(cli *api.Client, encryptor Encryptor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cli:          cli,
		encryptor:    encryptor,
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) submitToken(ctx context.Context, s *Session, encrypted string) (*api.AuthenticationInitResponse, error) {
	return o.cli.AuthKsefTokenPost(ctx, &api.InitTokenAuthenticationRequest{
		Challenge: s.Challenge,
		ContextIdentifier: api.AuthenticationContextIdentifier{
			Type:  api.AuthenticationContextIdentifierTypeNip,
			Value: s.Nip,
		},
		EncryptedToken: encrypted,
	})
}

func payloadRejected(err error) bool {
	var res *api.ErrorResponse
	return errors.As(err, &res) && res.StatusCode == http.StatusBadRequest
}

// refreshCertificate zwraca nowy certyfikat tylko wtedy, gdy klucz faktycznie się zmienił.
func (o *Orchestrator) refreshCertificate(ctx context.Context, used *cipher.Certificate) (*cipher.Certificate, bool) {
	r, ok := o.encryptor.(CertificateRefresher)
	if !ok {
		return nil, false
	}
	fresh, err := r.ForceRefresh(ctx, api.PublicKeyCertificateUsageKsefTokenEncryption)
	if err != nil {
		ksef.WithContextFields(ctx, logger).Debugf("certificate refresh failed: %v", err)
		return nil, false
	}
	if fresh.PublicKey == nil || used == nil || fresh.PublicKey.Equal(used.PublicKey) {
		return nil, false
	}
	return fresh, true
}

// Authenticate przeprowadza pełne uwierzytelnienie tokenem KSeF.
// Zawsze zwraca sesję (także w stanie Failed, do diagnostyki); błąd jest sklasyfikowany (ksef.ReasonOf).
func (o *Orchestrator) Authenticate(ctx context.Context, nip, token string) (*Session, error) {
	s := &Session{State: Unauthenticated, Nip: nip}

	if err := o.run(ctx, s, token); err != nil {
		s.fail(err)
		ksef.WithContextFields(ctx, logger).WithField("state", s.State).Debugf("authentication failed: %v", err)
		return s, err
	}
	return s, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, token string) error {
	log := ksef.WithContextFields(ctx, logger)

	if s.Nip == "" {
		return &ksef.ProtocolViolationError{Op: "authenticate", Err: ksef.ErrNoNip}
	}
	if token == "" {
		return &ksef.CryptoError{Op: "authenticate", Err: ksef.ErrNoToken}
	}

	// 1. challenge
	ch, err := o.cli.AuthChallengePost(ctx, api.AuthenticationContextIdentifier{
		Type:  api.AuthenticationContextIdentifierTypeNip,
		Value: s.Nip,
	})
	if err != nil {
		return ksef.CallError("auth challenge", err)
	}
	if ch.Challenge == "" {
		return &ksef.ProtocolViolationError{Op: "auth challenge", Field: "challenge"}
	}
	ts, ok := ch.ChallengeTime()
	if !ok || ts.IsZero() {
		return &ksef.ProtocolViolationError{Op: "auth challenge", Field: "timestamp"}
	}
	s.Challenge = ch.Challenge
	s.ChallengeTimestamp = ts
	s.advance(ChallengeRequested)

	// 2. szyfrowanie tokena
	cert, err := o.encryptor.FetchEncryptionCertificate(ctx)
	if err != nil {
		return err
	}
	encrypted, err := o.encryptor.EncryptPayload(cert, token, ts)
	if err != nil {
		return err
	}
	s.advance(PayloadEncrypted)

	// 3. wysłanie
	initResp, err := o.submitToken(ctx, s, encrypted)
	if err != nil && payloadRejected(err) {
		// klucz mógł zostać zrotowany od czasu zapisania certyfikatu w cache; jedna ponowna próba
		if fresh, ok := o.refreshCertificate(ctx, cert); ok {
			log.Info("encryption certificate changed, resubmitting token with the new key")
			if encrypted, err = o.encryptor.EncryptPayload(fresh, token, ts); err != nil {
				return err
			}
			initResp, err = o.submitToken(ctx, s, encrypted)
		}
	}
	if err != nil {
		return ksef.CallError("auth ksef-token", err)
	}
	if initResp.ReferenceNumber == "" {
		return &ksef.ProtocolViolationError{Op: "auth ksef-token", Field: "referenceNumber"}
	}
	if initResp.AuthenticationToken.Token == "" {
		return &ksef.ProtocolViolationError{Op: "auth ksef-token", Field: "authenticationToken"}
	}
	s.ReferenceNumber = initResp.ReferenceNumber
	s.TemporaryAuthToken = initResp.AuthenticationToken.Token
	s.advance(Submitted)

	log = log.WithField("auth_ref", s.ReferenceNumber)
	log.Debug("token submitted, polling authentication status")

	// 4. polling statusu
	cli := o.cli.WithSecurity(localStaticBearer{Token: s.TemporaryAuthToken})
	s.advance(StatusPolling)
	if err := o.waitForStatus(ctx, cli, s); err != nil {
		return err
	}

	// 5. redeem
	s.advance(Redeeming)
	tokens, err := cli.AuthTokenRedeemPost(ctx)
	if err != nil {
		return ksef.CallError("auth token redeem", err)
	}
	if tokens.AccessToken.Token == "" {
		return &ksef.ProtocolViolationError{Op: "auth token redeem", Field: "accessToken"}
	}

	s.TemporaryAuthToken = ""
	s.AccessToken = tokens.AccessToken.Token
	s.ExpiresAt = tokens.AccessToken.ValidUntil.UTC()
	s.RefreshToken = tokens.RefreshToken.Token
	s.RefreshExpiresAt = tokens.RefreshToken.ValidUntil.UTC()
	s.advance(Authenticated)

	log.Infof("authenticated, access token valid until %s", s.ExpiresAt.Format(time.RFC3339))
	return nil
}

// waitForStatus polluje status co pollInterval, maksymalnie maxAttempts razy.
func (o *Orchestrator) waitForStatus(ctx context.Context, cli *api.Client, s *Session) error {
	start := o.clock.Now()

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(o.pollInterval):
		}

		s.StatusPolls = attempt
		res, err := cli.AuthReferenceNumberGet(ctx, s.ReferenceNumber)
		if err != nil {
			return ksef.CallError("auth status", err)
		}

		switch code := res.Status.Code; code {
		case statusInProgress: // w toku, kolejna pętla
			continue
		case statusSuccess:
			return nil
		default:
			return &ksef.ApiError{
				Op:      "auth status",
				Code:    code,
				Message: describeStatus(res.Status),
			}
		}
	}

	return &ksef.TimeoutError{Op: "auth status", Attempts: o.maxAttempts, Waited: o.clock.Since(start)}
}

func describeStatus(st api.StatusInfo) string {
	msg := st.Description
	if len(st.Details) > 0 {
		msg += " (" + strings.Join(st.Details, "; ") + ")"
	}
	if msg == "" {
		msg = fmt.Sprintf("uwierzytelnianie zakończone kodem %d", st.Code)
	}
	return msg
}

// RefreshToken spełnia TokenRefresher: wymienia refresh token na nowy access token.
func (o *Orchestrator) RefreshToken(ctx context.Context, refreshToken string) (api.TokenInfo, error) {
	if refreshToken == "" {
		return api.TokenInfo{}, ErrNoRefreshToken
	}
	res, err := o.cli.WithSecurity(localStaticBearer{Token: refreshToken}).AuthTokenRefreshPost(ctx)
	if err != nil {
		return api.TokenInfo{}, ksef.CallError("auth token refresh", err)
	}
	if res.AccessToken.Token == "" {
		return api.TokenInfo{}, &ksef.ProtocolViolationError{Op: "auth token refresh", Field: "accessToken"}
	}
	return res.AccessToken, nil
}

// Terminate zamyka bieżącą sesję po stronie KSeF i czyści tokeny.
// Bez access tokena nie ma czego zamykać i nic nie jest wysyłane.
func (o *Orchestrator) Terminate(ctx context.Context, s *Session) error {
	if s == nil || s.AccessToken == "" {
		return nil
	}
	defer func() {
		s.discardTokens()
		if s.State == Authenticated {
			s.State = Unauthenticated
		}
	}()

	cli := o.cli.WithSecurity(localStaticBearer{Token: s.AccessToken})
	if err := cli.AuthSessionsCurrentDelete(ctx); err != nil {
		return errors.Wrap(ksef.CallError("auth session delete", err), "terminate")
	}
	return nil
}

// Client zwraca klienta API autoryzowanego bieżącą sesją (z automatycznym odświeżaniem tokena).
func (o *Orchestrator) Client(s *Session) *api.Client {
	return o.cli.WithSecurity(NewSessionBearer(o, s))
}
