package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alapierre/ksef-exchange/ksef/api"
)

// SessionBearer implementuje api.SecuritySource z automatycznym odświeżaniem access tokena sesji.
type SessionBearer struct {
	auth    TokenRefresher
	session *Session
	clock   clockwork.Clock

	mu sync.Mutex

	// o ile wcześniej przed wygaśnięciem spróbować odświeżyć
	refreshSkew time.Duration
}

func NewSessionBearer(auth TokenRefresher, s *Session) *SessionBearer {
	b := &SessionBearer{
		auth:        auth,
		session:     s,
		clock:       clockwork.NewRealClock(),
		refreshSkew: 30 * time.Second, // bufor bezpieczeństwa
	}
	if o, ok := auth.(*Orchestrator); ok {
		b.clock = o.clock
	}
	return b
}

// Bearer spełnia interfejs api.SecuritySource.
// Zwraca ważny access token; gdy wygasł lub zaraz wygaśnie, odświeża go.
func (p *SessionBearer) Bearer(ctx context.Context, _ api.OperationName) (api.Bearer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.session.Authenticated() {
		return api.Bearer{}, ErrNotAuthenticated
	}

	if token, ok := p.currentIfValidLocked(); ok {
		return api.Bearer{Token: token}, nil
	}

	// brak ważnego access tokena -> odśwież
	newAT, err := p.refreshAccessTokenLocked(ctx)
	if err != nil {
		return api.Bearer{}, err
	}
	return api.Bearer{Token: newAT}, nil
}

func (p *SessionBearer) currentIfValidLocked() (string, bool) {
	s := p.session
	// brak daty ważności: KSeF jej nie podał, używamy tokena bez odświeżania
	if s.ExpiresAt.IsZero() {
		return s.AccessToken, true
	}
	// porównuj w UTC z marginesem
	now := p.clock.Now().UTC()
	if s.ExpiresAt.Sub(now) <= p.refreshSkew {
		return "", false
	}
	return s.AccessToken, true
}

func (p *SessionBearer) refreshAccessTokenLocked(ctx context.Context) (string, error) {
	s := p.session
	if s.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	ti, err := p.auth.RefreshToken(ctx, s.RefreshToken)
	if err != nil {
		return "", err
	}

	logger.Debugf("access token refreshed, valid until %s", ti.ValidUntil.Format(time.RFC3339))
	s.AccessToken = ti.Token
	s.ExpiresAt = ti.ValidUntil.UTC()
	return s.AccessToken, nil
}

// ErrNoRefreshToken sygnalizuje brak refresh tokena w sesji.
var ErrNoRefreshToken = errors.New("no refresh token available")

// ErrNotAuthenticated: sesja nie jest (lub już nie jest) uwierzytelniona.
var ErrNotAuthenticated = errors.New("session is not authenticated")
