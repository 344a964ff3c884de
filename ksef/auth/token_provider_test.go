package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/ksef-exchange/ksef/api"
)

type fakeRefresher struct {
	calls int
	next  api.TokenInfo
	err   error
}

func (f *fakeRefresher) RefreshToken(_ context.Context, refreshToken string) (api.TokenInfo, error) {
	f.calls++
	if refreshToken == "" {
		return api.TokenInfo{}, ErrNoRefreshToken
	}
	return f.next, f.err
}

func authenticatedSession(exp time.Time) *Session {
	return &Session{
		State:        Authenticated,
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    exp,
	}
}

func TestSessionBearer_ValidToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &fakeRefresher{}
	b := NewSessionBearer(r, authenticatedSession(clock.Now().Add(10*time.Minute)))
	b.clock = clock

	tok, err := b.Bearer(context.Background(), api.InvoicesExportsPostOperation)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.Token)
	assert.Zero(t, r.calls)
}

func TestSessionBearer_RefreshesNearExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &fakeRefresher{next: api.TokenInfo{Token: "at-2", ValidUntil: clock.Now().Add(15 * time.Minute)}}
	s := authenticatedSession(clock.Now().Add(20 * time.Second))
	b := NewSessionBearer(r, s)
	b.clock = clock

	tok, err := b.Bearer(context.Background(), api.InvoicesExportsReferenceNumberGetOperation)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.Token)
	assert.Equal(t, "at-2", s.AccessToken, "refreshed token is written back to the session")
	assert.Equal(t, 1, r.calls)

	// kolejne wywołanie korzysta z nowego tokena
	_, err = b.Bearer(context.Background(), api.InvoicesExportsReferenceNumberGetOperation)
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
}

func TestSessionBearer_Errors(t *testing.T) {
	clock := clockwork.NewFakeClock()

	b := NewSessionBearer(&fakeRefresher{}, &Session{State: Failed})
	_, err := b.Bearer(context.Background(), api.InvoicesExportsPostOperation)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	s := authenticatedSession(clock.Now())
	s.RefreshToken = ""
	b = NewSessionBearer(&fakeRefresher{}, s)
	b.clock = clock
	_, err = b.Bearer(context.Background(), api.InvoicesExportsPostOperation)
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	boom := errors.New("boom")
	b = NewSessionBearer(&fakeRefresher{err: boom}, authenticatedSession(clock.Now()))
	b.clock = clock
	_, err = b.Bearer(context.Background(), api.InvoicesExportsPostOperation)
	assert.ErrorIs(t, err, boom)
}
