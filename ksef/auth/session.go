package auth

import (
	"fmt"
	"time"

	"github.com/alapierre/ksef-exchange/ksef"
)

type State int

const (
	Unauthenticated State = iota
	ChallengeRequested
	PayloadEncrypted
	Submitted
	StatusPolling
	Redeeming
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case ChallengeRequested:
		return "ChallengeRequested"
	case PayloadEncrypted:
		return "PayloadEncrypted"
	case Submitted:
		return "Submitted"
	case StatusPolling:
		return "StatusPolling"
	case Redeeming:
		return "Redeeming"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one authentication attempt. It is owned by a single fetch and
// never shared; AccessToken is non-empty only in the Authenticated state.
type Session struct {
	State              State
	Nip                string
	Challenge          string
	ChallengeTimestamp time.Time
	ReferenceNumber    string
	TemporaryAuthToken string
	AccessToken        string
	RefreshToken       string
	ExpiresAt          time.Time
	RefreshExpiresAt   time.Time
	StatusPolls        int

	LastError  error
	FailReason ksef.Reason
}

func (s *Session) advance(to State) {
	logger.Debugf("auth %s -> %s", s.State, to)
	s.State = to
}

// fail przechodzi do Failed i czyści wszystkie tokeny.
func (s *Session) fail(err error) {
	s.State = Failed
	s.LastError = err
	s.FailReason = ksef.ReasonOf(err)
	s.discardTokens()
}

func (s *Session) discardTokens() {
	s.TemporaryAuthToken = ""
	s.AccessToken = ""
	s.RefreshToken = ""
	s.ExpiresAt = time.Time{}
	s.RefreshExpiresAt = time.Time{}
}

func (s *Session) Authenticated() bool {
	return s != nil && s.State == Authenticated && s.AccessToken != ""
}
