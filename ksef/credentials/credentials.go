// Package credentials dostarcza token KSeF i NIP kontekstu dla klienta wymiany.
package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/go-faster/errors"

	"github.com/alapierre/ksef-exchange/ksef"
)

const (
	EnvNip   = "KSEF_NIP"
	EnvToken = "KSEF_TOKEN"
)

// Store zwraca dane uwierzytelniające na żądanie, przy każdym pobraniu od nowa.
type Store interface {
	Token(ctx context.Context) (string, error)
	TaxID(ctx context.Context) (string, error)
}

type Static struct {
	Nip       string
	KsefToken string
}

func (s Static) Token(context.Context) (string, error) {
	if s.KsefToken == "" {
		return "", ksef.ErrNoToken
	}
	return s.KsefToken, nil
}

func (s Static) TaxID(context.Context) (string, error) {
	return NormalizeNip(s.Nip)
}

// Env czyta dane ze zmiennych środowiskowych (domyślnie KSEF_NIP, KSEF_TOKEN).
type Env struct {
	NipVar   string
	TokenVar string
}

func (e Env) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(orDefault(e.TokenVar, EnvToken)))
	if v == "" {
		return "", errors.Wrapf(ksef.ErrNoToken, "%s is empty", orDefault(e.TokenVar, EnvToken))
	}
	return v, nil
}

func (e Env) TaxID(context.Context) (string, error) {
	return NormalizeNip(os.Getenv(orDefault(e.NipVar, EnvNip)))
}

// NormalizeNip usuwa separatory i prefiks PL, sprawdza długość i sumę kontrolną.
func NormalizeNip(raw string) (string, error) {
	nip := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	nip = strings.TrimPrefix(strings.ToUpper(nip), "PL")

	if nip == "" {
		return "", ksef.ErrNoNip
	}
	if len(nip) != 10 {
		return "", errors.Errorf("invalid NIP %q: expected 10 digits", raw)
	}
	weights := []int{6, 5, 7, 2, 3, 4, 5, 6, 7}
	sum := 0
	for i, r := range nip {
		if r < '0' || r > '9' {
			return "", errors.Errorf("invalid NIP %q: non-digit character", raw)
		}
		if i < 9 {
			sum += int(r-'0') * weights[i]
		}
	}
	if sum%11 != int(nip[9]-'0') {
		return "", errors.Errorf("invalid NIP %q: checksum mismatch", raw)
	}
	return nip, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
