package cipher

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/api"
)

var logger = logrus.WithField("component", "ksef.cipher")

// CertificateSource lists the public key certificates published by KSeF.
type CertificateSource interface {
	SecurityPublicKeyCertificatesGet(ctx context.Context) ([]api.PublicKeyCertificate, error)
}

// Certificate to wybrany i sparsowany certyfikat KSeF dla danego zastosowania.
type Certificate struct {
	Usage     api.PublicKeyCertificateUsage
	PublicKey *rsa.PublicKey
	ValidFrom time.Time
	ValidTo   time.Time
}

type EncryptionService struct {
	src   CertificateSource
	clock clockwork.Clock

	mu    sync.Mutex
	cache map[api.PublicKeyCertificateUsage]*Certificate

	// ile wcześniej odświeżyć klucz zanim wygaśnie (margines bezpieczeństwa)
	refreshSkew time.Duration
}

type Option func(*EncryptionService)

func WithRefreshSkew(d time.Duration) Option {
	return func(s *EncryptionService) { s.refreshSkew = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *EncryptionService) { s.clock = c }
}

func NewEncryptionService(src CertificateSource, opts ...Option) *EncryptionService {
	s := &EncryptionService{
		src:         src,
		clock:       clockwork.NewRealClock(),
		cache:       make(map[api.PublicKeyCertificateUsage]*Certificate),
		refreshSkew: 2 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FetchEncryptionCertificate returns the token encryption certificate.
func (s *EncryptionService) FetchEncryptionCertificate(ctx context.Context) (*Certificate, error) {
	return s.Certificate(ctx, api.PublicKeyCertificateUsageKsefTokenEncryption)
}

// Certificate zwraca najnowszy ważny certyfikat o podanym zastosowaniu, z cache jeśli jeszcze ważny.
func (s *EncryptionService) Certificate(ctx context.Context, usage api.PublicKeyCertificateUsage) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[usage]; ok && c.ValidTo.Sub(s.clock.Now()) > s.refreshSkew {
		return c, nil
	}
	return s.fetchAndSelectLocked(ctx, usage)
}

// ForceRefresh pomija cache (np. po odrzuceniu zaszyfrowanego tokena przez KSeF).
func (s *EncryptionService) ForceRefresh(ctx context.Context, usage api.PublicKeyCertificateUsage) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchAndSelectLocked(ctx, usage)
}

func (s *EncryptionService) fetchAndSelectLocked(ctx context.Context, usage api.PublicKeyCertificateUsage) (*Certificate, error) {
	const op = "fetch certificate"

	now := s.clock.Now()
	certs, err := s.src.SecurityPublicKeyCertificatesGet(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ksef.CryptoError{Op: op, Err: err}
	}

	var chosen *api.PublicKeyCertificate
	for i := range certs {
		c := certs[i]
		if now.Before(c.ValidFrom) || now.After(c.ValidTo) {
			continue
		}
		if !c.HasUsage(usage) {
			continue
		}
		if chosen == nil || c.ValidFrom.After(chosen.ValidFrom) {
			chosen = &c
		}
	}
	if chosen == nil {
		return nil, &ksef.CryptoError{Op: op, Err: errors.Errorf("no valid certificate with usage %s among %d", usage, len(certs))}
	}

	pub, err := ParsePublicKey(chosen.Certificate)
	if err != nil {
		return nil, &ksef.CryptoError{Op: "parse certificate", Err: err}
	}

	c := &Certificate{
		Usage:     usage,
		PublicKey: pub,
		ValidFrom: chosen.ValidFrom,
		ValidTo:   chosen.ValidTo,
	}
	s.cache[usage] = c
	logger.Debugf("selected %s certificate valid until %s", usage, c.ValidTo.Format(time.RFC3339))
	return c, nil
}

// ParsePublicKey akceptuje certyfikat jako PEM albo surowy base64 (DER), z białymi znakami lub bez.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	der, err := normalizeCertificate(raw)
	if err != nil {
		return nil, err
	}
	xc, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse x509")
	}
	rsaPub, ok := xc.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("cert nie zawiera klucza RSA (typ: %T)", xc.PublicKey)
	}
	return rsaPub, nil
}

func normalizeCertificate(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty certificate")
	}

	if strings.HasPrefix(raw, "-----BEGIN") {
		block, _ := pem.Decode([]byte(raw))
		if block == nil {
			return nil, errors.New("invalid PEM certificate")
		}
		if block.Type != "CERTIFICATE" {
			return nil, errors.Errorf("unexpected PEM block: %s", block.Type)
		}
		return block.Bytes, nil
	}

	compact := strings.Join(strings.Fields(raw), "")
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, errors.Wrap(err, "decode cert")
	}
	return der, nil
}

// EncryptPayload szyfruje "<token>|<timestampMs>" algorytmem RSA-OAEP z SHA-256 i zwraca base64.
func (s *EncryptionService) EncryptPayload(cert *Certificate, token string, timestamp time.Time) (string, error) {
	return EncryptPayload(cert, token, timestamp)
}

func EncryptPayload(cert *Certificate, token string, timestamp time.Time) (string, error) {
	const op = "encrypt token"
	if cert == nil || cert.PublicKey == nil {
		return "", &ksef.CryptoError{Op: op, Err: errors.New("no certificate")}
	}
	if token == "" {
		return "", &ksef.CryptoError{Op: op, Err: ksef.ErrNoToken}
	}

	payload := fmt.Sprintf("%s|%d", token, timestamp.UnixMilli())
	encrypted, err := encryptOAEP(cert.PublicKey, []byte(payload))
	if err != nil {
		return "", &ksef.CryptoError{Op: op, Err: err}
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// EncryptSymmetricKey szyfruje klucz AES eksportu certyfikatem SymmetricKeyEncryption.
func (s *EncryptionService) EncryptSymmetricKey(ctx context.Context, key []byte) ([]byte, error) {
	cert, err := s.Certificate(ctx, api.PublicKeyCertificateUsageSymmetricKeyEncryption)
	if err != nil {
		return nil, err
	}
	encrypted, err := encryptOAEP(cert.PublicKey, key)
	if err != nil {
		return nil, &ksef.CryptoError{Op: "encrypt symmetric key", Err: err}
	}
	return encrypted, nil
}

// Szyfrowanie RSA-OAEP z SHA-256 (zgodnie z wymaganiami KSeF)
func encryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "błąd szyfrowania RSA-OAEP")
	}
	return encrypted, nil
}
