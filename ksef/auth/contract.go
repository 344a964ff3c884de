package auth

import (
	"context"
	"time"

	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/cipher"
)

type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (api.TokenInfo, error)
}

// Encryptor przygotowuje zaszyfrowany token dla kroku PayloadEncrypted.
type Encryptor interface {
	FetchEncryptionCertificate(ctx context.Context) (*cipher.Certificate, error)
	EncryptPayload(cert *cipher.Certificate, token string, timestamp time.Time) (string, error)
}

// CertificateRefresher is optionally implemented by an Encryptor. It bypasses the
// certificate cache after KSeF rejects a token encrypted with a rotated-out key.
type CertificateRefresher interface {
	ForceRefresh(ctx context.Context, usage api.PublicKeyCertificateUsage) (*cipher.Certificate, error)
}
