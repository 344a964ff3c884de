// Package qr buduje link weryfikacyjny faktury (KOD I) dla pobranych dokumentów.
package qr

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/credentials"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

var logger = logrus.WithField("component", "ksef.qr")

var ErrNoDocumentHash = errors.New("invoice has no document hash")

// VerificationLink buduje link w formacie:
// https://{qr-env}/client-app/invoice/{NIP}/{DD-MM-YYYY}/{Base64URL(SHA256(xml)) bez paddingu}
func VerificationLink(env ksef.Environment, nip string, issueDate time.Time, documentSHA256 []byte) (string, error) {
	if len(documentSHA256) == 0 {
		return "", ErrNoDocumentHash
	}
	baseQR, err := QRBaseURL(env.BaseURL())
	if err != nil {
		return "", err
	}
	normalized, err := credentials.NormalizeNip(nip)
	if err != nil {
		return "", err
	}

	date := issueDate.Format("02-01-2006")
	hash := base64.RawURLEncoding.EncodeToString(documentSHA256)
	return fmt.Sprintf("%s/client-app/invoice/%s/%s/%s", strings.TrimRight(baseQR, "/"), normalized, date, hash), nil
}

// ForInvoice zwraca link dla sparsowanej faktury; NIP-em jest NIP sprzedawcy.
func ForInvoice(env ksef.Environment, inv invoice.ParsedInvoice) (string, error) {
	link, err := VerificationLink(env, inv.SupplierTaxID, inv.IssueDate, inv.DocumentSHA256)
	if err != nil {
		return "", errors.Wrapf(err, "verification link for %s", inv.ExternalReference)
	}
	logger.Debugf("verification link for %s: %s", inv.ExternalReference, link)
	return link, nil
}

// QRBaseURL mapuje BaseURL() na host qr-...
func QRBaseURL(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("base URL is empty")
	}

	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("base URL must include scheme and host, got: %q", base)
	}

	host := u.Host
	host = strings.Replace(host, "api-", "qr-", 1)
	host = strings.Replace(host, "api.", "qr.", 1)

	u.Host = host
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}
