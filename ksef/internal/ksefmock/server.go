// Package ksefmock is an in-process fake of the KSeF v2 endpoints used by the
// exchange client. It is meant for tests only.
package ksefmock

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/jx"

	"github.com/alapierre/ksef-exchange/ksef/aes"
)

const (
	AuthReference   = "20250101-AU-0000000001-01"
	ExportReference = "20250101-EX-0000000001-01"

	authToken    = "auth-tmp-token"
	accessToken  = "access-token"
	refreshToken = "refresh-token"
)

// Server is configured through its exported fields before the first request.
type Server struct {
	*httptest.Server
	t testing.TB

	Key     *rsa.PrivateKey
	CertDER []byte

	Token string // oczekiwany token KSeF

	OmitChallengeTimestamp bool
	AuthPendingPolls       int
	AuthFinalCode          int
	OmitAccessToken        bool
	AccessTokenTTL         time.Duration

	ExportPendingPolls int
	ExportFinalCode    int
	ExportNoData       bool
	Truncated          bool
	Documents          map[string][]byte
	RawPackage         []byte // zastępuje ZIP budowany z Documents
	CorruptPartHash    bool
	FailStatusWith     int // HTTP status zwracany przez status eksportu

	mu          sync.Mutex
	counts      map[string]int
	exportKey   *aes.ExportKey
	subjectType string
	dateFrom    string
	dateTo      string
	accessToken string
}

func New(t testing.TB) *Server {
	t.Helper()

	key, der := newKeyPair(t)
	s := &Server{
		t:              t,
		Key:            key,
		CertDER:        der,
		Token:          "ksef-token",
		AuthFinalCode:  200,
		AccessTokenTTL: 15 * time.Minute,
		counts:         make(map[string]int),
		accessToken:    accessToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /security/public-key-certificates", s.certificates)
	mux.HandleFunc("POST /auth/challenge", s.challenge)
	mux.HandleFunc("POST /auth/ksef-token", s.ksefToken)
	mux.HandleFunc("GET /auth/{ref}", s.authStatus)
	mux.HandleFunc("POST /auth/token/redeem", s.redeem)
	mux.HandleFunc("POST /auth/token/refresh", s.refresh)
	mux.HandleFunc("DELETE /auth/sessions/current", s.terminate)
	mux.HandleFunc("POST /invoices/exports", s.export)
	mux.HandleFunc("GET /invoices/exports/{ref}", s.exportStatus)
	mux.HandleFunc("GET /download/{part}", s.download)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newKeyPair(t testing.TB) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "ksef-mock"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return key, der
}

// RotateKey wymienia klucz szyfrowania tokenów; tokeny zaszyfrowane starym kluczem są odrzucane.
// Wywoływać między żądaniami, nie w trakcie.
func (s *Server) RotateKey() {
	key, der := newKeyPair(s.t)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Key, s.CertDER = key, der
}

func (s *Server) keyPair() (*rsa.PrivateKey, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Key, s.CertDER
}

// Count zwraca liczbę wywołań danego endpointu (np. "terminate", "exportStatus").
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *Server) ExportFilters() (subjectType, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subjectType, s.dateFrom, s.dateTo
}

func (s *Server) hit(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	return s.counts[name]
}

func (s *Server) certificates(w http.ResponseWriter, _ *http.Request) {
	s.hit("certificates")
	_, der := s.keyPair()
	c := base64.StdEncoding.EncodeToString(der)
	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, fmt.Sprintf(`[
		{"certificate":%q,"validFrom":%q,"validTo":%q,"usage":["KsefTokenEncryption"]},
		{"certificate":%q,"validFrom":%q,"validTo":%q,"usage":["SymmetricKeyEncryption"]}
	]`, c, from, to, c, from, to))
}

func (s *Server) challenge(w http.ResponseWriter, _ *http.Request) {
	n := s.hit("challenge")
	now := time.Now().UTC()
	if s.OmitChallengeTimestamp {
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"challenge":"ch-%d"}`, n))
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"challenge":"ch-%d","timestamp":%q,"timestampMs":%d}`,
		n, now.Format(time.RFC3339Nano), now.UnixMilli()))
}

func (s *Server) ksefToken(w http.ResponseWriter, r *http.Request) {
	s.hit("ksefToken")
	fields := decodeFlat(r.Body)

	raw, err := base64.StdEncoding.DecodeString(fields["encryptedToken"])
	if err != nil {
		writeException(w, http.StatusBadRequest, 21001, "encryptedToken is not base64")
		return
	}
	key, _ := s.keyPair()
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, raw, nil)
	if err != nil || !strings.HasPrefix(string(plain), s.Token+"|") {
		writeException(w, http.StatusBadRequest, 21002, "Nieprawidłowy token")
		return
	}
	if fields["challenge"] == "" || fields["contextIdentifier.value"] == "" {
		writeException(w, http.StatusBadRequest, 21003, "missing challenge or context")
		return
	}

	writeJSON(w, http.StatusAccepted, fmt.Sprintf(`{"referenceNumber":%q,"authenticationToken":{"token":%q,"validUntil":%q}}`,
		AuthReference, authToken, time.Now().Add(10*time.Minute).UTC().Format(time.RFC3339)))
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	if !s.bearer(w, r, authToken) {
		return
	}
	n := s.hit("authStatus")
	if r.PathValue("ref") != AuthReference {
		writeException(w, http.StatusNotFound, 21404, "unknown reference")
		return
	}
	if n <= s.AuthPendingPolls {
		writeJSON(w, http.StatusOK, `{"status":{"code":100,"description":"Uwierzytelnianie w toku"}}`)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"status":{"code":%d,"description":"status %d","details":["mock"]}}`,
		s.AuthFinalCode, s.AuthFinalCode))
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	if !s.bearer(w, r, authToken) {
		return
	}
	s.hit("redeem")
	at := accessToken
	if s.OmitAccessToken {
		at = ""
	}
	exp := time.Now().Add(s.AccessTokenTTL).UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"accessToken":{"token":%q,"validUntil":%q},"refreshToken":{"token":%q,"validUntil":%q}}`,
		at, exp, refreshToken, time.Now().Add(7*24*time.Hour).UTC().Format(time.RFC3339)))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if !s.bearer(w, r, refreshToken) {
		return
	}
	n := s.hit("refresh")
	s.mu.Lock()
	s.accessToken = fmt.Sprintf("%s-%d", accessToken, n)
	at := s.accessToken
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"accessToken":{"token":%q,"validUntil":%q}}`,
		at, time.Now().Add(15*time.Minute).UTC().Format(time.RFC3339)))
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	if !s.accessBearer(w, r) {
		return
	}
	s.hit("terminate")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	if !s.accessBearer(w, r) {
		return
	}
	s.hit("export")
	fields := decodeFlat(r.Body)

	encKey, err := base64.StdEncoding.DecodeString(fields["encryption.encryptedSymmetricKey"])
	if err != nil {
		writeException(w, http.StatusBadRequest, 21001, "encryptedSymmetricKey is not base64")
		return
	}
	priv, _ := s.keyPair()
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		writeException(w, http.StatusBadRequest, 21002, "cannot decrypt symmetric key")
		return
	}
	iv, err := base64.StdEncoding.DecodeString(fields["encryption.initializationVector"])
	if err != nil {
		writeException(w, http.StatusBadRequest, 21001, "initializationVector is not base64")
		return
	}

	s.mu.Lock()
	s.exportKey = &aes.ExportKey{Key: key, IV: iv}
	s.subjectType = fields["filters.subjectType"]
	s.dateFrom = fields["filters.dateRange.from"]
	s.dateTo = fields["filters.dateRange.to"]
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, fmt.Sprintf(`{"referenceNumber":%q}`, ExportReference))
}

func (s *Server) exportStatus(w http.ResponseWriter, r *http.Request) {
	if !s.accessBearer(w, r) {
		return
	}
	n := s.hit("exportStatus")

	if s.FailStatusWith != 0 {
		writeException(w, s.FailStatusWith, 21500, "export status unavailable")
		return
	}
	if n <= s.ExportPendingPolls {
		writeJSON(w, http.StatusOK, `{"status":{"code":100,"description":"Eksport w toku"}}`)
		return
	}
	if s.ExportFinalCode != 0 && s.ExportFinalCode != 200 {
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"status":{"code":%d,"description":"status %d"}}`, s.ExportFinalCode, s.ExportFinalCode))
		return
	}
	if s.ExportNoData {
		writeJSON(w, http.StatusOK, `{"status":{"code":200,"description":"Eksport zakończony"},"package":{"invoiceCount":0,"size":0,"parts":[],"isTruncated":false}}`)
		return
	}

	plain, enc := s.payload()
	plainMeta, encMeta := aes.GetMetadata(plain), aes.GetMetadata(enc)
	encHash := encMeta.HashBase64()
	if s.CorruptPartHash {
		encHash = base64.StdEncoding.EncodeToString(make([]byte, 32))
	}

	writeJSON(w, http.StatusOK, fmt.Sprintf(`{
		"status":{"code":200,"description":"Eksport zakończony"},
		"completedDate":%q,
		"package":{"invoiceCount":%d,"size":%d,"isTruncated":%t,"parts":[{
			"ordinalNumber":1,"partName":"part-1.zip.aes","method":"GET","url":%q,
			"partSize":%d,"partHash":%q,"encryptedPartSize":%d,"encryptedPartHash":%q,
			"expirationDate":%q}]}
	}`,
		time.Now().UTC().Format(time.RFC3339),
		len(s.Documents), plainMeta.Size, s.Truncated, s.URL+"/download/part-1",
		plainMeta.Size, plainMeta.HashBase64(), encMeta.Size, encHash,
		time.Now().Add(time.Hour).UTC().Format(time.RFC3339)))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	s.hit("download")
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "pre-signed url must not carry a bearer", http.StatusBadRequest)
		return
	}
	_, enc := s.payload()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(enc)
}

// payload buduje paczkę (ZIP z Documents albo RawPackage) i szyfruje ją kluczem z żądania eksportu.
func (s *Server) payload() (plain, enc []byte) {
	s.mu.Lock()
	key := s.exportKey
	s.mu.Unlock()
	if key == nil {
		s.t.Errorf("ksefmock: package requested before export was scheduled")
		return nil, nil
	}

	plain = s.RawPackage
	if plain == nil {
		plain = BuildZip(s.t, s.Documents)
	}
	enc, err := key.Encrypt(plain)
	if err != nil {
		s.t.Errorf("ksefmock: encrypt package: %v", err)
	}
	return plain, enc
}

func (s *Server) bearer(w http.ResponseWriter, r *http.Request, want string) bool {
	if r.Header.Get("Authorization") != "Bearer "+want {
		writeException(w, http.StatusUnauthorized, 21401, "invalid bearer")
		return false
	}
	return true
}

func (s *Server) accessBearer(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	want := s.accessToken
	s.mu.Unlock()
	return s.bearer(w, r, want)
}

// BuildZip pakuje dokumenty w kolejności nazw.
func BuildZip(t testing.TB, docs map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(docs))
	for n := range docs {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		f, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(docs[n]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeException(w http.ResponseWriter, status, code int, desc string) {
	writeJSON(w, status, fmt.Sprintf(`{"exception":{"serviceCode":"mock","exceptionDetailList":[{"exceptionCode":%d,"exceptionDescription":%q}]}}`, code, desc))
}

// decodeFlat spłaszcza obiekt JSON do mapy "a.b.c" -> wartość tekstowa (tylko stringi).
func decodeFlat(r io.Reader) map[string]string {
	out := make(map[string]string)
	raw, err := io.ReadAll(r)
	if err != nil {
		return out
	}
	var walk func(d *jx.Decoder, prefix string) error
	walk = func(d *jx.Decoder, prefix string) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			name := key
			if prefix != "" {
				name = prefix + "." + key
			}
			switch d.Next() {
			case jx.Object:
				return walk(d, name)
			case jx.String:
				v, err := d.Str()
				out[name] = v
				return err
			default:
				return d.Skip()
			}
		})
	}
	_ = walk(jx.DecodeBytes(raw), "")
	return out
}
