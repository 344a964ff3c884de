package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBearer string

func (b staticBearer) Bearer(context.Context, OperationName) (Bearer, error) {
	return Bearer{Token: string(b)}, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, sec SecuritySource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, sec, WithClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("api.ksef.mf.gov.pl", nil)
	require.Error(t, err)
}

func TestSecurityPublicKeyCertificatesGet(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "bare array, usage array",
			body: `[{"certificate":"AAA","validFrom":"2025-01-01T00:00:00Z","validTo":"2030-01-01T00:00:00Z","usage":["KsefTokenEncryption"]}]`,
		},
		{
			name: "wrapped, usage string",
			body: `{"certificates":[{"certificate":"AAA","validFrom":"2025-01-01T00:00:00Z","validTo":"2030-01-01T00:00:00Z","usage":"KsefTokenEncryption"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/security/public-key-certificates", r.URL.Path)
				assert.Empty(t, r.Header.Get("Authorization"))
				_, _ = io.WriteString(w, tt.body)
			}, nil)

			certs, err := c.SecurityPublicKeyCertificatesGet(context.Background())
			require.NoError(t, err)
			require.Len(t, certs, 1)
			assert.Equal(t, "AAA", certs[0].Certificate)
			assert.True(t, certs[0].HasUsage(PublicKeyCertificateUsageKsefTokenEncryption))
			assert.False(t, certs[0].HasUsage(PublicKeyCertificateUsageSymmetricKeyEncryption))
			assert.Equal(t, 2030, certs[0].ValidTo.Year())
		})
	}
}

func TestAuthKsefTokenPost_Body(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		raw, _ := io.ReadAll(r.Body)
		var challenge, idType, idValue string
		var token []byte
		err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "challenge":
				challenge, err = d.Str()
			case "encryptedToken":
				token, err = d.Base64()
			case "contextIdentifier":
				err = d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					if key == "type" {
						idType, err = d.Str()
					} else {
						idValue, err = d.Str()
					}
					return err
				})
			default:
				err = d.Skip()
			}
			return err
		})
		assert.NoError(t, err)
		assert.Equal(t, "ch-1", challenge)
		assert.Equal(t, "Nip", idType)
		assert.Equal(t, "1234567890", idValue)
		assert.Equal(t, []byte{1, 2, 3}, token)

		_, _ = io.WriteString(w, `{"referenceNumber":"20250101-AU-1","authenticationToken":{"token":"auth-tok","validUntil":"2025-01-01T10:00:00+00:00"}}`)
	}, nil)

	res, err := c.AuthKsefTokenPost(context.Background(), &InitTokenAuthenticationRequest{
		Challenge: "ch-1",
		ContextIdentifier: AuthenticationContextIdentifier{
			Type:  AuthenticationContextIdentifierTypeNip,
			Value: "1234567890",
		},
		EncryptedToken: "AQID",
	})
	require.NoError(t, err)
	assert.Equal(t, "20250101-AU-1", res.ReferenceNumber)
	assert.Equal(t, "auth-tok", res.AuthenticationToken.Token)
}

func TestSecuredCall_SendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/auth/REF%2F1", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"status":{"code":100,"description":"in progress"}}`)
	}, staticBearer("secret"))

	res, err := c.AuthReferenceNumberGet(context.Background(), "REF/1")
	require.NoError(t, err)
	assert.Equal(t, 100, res.Status.Code)
}

func TestTrace_MasksBearer(t *testing.T) {
	t.Setenv("KSEF_HTTP_TRACE", "true")
	hook := logtest.NewLocal(logger.Logger)
	defer hook.Reset()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":{"code":100}}`)
	}, staticBearer("access-token-value"))

	_, err := c.AuthReferenceNumberGet(context.Background(), "REF-1")
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "access***", entry.Data["bearer"])
	assert.NotContains(t, entry.Message, "access-token-value")
}

func TestSecuredCall_NoSecuritySource(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	}, nil)

	_, err := c.AuthTokenRedeemPost(context.Background())
	require.Error(t, err)
}

func TestErrorResponse_ExceptionEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"exception":{"serviceCode":"X","exceptionDetailList":[{"exceptionCode":21405,"exceptionDescription":"Błąd walidacji","details":["bad date"]}]}}`)
	}, staticBearer("t"))

	_, err := c.InvoicesExportsReferenceNumberGet(context.Background(), "ref")
	var res *ErrorResponse
	require.True(t, errors.As(err, &res))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NotNil(t, res.Exception)
	require.Len(t, res.Exception.Details, 1)
	assert.Equal(t, 21405, res.Exception.Details[0].Code)
	assert.Equal(t, []string{"bad date"}, res.Exception.Details[0].Details)
	assert.Contains(t, err.Error(), "21405")
}

func TestErrorResponse_PlainBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	}, nil)

	_, err := c.SecurityPublicKeyCertificatesGet(context.Background())
	var res *ErrorResponse
	require.True(t, errors.As(err, &res))
	assert.Nil(t, res.Exception)
	assert.Equal(t, "<html>gateway</html>", string(res.Body))
}

func TestDecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"challenge":`)
	}, nil)

	_, err := c.AuthChallengePost(context.Background(), AuthenticationContextIdentifier{Type: AuthenticationContextIdentifierTypeNip, Value: "1"})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, AuthChallengePostOperation, de.Operation)
}

func TestChallengeTime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"challenge":"c","timestamp":"2025-01-01T10:00:00.123Z","timestampMs":1735725600123}`)
	}, nil)

	res, err := c.AuthChallengePost(context.Background(), AuthenticationContextIdentifier{Type: AuthenticationContextIdentifierTypeNip, Value: "1"})
	require.NoError(t, err)
	ts, ok := res.ChallengeTime()
	require.True(t, ok)
	assert.Equal(t, int64(1735725600123), ts.UnixMilli())
}

func TestChallengeTime_Missing(t *testing.T) {
	var res AuthenticationChallengeResponse
	require.NoError(t, res.Decode(jx.DecodeStr(`{"challenge":"c","timestamp":null}`)))
	_, ok := res.ChallengeTime()
	assert.False(t, ok)
}

func TestInvoicesExportsReferenceNumberGet_Package(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
			"status":{"code":200,"description":"ok"},
			"package":{"invoiceCount":2,"size":1024,"isTruncated":true,
				"parts":[{"ordinalNumber":1,"partName":"p1.zip.aes","method":"GET","url":"https://x/p1",
				"partSize":100,"partHash":"aGFzaA==","encryptedPartSize":112,"encryptedPartHash":"ZW5j",
				"expirationDate":"2025-01-02T00:00:00Z"}]}
		}`)
	}, staticBearer("t"))

	res, err := c.InvoicesExportsReferenceNumberGet(context.Background(), "ref")
	require.NoError(t, err)
	require.NotNil(t, res.Package)
	assert.Equal(t, 2, res.Package.InvoiceCount)
	assert.True(t, res.Package.IsTruncated)
	require.Len(t, res.Package.Parts, 1)
	assert.Equal(t, "https://x/p1", res.Package.Parts[0].URL)
	assert.Equal(t, int64(112), res.Package.Parts[0].EncryptedPartSize)
	assert.True(t, res.Package.Parts[0].ExpirationDate.Set)
}

func TestInvoicesExportsPost_Body(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"subjectType":"Subject2"`)
		assert.Contains(t, string(raw), `"dateType":"Issue"`)
		assert.Contains(t, string(raw), `"from":"2025-01-01T00:00:00Z"`)
		assert.Contains(t, string(raw), `"to":"2025-01-31T23:59:59Z"`)
		assert.Contains(t, string(raw), `"encryptedSymmetricKey":"AQI="`)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"referenceNumber":"EXP-1"}`)
	}, staticBearer("t"))

	res, err := c.InvoicesExportsPost(context.Background(), &InvoiceExportRequest{
		Encryption: EncryptionInfo{EncryptedSymmetricKey: []byte{1, 2}, InitializationVector: []byte{3}},
		Filters: InvoiceQueryFilters{
			SubjectType: InvoiceQuerySubjectTypeSubject2,
			DateRange:   InvoiceQueryDateRange{DateType: InvoiceQueryDateTypeIssue, From: from, To: to},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "EXP-1", res.ReferenceNumber)
}

func TestDownloadPart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, staticBearer("t"), WithClient(srv.Client()))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := c.DownloadPart(context.Background(), InvoicePackagePart{URL: srv.URL + "/p1", Method: "GET"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", buf.String())
}

func TestCanceledContext_NotRequestError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SecurityPublicKeyCertificatesGet(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var re *RequestError
	assert.False(t, errors.As(err, &re))
}

func TestDecode_AllFieldsPresent(t *testing.T) {
	responses := map[string]string{
		"/auth/challenge": `{"challenge":"ch-1","timestamp":"2025-01-15T10:00:00Z","timestampMs":1736935200000}`,
		"/auth/ksef-token": `{"referenceNumber":"AUTH-1",
			"authenticationToken":{"token":"op-token","validUntil":"2025-01-15T11:00:00Z"}}`,
		"/auth/AUTH-1": `{"status":{"code":200,"description":"Uwierzytelnianie zakończone sukcesem","details":["ok"]}}`,
		"/auth/token/redeem": `{"accessToken":{"token":"acc","validUntil":"2025-01-15T11:00:00Z"},
			"refreshToken":{"token":"ref","validUntil":"2025-01-22T10:00:00Z"}}`,
		"/auth/token/refresh": `{"accessToken":{"token":"acc-2","validUntil":"2025-01-15T12:00:00Z"}}`,
		"/invoices/exports":   `{"referenceNumber":"EXP-1"}`,
		"/invoices/exports/EXP-1": `{"status":{"code":200,"description":"done"},"completedDate":"2025-01-15T10:05:00Z",
			"package":{"invoiceCount":1,"size":10,"isTruncated":false,"lastIssueDate":"2025-01-14T00:00:00Z",
			"lastPermanentStorageDate":"2025-01-14T09:00:00Z","parts":[]}}`,
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}, staticBearer("t"))
	ctx := context.Background()

	ch, err := c.AuthChallengePost(ctx, AuthenticationContextIdentifier{Type: AuthenticationContextIdentifierTypeNip, Value: "5261040828"})
	require.NoError(t, err)
	assert.Equal(t, "ch-1", ch.Challenge)
	assert.True(t, ch.Timestamp.Set)
	assert.Equal(t, int64(1736935200000), ch.TimestampMs.Value)

	started, err := c.AuthKsefTokenPost(ctx, &InitTokenAuthenticationRequest{Challenge: "ch-1", EncryptedToken: "ZW5j"})
	require.NoError(t, err)
	assert.Equal(t, "AUTH-1", started.ReferenceNumber)
	assert.Equal(t, "op-token", started.AuthenticationToken.Token)
	assert.False(t, started.AuthenticationToken.ValidUntil.IsZero())

	st, err := c.AuthReferenceNumberGet(ctx, "AUTH-1")
	require.NoError(t, err)
	assert.Equal(t, 200, st.Status.Code)
	assert.Equal(t, []string{"ok"}, st.Status.Details)

	tokens, err := c.AuthTokenRedeemPost(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc", tokens.AccessToken.Token)
	assert.Equal(t, "ref", tokens.RefreshToken.Token)

	refreshed, err := c.AuthTokenRefreshPost(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", refreshed.AccessToken.Token)

	exp, err := c.InvoicesExportsPost(ctx, &InvoiceExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, "EXP-1", exp.ReferenceNumber)

	status, err := c.InvoicesExportsReferenceNumberGet(ctx, "EXP-1")
	require.NoError(t, err)
	assert.Equal(t, 200, status.Status.Code)
	assert.True(t, status.CompletedDate.Set)
	require.NotNil(t, status.Package)
	assert.Equal(t, 1, status.Package.InvoiceCount)
	assert.True(t, status.Package.LastPermanentStorageDate.Set)
	assert.Empty(t, status.Package.Parts)
}
