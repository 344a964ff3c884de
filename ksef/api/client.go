package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/alapierre/ksef-exchange/ksef/util"
)

var logger = logrus.WithField("component", "ksef.api")

const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultDownloadTimeout = 5 * time.Minute

	// maksymalny rozmiar odpowiedzi JSON
	maxBodySize = 16 << 20
)

// OperationName identyfikuje wywołanie API (do logów i SecuritySource).
type OperationName string

const (
	SecurityPublicKeyCertificatesGetOperation  OperationName = "SecurityPublicKeyCertificatesGet"
	AuthChallengePostOperation                 OperationName = "AuthChallengePost"
	AuthKsefTokenPostOperation                 OperationName = "AuthKsefTokenPost"
	AuthReferenceNumberGetOperation            OperationName = "AuthReferenceNumberGet"
	AuthTokenRedeemPostOperation               OperationName = "AuthTokenRedeemPost"
	AuthTokenRefreshPostOperation              OperationName = "AuthTokenRefreshPost"
	AuthSessionsCurrentDeleteOperation         OperationName = "AuthSessionsCurrentDelete"
	InvoicesExportsPostOperation               OperationName = "InvoicesExportsPost"
	InvoicesExportsReferenceNumberGetOperation OperationName = "InvoicesExportsReferenceNumberGet"
	DownloadPartOperation                      OperationName = "DownloadPart"
)

type Bearer struct {
	Token string
}

// SecuritySource dostarcza token dla operacji wymagających autoryzacji.
type SecuritySource interface {
	Bearer(ctx context.Context, operationName OperationName) (Bearer, error)
}

// Client is a thin KSeF v2 REST client. It is safe for concurrent use.
type Client struct {
	serverURL       string
	sec             SecuritySource
	http            *http.Client
	limiter         *rate.Limiter
	callTimeout     time.Duration
	downloadTimeout time.Duration
	observer        Observer
}

// Observer dostaje wynik każdego wywołania HTTP (status 0 gdy odpowiedzi nie było).
type Observer interface {
	ObserveCall(op OperationName, status int, took time.Duration, err error)
}

type ClientOption func(*Client)

func WithClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithRateLimit ogranicza liczbę wywołań API (KSeF stosuje limity per kontekst).
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

func WithDownloadTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.downloadTimeout = d }
}

func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

func NewClient(serverURL string, sec SecuritySource, opts ...ClientOption) (*Client, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, errors.Errorf("invalid server url %q", serverURL)
	}

	c := &Client{
		serverURL:       serverURL,
		sec:             sec,
		http:            http.DefaultClient,
		callTimeout:     DefaultCallTimeout,
		downloadTimeout: DefaultDownloadTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// WithSecurity zwraca kopię klienta z innym źródłem tokena; transport jest współdzielony.
func (c *Client) WithSecurity(sec SecuritySource) *Client {
	cp := *c
	cp.sec = sec
	return &cp
}

func (c *Client) ServerURL() string {
	return c.serverURL
}

type call struct {
	op      OperationName
	method  string
	path    string
	body    []byte
	secured bool
}

func (c *Client) send(ctx context.Context, in call) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if in.body != nil {
		body = bytes.NewReader(in.body)
	}

	req, err := http.NewRequestWithContext(reqCtx, in.method, c.serverURL+in.path, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if in.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var bearer string
	if in.secured {
		if c.sec == nil {
			return nil, errors.Errorf("%s: security source not set", in.op)
		}
		t, err := c.sec.Bearer(ctx, in.op)
		if err != nil {
			return nil, errors.Wrap(err, "security \"Bearer\"")
		}
		bearer = t.Token
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(in.op, 0, start, err)
		// anulowanie po stronie wywołującego nie jest błędem sieci
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Operation: in.op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Operation: in.op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}

	trace(in, bearer, resp, raw, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errResp := newErrorResponse(in.op, resp.StatusCode, raw)
		c.observe(in.op, resp.StatusCode, start, errResp)
		return nil, errResp
	}
	c.observe(in.op, resp.StatusCode, start, nil)
	return raw, nil
}

func (c *Client) observe(op OperationName, status int, start time.Time, err error) {
	if c.observer != nil {
		c.observer.ObserveCall(op, status, time.Since(start), err)
	}
}

func trace(in call, bearer string, resp *http.Response, raw []byte, took time.Duration) {
	if !util.HttpTraceEnabled() {
		return
	}
	fields := logrus.Fields{
		"operation": in.op,
		"method":    in.method,
		"path":      in.path,
		"status":    resp.StatusCode,
		"took":      took,
	}
	if bearer != "" {
		fields["bearer"] = util.MaskToken(bearer)
	}
	logger.WithFields(fields).Infof("response body: %s", util.Excerpt(string(raw), 2000))
}
