package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// SecurityPublicKeyCertificatesGet invokes GET /security/public-key-certificates.
func (c *Client) SecurityPublicKeyCertificatesGet(ctx context.Context) ([]PublicKeyCertificate, error) {
	op := SecurityPublicKeyCertificatesGetOperation
	raw, err := c.send(ctx, call{op: op, method: http.MethodGet, path: "/security/public-key-certificates"})
	if err != nil {
		return nil, err
	}
	certs, err := decodeCertificates(jx.DecodeBytes(raw))
	if err != nil {
		return nil, &DecodeError{Operation: op, Body: raw, Err: err}
	}
	return certs, nil
}

// AuthChallengePost invokes POST /auth/challenge.
func (c *Client) AuthChallengePost(ctx context.Context, id AuthenticationContextIdentifier) (*AuthenticationChallengeResponse, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("contextIdentifier")
	id.Encode(e)
	e.ObjEnd()

	res := new(AuthenticationChallengeResponse)
	if err := c.roundTrip(ctx, call{
		op:     AuthChallengePostOperation,
		method: http.MethodPost,
		path:   "/auth/challenge",
		body:   copyBytes(e.Bytes()),
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// AuthKsefTokenPost invokes POST /auth/ksef-token.
func (c *Client) AuthKsefTokenPost(ctx context.Context, req *InitTokenAuthenticationRequest) (*AuthenticationInitResponse, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	req.Encode(e)

	res := new(AuthenticationInitResponse)
	if err := c.roundTrip(ctx, call{
		op:     AuthKsefTokenPostOperation,
		method: http.MethodPost,
		path:   "/auth/ksef-token",
		body:   copyBytes(e.Bytes()),
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// AuthReferenceNumberGet invokes GET /auth/{referenceNumber}. Requires the authentication token.
func (c *Client) AuthReferenceNumberGet(ctx context.Context, referenceNumber string) (*AuthenticationOperationStatusResponse, error) {
	res := new(AuthenticationOperationStatusResponse)
	if err := c.roundTrip(ctx, call{
		op:      AuthReferenceNumberGetOperation,
		method:  http.MethodGet,
		path:    "/auth/" + url.PathEscape(referenceNumber),
		secured: true,
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// AuthTokenRedeemPost invokes POST /auth/token/redeem. Requires the authentication token.
func (c *Client) AuthTokenRedeemPost(ctx context.Context) (*AuthenticationTokensResponse, error) {
	res := new(AuthenticationTokensResponse)
	if err := c.roundTrip(ctx, call{
		op:      AuthTokenRedeemPostOperation,
		method:  http.MethodPost,
		path:    "/auth/token/redeem",
		secured: true,
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// AuthTokenRefreshPost invokes POST /auth/token/refresh. Requires the refresh token.
func (c *Client) AuthTokenRefreshPost(ctx context.Context) (*AuthenticationTokenRefreshResponse, error) {
	res := new(AuthenticationTokenRefreshResponse)
	if err := c.roundTrip(ctx, call{
		op:      AuthTokenRefreshPostOperation,
		method:  http.MethodPost,
		path:    "/auth/token/refresh",
		secured: true,
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// AuthSessionsCurrentDelete invokes DELETE /auth/sessions/current.
func (c *Client) AuthSessionsCurrentDelete(ctx context.Context) error {
	_, err := c.send(ctx, call{
		op:      AuthSessionsCurrentDeleteOperation,
		method:  http.MethodDelete,
		path:    "/auth/sessions/current",
		secured: true,
	})
	return err
}

// InvoicesExportsPost invokes POST /invoices/exports.
func (c *Client) InvoicesExportsPost(ctx context.Context, req *InvoiceExportRequest) (*ExportInvoicesResponse, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	req.Encode(e)

	res := new(ExportInvoicesResponse)
	if err := c.roundTrip(ctx, call{
		op:      InvoicesExportsPostOperation,
		method:  http.MethodPost,
		path:    "/invoices/exports",
		body:    copyBytes(e.Bytes()),
		secured: true,
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// InvoicesExportsReferenceNumberGet invokes GET /invoices/exports/{referenceNumber}.
func (c *Client) InvoicesExportsReferenceNumberGet(ctx context.Context, referenceNumber string) (*InvoiceExportStatusResponse, error) {
	res := new(InvoiceExportStatusResponse)
	if err := c.roundTrip(ctx, call{
		op:      InvoicesExportsReferenceNumberGetOperation,
		method:  http.MethodGet,
		path:    "/invoices/exports/" + url.PathEscape(referenceNumber),
		secured: true,
	}, res.Decode); err != nil {
		return nil, err
	}
	return res, nil
}

// DownloadPart pobiera zaszyfrowaną część paczki spod adresu wskazanego przez KSeF.
// Adres jest wstępnie podpisany, więc żądanie idzie bez nagłówka Authorization.
func (c *Client) DownloadPart(ctx context.Context, part InvoicePackagePart, w io.Writer) (int64, error) {
	op := DownloadPartOperation
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	method := part.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, part.URL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "create request")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start, err)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &RequestError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		errResp := newErrorResponse(op, resp.StatusCode, raw)
		c.observe(op, resp.StatusCode, start, errResp)
		return 0, errResp
	}

	n, err := io.Copy(w, resp.Body)
	c.observe(op, resp.StatusCode, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &RequestError{Operation: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "copy body")}
	}
	return n, nil
}

func (c *Client) roundTrip(ctx context.Context, in call, decode func(d *jx.Decoder) error) error {
	raw, err := c.send(ctx, in)
	if err != nil {
		return err
	}
	if err := decode(jx.DecodeBytes(raw)); err != nil {
		return &DecodeError{Operation: in.op, Body: raw, Err: err}
	}
	return nil
}

// encoder z puli jest zwracany po wywołaniu, więc body musi być kopią
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
