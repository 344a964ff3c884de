package ksef

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/util"
)

// Reason klasyfikuje błąd krytyczny zatrzymujący przepływ.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCrypto
	ReasonProtocolViolation
	ReasonRemoteRejected
	ReasonTimeout
	ReasonTransport
	ReasonCanceled
	ReasonInvalidRequest
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCrypto:
		return "crypto"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonRemoteRejected:
		return "remote_rejected"
	case ReasonTimeout:
		return "timeout"
	case ReasonTransport:
		return "transport"
	case ReasonCanceled:
		return "canceled"
	case ReasonInvalidRequest:
		return "invalid_request"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("ksef timeout")

// CryptoError covers certificate fetch, parse and encryption failures.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("ksef crypto (%s): %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error  { return e.Err }
func (e *CryptoError) Reason() Reason { return ReasonCrypto }

// ProtocolViolationError means a response lacked a field the protocol requires
// or could not be decoded at all.
type ProtocolViolationError struct {
	Op    string
	Field string
	Body  string
	Err   error
}

func (e *ProtocolViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ksef protocol violation (%s)", e.Op)
	if e.Field != "" {
		fmt.Fprintf(&b, ": missing %s", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, " [body: %s]", e.Body)
	}
	return b.String()
}

func (e *ProtocolViolationError) Unwrap() error  { return e.Err }
func (e *ProtocolViolationError) Reason() Reason { return ReasonProtocolViolation }

// ApiError błąd z kontekstem zdarzenia (odrzucenie po stronie KSeF)
type ApiError struct {
	Op      string
	Status  int // HTTP status (np. 401), 0 gdy odrzucenie przyszło w treści statusu
	Code    int // kod statusu operacji KSeF, jeśli dotyczy
	Details []ErrorDetail
	Body    string // fragment body, do diagnostyki
	Message string
}

type ErrorDetail struct {
	Code    int
	Message string
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *ApiError) Error() string {
	var msg string
	if e.Status == 0 {
		msg = fmt.Sprintf("KSeF rejected %s with status code %d: %s", e.Op, e.Code, e.Message)
	} else {
		msg = fmt.Sprintf("KSeF returns http status %d for %s: %s", e.Status, e.Op, e.Message)
	}
	// bez rozpoznanych szczegółów jedynym źródłem przyczyny jest treść odpowiedzi
	if len(e.Details) == 0 && e.Body != "" {
		msg += " [body: " + e.Body + "]"
	}
	return msg
}

func (e *ApiError) Reason() Reason { return ReasonRemoteRejected }

func (e *ApiError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

// ValidationError means the request was rejected locally, before any call to KSeF.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error  { return e.Err }
func (e *ValidationError) Reason() Reason { return ReasonInvalidRequest }

// TimeoutError means a bounded polling budget ran out.
type TimeoutError struct {
	Op       string
	Attempts int
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ksef %s did not complete after %d attempts (%s)", e.Op, e.Attempts, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutError) Reason() Reason       { return ReasonTimeout }

// TransportError is a network level failure; the caller may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ksef transport (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error  { return e.Err }
func (e *TransportError) Reason() Reason { return ReasonTransport }

// ReasonOf zwraca kategorię błędu; błędy bez kategorii traktowane są jak transportowe.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var r interface{ Reason() Reason }
	if errors.As(err, &r) {
		return r.Reason()
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonTransport
}

// HandleAPIError obsługuje generyczne błędy API (4xx/5xx)
func HandleAPIError(op string, res *api.ErrorResponse) error {

	errorMsg := http.StatusText(res.StatusCode)
	if errorMsg == "" {
		errorMsg = fmt.Sprintf("status %d", res.StatusCode)
	}

	var d []ErrorDetail

	if res.Exception != nil && len(res.Exception.Details) > 0 {
		errorMsg += "; details:"
		for i, detail := range res.Exception.Details {
			msg := detail.Description
			// jeżeli brak opisu, spróbuj złożyć z tablicy Details
			if msg == "" && len(detail.Details) > 0 {
				msg = detail.Details[0]
			}
			errorMsg += fmt.Sprintf(" %d) %d %s", i+1, detail.Code, msg)
			d = append(d, ErrorDetail{Code: detail.Code, Message: msg})
		}
	}

	return &ApiError{
		Op:      op,
		Status:  res.StatusCode,
		Details: d,
		Body:    util.Excerpt(string(res.Body), util.BodyExcerptLen),
		Message: errorMsg,
	}
}

// CallError tłumaczy błąd zwrócony przez klienta api na taksonomię pakietu.
// Anulowanie lub wygaśnięcie kontekstu wywołującego przechodzi bez zmian.
func CallError(op string, err error) error {
	if err == nil {
		return nil
	}

	// już sklasyfikowany (np. błąd odświeżenia tokena w SecuritySource)
	var classified interface{ Reason() Reason }
	if errors.As(err, &classified) {
		return err
	}

	// anulowanie przez wywołującego nie jest błędem sieci
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op)
	}

	var res *api.ErrorResponse
	if errors.As(err, &res) {
		return HandleAPIError(op, res)
	}

	var de *api.DecodeError
	if errors.As(err, &de) {
		return &ProtocolViolationError{
			Op:   op,
			Body: util.Excerpt(string(de.Body), util.BodyExcerptLen),
			Err:  de.Err,
		}
	}

	var re *api.RequestError
	if errors.As(err, &re) {
		return &TransportError{Op: op, Err: re.Err}
	}

	return &TransportError{Op: op, Err: err}
}
