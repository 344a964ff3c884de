package api

import (
	"fmt"
	"net/http"

	"github.com/go-faster/jx"
)

// RequestError oznacza błąd sieci (brak odpowiedzi HTTP lub przerwany odczyt).
type RequestError struct {
	Operation  OperationName
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	if r.StatusCode != 0 {
		return fmt.Sprintf("%s: status: %d err: %v", r.Operation, r.StatusCode, r.Err)
	}
	return fmt.Sprintf("%s: %v", r.Operation, r.Err)
}

func (r *RequestError) Unwrap() error { return r.Err }

// ErrorResponse is returned for every non-2xx answer. Exception is nil when
// the body was not the KSeF exception envelope.
type ErrorResponse struct {
	Operation  OperationName
	StatusCode int
	Body       []byte
	Exception  *ExceptionInfo
}

func (e *ErrorResponse) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d %s", e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Exception != nil && len(e.Exception.Details) > 0 {
		d := e.Exception.Details[0]
		msg += fmt.Sprintf(" (%d: %s)", d.Code, d.Description)
	}
	return msg
}

type ExceptionInfo struct {
	ServiceCode     string
	ReferenceNumber string
	Details         []ExceptionDetail
}

type ExceptionDetail struct {
	Code        int
	Description string
	Details     []string
}

// DecodeError oznacza odpowiedź 2xx, której nie udało się zdekodować.
type DecodeError struct {
	Operation OperationName
	Body      []byte
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Operation, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newErrorResponse(op OperationName, status int, body []byte) *ErrorResponse {
	res := &ErrorResponse{Operation: op, StatusCode: status, Body: body}
	if len(body) == 0 {
		return res
	}
	var info ExceptionInfo
	found := false
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "exception" {
			return d.Skip()
		}
		found = true
		return info.Decode(d)
	})
	if err == nil && found {
		res.Exception = &info
	}
	return res
}

func (s *ExceptionInfo) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "serviceCode":
			s.ServiceCode, err = optStr(d)
		case "referenceNumber":
			s.ReferenceNumber, err = optStr(d)
		case "exceptionDetailList":
			err = d.Arr(func(d *jx.Decoder) error {
				var det ExceptionDetail
				if err := det.Decode(d); err != nil {
					return err
				}
				s.Details = append(s.Details, det)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

func (s *ExceptionDetail) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "exceptionCode":
			s.Code, err = optInt(d)
		case "exceptionDescription":
			s.Description, err = optStr(d)
		case "details":
			s.Details, err = optStrArr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}
