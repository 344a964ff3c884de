package api

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/ogen-go/ogen/json"
)

type PublicKeyCertificateUsage string

const (
	PublicKeyCertificateUsageKsefTokenEncryption    PublicKeyCertificateUsage = "KsefTokenEncryption"
	PublicKeyCertificateUsageSymmetricKeyEncryption PublicKeyCertificateUsage = "SymmetricKeyEncryption"
)

// PublicKeyCertificate - certyfikat klucza publicznego KSeF.
// Certificate zawiera DER w base64 (czasem w formie PEM).
type PublicKeyCertificate struct {
	Certificate string
	ValidFrom   time.Time
	ValidTo     time.Time
	Usage       []PublicKeyCertificateUsage
}

func (s PublicKeyCertificate) HasUsage(u PublicKeyCertificateUsage) bool {
	for _, v := range s.Usage {
		if v == u {
			return true
		}
	}
	return false
}

// OptDateTime is a datetime that may be absent in a response.
type OptDateTime struct {
	Value time.Time
	Set   bool
}

func (o OptDateTime) Get() (time.Time, bool) { return o.Value, o.Set }

type OptInt64 struct {
	Value int64
	Set   bool
}

type AuthenticationChallengeResponse struct {
	Challenge   string
	Timestamp   OptDateTime
	TimestampMs OptInt64
}

// ChallengeTime zwraca moment wystawienia wyzwania; timestampMs ma pierwszeństwo.
func (s AuthenticationChallengeResponse) ChallengeTime() (time.Time, bool) {
	if s.TimestampMs.Set {
		return time.UnixMilli(s.TimestampMs.Value).UTC(), true
	}
	return s.Timestamp.Get()
}

type AuthenticationContextIdentifierType string

const AuthenticationContextIdentifierTypeNip AuthenticationContextIdentifierType = "Nip"

type AuthenticationContextIdentifier struct {
	Type  AuthenticationContextIdentifierType
	Value string
}

type InitTokenAuthenticationRequest struct {
	Challenge         string
	ContextIdentifier AuthenticationContextIdentifier
	// EncryptedToken is already base64 encoded (RSA-OAEP ciphertext).
	EncryptedToken string
}

type TokenInfo struct {
	Token      string
	ValidUntil time.Time
}

type AuthenticationInitResponse struct {
	ReferenceNumber     string
	AuthenticationToken TokenInfo
}

type StatusInfo struct {
	Code        int
	Description string
	Details     []string
}

type AuthenticationOperationStatusResponse struct {
	Status StatusInfo
}

type AuthenticationTokensResponse struct {
	AccessToken  TokenInfo
	RefreshToken TokenInfo
}

type AuthenticationTokenRefreshResponse struct {
	AccessToken TokenInfo
}

type InvoiceQuerySubjectType string

const (
	InvoiceQuerySubjectTypeSubject1 InvoiceQuerySubjectType = "Subject1"
	InvoiceQuerySubjectTypeSubject2 InvoiceQuerySubjectType = "Subject2"
)

type InvoiceQueryDateType string

const (
	InvoiceQueryDateTypeIssue                InvoiceQueryDateType = "Issue"
	InvoiceQueryDateTypeInvoicing            InvoiceQueryDateType = "Invoicing"
	InvoiceQueryDateTypePermanentStorageDate InvoiceQueryDateType = "PermanentStorage"
)

type EncryptionInfo struct {
	EncryptedSymmetricKey []byte
	InitializationVector  []byte
}

type InvoiceQueryDateRange struct {
	DateType InvoiceQueryDateType
	From     time.Time
	To       time.Time
}

type InvoiceQueryFilters struct {
	SubjectType InvoiceQuerySubjectType
	DateRange   InvoiceQueryDateRange
}

type InvoiceExportRequest struct {
	Encryption EncryptionInfo
	Filters    InvoiceQueryFilters
}

type ExportInvoicesResponse struct {
	ReferenceNumber string
}

type InvoicePackagePart struct {
	OrdinalNumber     int
	PartName          string
	Method            string
	URL               string
	PartSize          int64
	PartHash          string
	EncryptedPartSize int64
	EncryptedPartHash string
	ExpirationDate    OptDateTime
}

type InvoicePackage struct {
	InvoiceCount             int
	Size                     int64
	Parts                    []InvoicePackagePart
	IsTruncated              bool
	LastIssueDate            OptDateTime
	LastPermanentStorageDate OptDateTime
}

type InvoiceExportStatusResponse struct {
	Status        StatusInfo
	CompletedDate OptDateTime
	Package       *InvoicePackage
}

// Encode

func (s *InitTokenAuthenticationRequest) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("challenge")
	e.Str(s.Challenge)
	e.FieldStart("contextIdentifier")
	s.ContextIdentifier.Encode(e)
	e.FieldStart("encryptedToken")
	e.Str(s.EncryptedToken)
	e.ObjEnd()
}

func (s *AuthenticationContextIdentifier) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(s.Type))
	e.FieldStart("value")
	e.Str(s.Value)
	e.ObjEnd()
}

func (s *InvoiceExportRequest) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("encryption")
	e.ObjStart()
	e.FieldStart("encryptedSymmetricKey")
	e.Base64(s.Encryption.EncryptedSymmetricKey)
	e.FieldStart("initializationVector")
	e.Base64(s.Encryption.InitializationVector)
	e.ObjEnd()
	e.FieldStart("filters")
	e.ObjStart()
	e.FieldStart("subjectType")
	e.Str(string(s.Filters.SubjectType))
	e.FieldStart("dateRange")
	e.ObjStart()
	e.FieldStart("dateType")
	e.Str(string(s.Filters.DateRange.DateType))
	e.FieldStart("from")
	json.EncodeDateTime(e, s.Filters.DateRange.From)
	e.FieldStart("to")
	json.EncodeDateTime(e, s.Filters.DateRange.To)
	e.ObjEnd()
	e.ObjEnd()
	e.ObjEnd()
}

// Decode

// decodeCertificates akceptuje zarówno gołą tablicę, jak i obiekt {"certificates": [...]}.
func decodeCertificates(d *jx.Decoder) ([]PublicKeyCertificate, error) {
	var out []PublicKeyCertificate
	arr := func(d *jx.Decoder) error {
		return d.Arr(func(d *jx.Decoder) error {
			var c PublicKeyCertificate
			if err := c.Decode(d); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	}

	switch d.Next() {
	case jx.Array:
		if err := arr(d); err != nil {
			return nil, err
		}
	case jx.Object:
		err := d.Obj(func(d *jx.Decoder, key string) error {
			if key == "certificates" && d.Next() == jx.Array {
				return arr(d)
			}
			return d.Skip()
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unexpected certificate list type %s", d.Next())
	}
	return out, nil
}

func (s *PublicKeyCertificate) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "certificate":
			s.Certificate, err = optStr(d)
		case "validFrom":
			s.ValidFrom, err = json.DecodeDateTime(d)
		case "validTo":
			s.ValidTo, err = json.DecodeDateTime(d)
		case "usage":
			// pojedyncza wartość lub tablica
			var raw []string
			if d.Next() == jx.String {
				var v string
				v, err = d.Str()
				raw = []string{v}
			} else {
				raw, err = optStrArr(d)
			}
			for _, u := range raw {
				s.Usage = append(s.Usage, PublicKeyCertificateUsage(u))
			}
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *AuthenticationChallengeResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "challenge":
			s.Challenge, err = optStr(d)
		case "timestamp":
			s.Timestamp, err = optDateTime(d)
		case "timestampMs":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s.TimestampMs.Value, err = d.Int64()
			s.TimestampMs.Set = err == nil
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *TokenInfo) Decode(d *jx.Decoder) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "token":
			s.Token, err = optStr(d)
		case "validUntil":
			var v OptDateTime
			v, err = optDateTime(d)
			s.ValidUntil = v.Value
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *AuthenticationInitResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "referenceNumber":
			s.ReferenceNumber, err = optStr(d)
		case "authenticationToken":
			err = s.AuthenticationToken.Decode(d)
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *StatusInfo) Decode(d *jx.Decoder) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			s.Code, err = optInt(d)
		case "description":
			s.Description, err = optStr(d)
		case "details":
			s.Details, err = optStrArr(d)
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *AuthenticationOperationStatusResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key == "status" {
			return s.Status.Decode(d)
		}
		return d.Skip()
	})
}

func (s *AuthenticationTokensResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "accessToken":
			return s.AccessToken.Decode(d)
		case "refreshToken":
			return s.RefreshToken.Decode(d)
		}
		return d.Skip()
	})
}

func (s *AuthenticationTokenRefreshResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key == "accessToken" {
			return s.AccessToken.Decode(d)
		}
		return d.Skip()
	})
}

func (s *ExportInvoicesResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key == "referenceNumber" {
			var err error
			s.ReferenceNumber, err = optStr(d)
			return err
		}
		return d.Skip()
	})
}

func (s *InvoiceExportStatusResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			err = s.Status.Decode(d)
		case "completedDate":
			s.CompletedDate, err = optDateTime(d)
		case "package":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s.Package = new(InvoicePackage)
			err = s.Package.Decode(d)
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *InvoicePackage) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "invoiceCount":
			s.InvoiceCount, err = optInt(d)
		case "size":
			s.Size, err = optInt64(d)
		case "isTruncated":
			s.IsTruncated, err = optBool(d)
		case "lastIssueDate":
			s.LastIssueDate, err = optDateTime(d)
		case "lastPermanentStorageDate":
			s.LastPermanentStorageDate, err = optDateTime(d)
		case "parts":
			if d.Next() == jx.Null {
				return d.Null()
			}
			err = d.Arr(func(d *jx.Decoder) error {
				var p InvoicePackagePart
				if err := p.Decode(d); err != nil {
					return err
				}
				s.Parts = append(s.Parts, p)
				return nil
			})
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

func (s *InvoicePackagePart) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "ordinalNumber":
			s.OrdinalNumber, err = optInt(d)
		case "partName":
			s.PartName, err = optStr(d)
		case "method":
			s.Method, err = optStr(d)
		case "url":
			s.URL, err = optStr(d)
		case "partSize":
			s.PartSize, err = optInt64(d)
		case "partHash":
			s.PartHash, err = optStr(d)
		case "encryptedPartSize":
			s.EncryptedPartSize, err = optInt64(d)
		case "encryptedPartHash":
			s.EncryptedPartHash, err = optStr(d)
		case "expirationDate":
			s.ExpirationDate, err = optDateTime(d)
		default:
			err = d.Skip()
		}
		return fieldError(key, err)
	})
}

// fieldError dokleja nazwę pola; nil pozostaje nil (errors.Wrap z go-faster nie przepuszcza nil).
func fieldError(key string, err error) error {
	if err != nil {
		return errors.Wrapf(err, "field %q", key)
	}
	return nil
}

// helpers: null traktujemy jak brak wartości

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func optInt(d *jx.Decoder) (int, error) {
	if d.Next() == jx.Null {
		return 0, d.Null()
	}
	return d.Int()
}

func optInt64(d *jx.Decoder) (int64, error) {
	if d.Next() == jx.Null {
		return 0, d.Null()
	}
	return d.Int64()
}

func optBool(d *jx.Decoder) (bool, error) {
	if d.Next() == jx.Null {
		return false, d.Null()
	}
	return d.Bool()
}

func optStrArr(d *jx.Decoder) ([]string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func optDateTime(d *jx.Decoder) (OptDateTime, error) {
	if d.Next() == jx.Null {
		return OptDateTime{}, d.Null()
	}
	v, err := json.DecodeDateTime(d)
	if err != nil {
		return OptDateTime{}, err
	}
	return OptDateTime{Value: v, Set: true}, nil
}
