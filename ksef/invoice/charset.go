package invoice

import (
	"io"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ToUTF8 usuwa BOM UTF-8 i konwertuje dokumenty UTF-16 (z BOM) do UTF-8.
// Dokument bez BOM jest zwracany bez zmian.
func ToUTF8(raw []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode text")
	}
	return out, nil
}

// charsetReader obsługuje deklaracje encoding w prologu XML. Treść po ToUTF8 jest już w UTF-8,
// więc deklaracja UTF-16 pozostała z oryginału jest ignorowana.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8", "utf-16", "utf-16le", "utf-16be":
		return input, nil
	}
	r, err := charset.NewReaderLabel(label, input)
	if err != nil {
		return nil, errors.Wrapf(err, "unsupported encoding %q", label)
	}
	return r, nil
}
