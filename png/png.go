// Package png renderuje kody QR weryfikacji faktur.
package png

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-faster/errors"
	"github.com/skip2/go-qrcode"
)

const DefaultSize = 300

func Qr(content string) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, DefaultSize)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// WriteFile zapisuje kod QR dla content do dir/<name>.png i zwraca ścieżkę pliku.
// Znaki spoza [A-Za-z0-9._-] w nazwie zamieniane są na "_".
func WriteFile(dir, name, content string) (string, error) {
	data, err := Qr(content)
	if err != nil {
		return "", errors.Wrap(err, "encode qr")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create qr dir")
	}
	p := filepath.Join(dir, unsafeName.ReplaceAllString(name, "_")+".png")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write qr")
	}
	return p, nil
}
