package png

import (
	"bytes"
	imgpng "image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQr(t *testing.T) {
	data, err := Qr("https://qr-test.ksef.mf.gov.pl/client-app/invoice/1111111111/01-02-2025/abc")
	require.NoError(t, err)

	img, err := imgpng.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, img.Bounds().Dx())
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qr")

	p, err := WriteFile(dir, "FV/1/2025 ref", "ala ma kota")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "FV_1_2025_ref.png"), p)

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	_, err = imgpng.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)
}
