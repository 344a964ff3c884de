package aes

import (
	"bytes"
	aes2 "crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"

	"github.com/go-faster/errors"
)

const (
	KeySize = 32 // AES-256
	IVSize  = aes2.BlockSize

	chunk = 64 * 1024
)

var ErrPadding = errors.New("invalid PKCS#7 padding")

// ExportKey to para klucz/IV używana do szyfrowania paczki eksportu.
type ExportKey struct {
	Key []byte
	IV  []byte
}

// NewExportKey generuje losowy 256-bitowy klucz i 16-bajtowy IV.
func NewExportKey() (*ExportKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	return &ExportKey{Key: key, IV: iv}, nil
}

func (k *ExportKey) validate() error {
	if len(k.Key) != KeySize {
		return errors.Errorf("key must be %d bytes (AES-256), got %d", KeySize, len(k.Key))
	}
	if len(k.IV) != IVSize {
		return errors.Errorf("IV must be %d bytes, got %d", IVSize, len(k.IV))
	}
	return nil
}

// Encrypt szyfruje content AES-256-CBC z PKCS#7.
func (k *ExportKey) Encrypt(content []byte) ([]byte, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	block, err := aes2.NewCipher(k.Key)
	if err != nil {
		return nil, errors.Wrap(err, "NewCipher")
	}

	padded := pkcs7Pad(content, aes2.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k.IV).CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(src []byte, blockSize int) []byte {
	padLen := blockSize - (len(src) % blockSize)
	out := make([]byte, len(src), len(src)+padLen)
	copy(out, src)
	return append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(last []byte) ([]byte, error) {
	if len(last) == 0 {
		return nil, ErrPadding
	}
	pad := int(last[len(last)-1])
	if pad <= 0 || pad > aes2.BlockSize || pad > len(last) {
		return nil, ErrPadding
	}
	// sprawdź wszystkie bajty paddingu
	for i := 0; i < pad; i++ {
		if last[len(last)-1-i] != byte(pad) {
			return nil, ErrPadding
		}
	}
	return last[:len(last)-pad], nil
}

// Decrypt odszyfrowuje strumień AES-256-CBC/PKCS#7 z in do out bez buforowania całości.
// Zwraca liczbę zapisanych bajtów tekstu jawnego.
func (k *ExportKey) Decrypt(in io.Reader, out io.Writer) (int64, error) {
	if err := k.validate(); err != nil {
		return 0, err
	}
	block, err := aes2.NewCipher(k.Key)
	if err != nil {
		return 0, errors.Wrap(err, "NewCipher")
	}
	mode := cipher.NewCBCDecrypter(block, k.IV)

	var (
		written int64
		// ostatni pełny blok trzymamy do końca, bo zawiera padding
		pending []byte
		buf     = make([]byte, chunk)
	)

	for {
		n, rErr := io.ReadFull(in, buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			full := (len(data) / aes2.BlockSize) * aes2.BlockSize
			// zostaw ostatni blok (i ewentualny niepełny ogon) na kolejną iterację
			keep := full - aes2.BlockSize
			if keep < 0 {
				keep = 0
			}
			if keep > 0 {
				dst := make([]byte, keep)
				mode.CryptBlocks(dst, data[:keep])
				m, err := out.Write(dst)
				written += int64(m)
				if err != nil {
					return written, errors.Wrap(err, "write decrypted")
				}
			}
			pending = append([]byte{}, data[keep:]...)
		}
		if rErr == io.EOF || rErr == io.ErrUnexpectedEOF {
			break
		}
		if rErr != nil {
			return written, errors.Wrap(rErr, "read input")
		}
	}

	if len(pending) == 0 || len(pending)%aes2.BlockSize != 0 {
		return written, errors.Errorf("ciphertext is not a multiple of the block size (tail %d bytes)", len(pending))
	}

	last := make([]byte, len(pending))
	mode.CryptBlocks(last, pending)
	last, err = pkcs7Unpad(last)
	if err != nil {
		return written, err
	}
	if len(last) > 0 {
		m, err := out.Write(last)
		written += int64(m)
		if err != nil {
			return written, errors.Wrap(err, "write final plaintext")
		}
	}
	return written, nil
}

// DecryptBytes odszyfrowuje bufor AES-256-CBC z PKCS#7.
func (k *ExportKey) DecryptBytes(ciphertext []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := k.Decrypt(bytes.NewReader(ciphertext), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// HashingWriter liczy SHA-256 i rozmiar wszystkiego, co przez niego przechodzi.
type HashingWriter struct {
	w    io.Writer
	hash hash.Hash
	size int64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, hash: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.size += int64(n)
	_, _ = hw.hash.Write(p[:n])
	return n, err
}

func (hw *HashingWriter) Size() int64 { return hw.size }

// SumBase64 zwraca SHA-256 w Base64 (format używany przez KSeF w partHash).
func (hw *HashingWriter) SumBase64() string {
	return base64.StdEncoding.EncodeToString(hw.hash.Sum(nil))
}

// Metadata opisuje plik tak, jak KSeF opisuje części paczki.
type Metadata struct {
	Size    int64
	HashSHA []byte // surowe 32 bajty SHA-256
}

func GetMetadata(file []byte) Metadata {
	sum := sha256.Sum256(file)
	return Metadata{
		Size:    int64(len(file)),
		HashSHA: sum[:],
	}
}

func (m Metadata) HashBase64() string {
	return base64.StdEncoding.EncodeToString(m.HashSHA)
}
