package download

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/ksef-exchange/ksef"
	"github.com/alapierre/ksef-exchange/ksef/aes"
	"github.com/alapierre/ksef-exchange/ksef/api"
	"github.com/alapierre/ksef-exchange/ksef/export"
	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

var logger = logrus.WithField("component", "ksef.download")

const (
	DocumentExt = ".xml"

	// pojedyncza faktura FA(3) ma limit 1 MB (3 MB z załącznikami), zostawiamy zapas
	DefaultMaxEntrySize = 16 << 20
)

var zipMagic = []byte("PK\x03\x04")

// ErrHashMismatch - pobrana część paczki nie zgadza się z skrótem podanym przez KSeF.
var ErrHashMismatch = errors.New("package part hash mismatch")

// Downloader streams one package part.
type Downloader interface {
	DownloadPart(ctx context.Context, part api.InvoicePackagePart, w io.Writer) (int64, error)
}

type Fetcher struct {
	cli          Downloader
	scratchRoot  string
	maxEntrySize int64
}

type Option func(*Fetcher)

// WithScratchDir ustawia katalog nadrzędny dla katalogów roboczych (domyślnie os.TempDir()).
func WithScratchDir(dir string) Option {
	return func(f *Fetcher) { f.scratchRoot = dir }
}

func WithMaxEntrySize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxEntrySize = n
		}
	}
}

func NewFetcher(cli Downloader, opts ...Option) *Fetcher {
	f := &Fetcher{cli: cli, maxEntrySize: DefaultMaxEntrySize}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Download pobiera wszystkie części paczki do unikalnego katalogu roboczego, odszyfrowuje je,
// skleja w archiwum i zwraca dokumenty XML. Katalog jest usuwany na każdej ścieżce wyjścia.
// Jeżeli ładunek nie jest archiwum ZIP, zwracana jest pusta lista z notatką, nie błąd.
func (f *Fetcher) Download(ctx context.Context, pkg *export.Package) (docs []invoice.RawDocument, notes []string, err error) {
	if pkg == nil || len(pkg.Parts) == 0 {
		return nil, nil, nil
	}
	log := ksef.WithContextFields(ctx, logger).WithField("export_ref", pkg.ReferenceNumber)

	dir, err := os.MkdirTemp(f.scratchRoot, "ksef-export-"+uuid.NewString()+"-")
	if err != nil {
		return nil, nil, errors.Wrap(err, "create scratch dir")
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warnf("cannot remove scratch dir %s: %v", dir, rmErr)
		}
	}()

	archivePath := filepath.Join(dir, "package")
	if err := f.assemble(ctx, dir, archivePath, pkg); err != nil {
		return nil, nil, err
	}

	isZip, err := looksLikeZip(archivePath, pkg.Parts)
	if err != nil {
		return nil, nil, err
	}
	if !isZip {
		note := fmt.Sprintf("package %s is not a ZIP archive, no documents extracted", pkg.ReferenceNumber)
		log.Warn(note)
		return nil, []string{note}, nil
	}

	docs, notes, err = f.extract(archivePath)
	if err != nil {
		note := fmt.Sprintf("package %s: cannot read archive: %v", pkg.ReferenceNumber, err)
		log.Warn(note)
		return nil, []string{note}, nil
	}

	log.Infof("extracted %d documents from %d parts", len(docs), len(pkg.Parts))
	return docs, notes, nil
}

// assemble pobiera części w kolejności ordinalNumber i dopisuje ich treść jawną do archivePath.
func (f *Fetcher) assemble(ctx context.Context, dir, archivePath string, pkg *export.Package) error {
	parts := append([]api.InvoicePackagePart(nil), pkg.Parts...)
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].OrdinalNumber < parts[j].OrdinalNumber })

	out, err := os.Create(archivePath)
	if err != nil {
		return errors.Wrap(err, "create archive file")
	}
	defer out.Close()

	for i, part := range parts {
		encPath := filepath.Join(dir, fmt.Sprintf("part-%03d", i+1))
		if err := f.fetchPart(ctx, part, encPath); err != nil {
			return err
		}
		if err := appendPlain(encPath, out, part, pkg.Key); err != nil {
			return err
		}
		// zaszyfrowana część nie jest już potrzebna
		_ = os.Remove(encPath)
	}
	return out.Sync()
}

func (f *Fetcher) fetchPart(ctx context.Context, part api.InvoicePackagePart, encPath string) error {
	op := fmt.Sprintf("download part %d", part.OrdinalNumber)

	file, err := os.Create(encPath)
	if err != nil {
		return errors.Wrap(err, "create part file")
	}
	defer file.Close()

	hw := aes.NewHashingWriter(file)
	if _, err := f.cli.DownloadPart(ctx, part, hw); err != nil {
		return ksef.CallError(op, err)
	}

	if part.EncryptedPartSize > 0 && hw.Size() != part.EncryptedPartSize {
		return &ksef.TransportError{Op: op, Err: errors.Wrapf(ErrHashMismatch, "size %d, expected %d", hw.Size(), part.EncryptedPartSize)}
	}
	if part.EncryptedPartHash != "" && hw.SumBase64() != part.EncryptedPartHash {
		return &ksef.TransportError{Op: op, Err: errors.Wrap(ErrHashMismatch, "encrypted part")}
	}
	return nil
}

func appendPlain(encPath string, out io.Writer, part api.InvoicePackagePart, key *aes.ExportKey) error {
	op := fmt.Sprintf("decrypt part %d", part.OrdinalNumber)

	in, err := os.Open(encPath)
	if err != nil {
		return errors.Wrap(err, "open part file")
	}
	defer in.Close()

	hw := aes.NewHashingWriter(out)
	if key == nil {
		if _, err := io.Copy(hw, in); err != nil {
			return errors.Wrap(err, "copy part")
		}
	} else if _, err := key.Decrypt(bufio.NewReader(in), hw); err != nil {
		return &ksef.CryptoError{Op: op, Err: err}
	}

	if part.PartHash != "" && hw.SumBase64() != part.PartHash {
		return &ksef.TransportError{Op: op, Err: errors.Wrap(ErrHashMismatch, "decrypted part")}
	}
	return nil
}

// looksLikeZip rozpoznaje archiwum po rozszerzeniu nazwy części lub sygnaturze pliku.
func looksLikeZip(archivePath string, parts []api.InvoicePackagePart) (bool, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return false, errors.Wrap(err, "open archive")
	}
	defer f.Close()

	head := make([]byte, len(zipMagic))
	n, _ := io.ReadFull(f, head)
	if bytes.Equal(head[:n], zipMagic) {
		return true, nil
	}
	if n == 0 {
		return false, nil
	}
	for _, p := range parts {
		if strings.Contains(strings.ToLower(p.PartName), ".zip") {
			// nazwa deklaruje ZIP, ale sygnatury brak: zip.OpenReader i tak zgłosi błąd
			return true, nil
		}
	}
	return false, nil
}

// ExtractFile czyta dokumenty XML z lokalnego archiwum ZIP (np. paczki pobranej wcześniej).
func (f *Fetcher) ExtractFile(archivePath string) ([]invoice.RawDocument, []string, error) {
	docs, notes, err := f.extract(archivePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read archive %s", archivePath)
	}
	return docs, notes, nil
}

func (f *Fetcher) extract(archivePath string) ([]invoice.RawDocument, []string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	var (
		docs  []invoice.RawDocument
		notes []string
	)
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || !strings.EqualFold(path.Ext(entry.Name), DocumentExt) {
			logger.Debugf("skipping archive entry %s", entry.Name)
			continue
		}
		content, err := f.readEntry(entry)
		if err != nil {
			notes = append(notes, fmt.Sprintf("entry %s: %v", entry.Name, err))
			continue
		}
		docs = append(docs, invoice.RawDocument{Name: path.Base(entry.Name), Bytes: content})
	}
	return docs, notes, nil
}

func (f *Fetcher) readEntry(entry *zip.File) ([]byte, error) {
	if entry.UncompressedSize64 > uint64(f.maxEntrySize) {
		return nil, errors.Errorf("entry too large (%d bytes)", entry.UncompressedSize64)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, f.maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > f.maxEntrySize {
		return nil, errors.Errorf("entry larger than %d bytes", f.maxEntrySize)
	}
	return invoice.ToUTF8(raw)
}
