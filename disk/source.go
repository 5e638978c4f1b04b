package disk

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Image compression formats understood by OpenImage.
const (
	FormatRaw    = "raw"
	FormatGzip   = "gzip"
	FormatZlib   = "zlib"
	FormatBzip2  = "bzip2"
	FormatSnappy = "snappy"
	FormatS2     = "s2"
	FormatZstd   = "zstd"
	FormatZip    = "zip"
)

var extensionFormats = map[string]string{
	".gz":     FormatGzip,
	".gzip":   FormatGzip,
	".zlib":   FormatZlib,
	".bz2":    FormatBzip2,
	".snappy": FormatSnappy,
	".sz":     FormatSnappy,
	".s2":     FormatS2,
	".zst":    FormatZstd,
	".zstd":   FormatZstd,
	".zip":    FormatZip,
}

var magicFormats = []struct {
	magic  []byte
	format string
}{
	{[]byte{0x1f, 0x8b}, FormatGzip},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, FormatZstd},
	{[]byte("BZh"), FormatBzip2},
	{[]byte("PK\x03\x04"), FormatZip},
	{[]byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}, FormatSnappy},
	{[]byte{0xff, 0x06, 0x00, 0x00, 'S', '2', 's', 'T', 'w', 'O'}, FormatS2},
}

// DetectImageFormat picks the decoder from the file extension, falling back
// to magic bytes for extensionless files.
func DetectImageFormat(path string, head []byte) string {
	if f, ok := extensionFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}
	for _, m := range magicFormats {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	return FormatRaw
}

type countingReader struct {
	r     io.Reader
	count int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// Image is an opened, possibly compressed, disk image.
type Image struct {
	Path   string
	Format string
	// Size is the decompressed length, or -1 when the container does not
	// record it.
	Size int64
	// SourceSize is the length of the file on disk.
	SourceSize int64

	r       io.Reader
	src     *countingReader
	out     int64
	closers []func() error
}

// OpenImage opens a disk image and stacks the matching decompressor on it.
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	img := &Image{Path: path, SourceSize: fi.Size(), Size: -1}
	img.closers = append(img.closers, f.Close)
	img.src = &countingReader{r: f}

	br := bufio.NewReaderSize(img.src, 1<<20)
	head, _ := br.Peek(16)
	img.Format = DetectImageFormat(path, head)

	switch img.Format {
	case FormatRaw:
		img.Size = fi.Size()
		img.r = br
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, img.fail(err)
		}
		img.closers = append(img.closers, zr.Close)
		img.r = zr
	case FormatZlib:
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, img.fail(err)
		}
		img.closers = append(img.closers, zr.Close)
		img.r = zr
	case FormatBzip2:
		zr, err := bzip2.NewReader(br, &bzip2.ReaderConfig{})
		if err != nil {
			return nil, img.fail(err)
		}
		img.closers = append(img.closers, zr.Close)
		img.r = zr
	case FormatSnappy:
		img.r = snappy.NewReader(br)
	case FormatS2:
		img.r = s2.NewReader(br)
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, img.fail(err)
		}
		img.closers = append(img.closers, func() error { zr.Close(); return nil })
		img.r = zr
	case FormatZip:
		if err := img.openZip(f, fi.Size()); err != nil {
			return nil, img.fail(err)
		}
	}
	return img, nil
}

// openZip selects the first disk image entry in the archive.
func (img *Image) openZip(f *os.File, size int64) error {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return err
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(zf.Name))
		if ext == ".img" || ext == ".iso" || ext == ".raw" {
			entry = zf
			break
		}
		if entry == nil {
			entry = zf
		}
	}
	if entry == nil {
		return fmt.Errorf("zip archive %s holds no image", img.Path)
	}
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	img.closers = append(img.closers, rc.Close)
	img.Size = int64(entry.UncompressedSize64)
	// zip entries are read through ReaderAt; count decompressed progress
	// against the entry instead of the file.
	img.SourceSize = img.Size
	img.src = nil
	img.r = rc
	return nil
}

func (img *Image) fail(err error) error {
	_ = img.Close()
	return fmt.Errorf("open %s image %s: %w", img.Format, img.Path, err)
}

func (img *Image) Read(p []byte) (int, error) {
	n, err := img.r.Read(p)
	img.out += int64(n)
	return n, err
}

// Progress reports how far through the image the reader is. For compressed
// images it counts compressed bytes consumed against the file size.
func (img *Image) Progress() (done, total int64) {
	if img.src == nil || img.Format == FormatRaw {
		total = img.Size
		if total < 0 {
			total = img.SourceSize
		}
		return img.out, total
	}
	return img.src.count, img.SourceSize
}

// Consumed is the number of decompressed bytes read so far.
func (img *Image) Consumed() int64 {
	return img.out
}

func (img *Image) Close() error {
	var first error
	for i := len(img.closers) - 1; i >= 0; i-- {
		if err := img.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	img.closers = nil
	return first
}
