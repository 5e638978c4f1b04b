package disk

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

func compressWith(t *testing.T, format string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatGzip:
		w = gzip.NewWriter(&buf)
	case FormatBzip2:
		w, err = bzip2.NewWriter(&buf, &bzip2.WriterConfig{})
	case FormatS2:
		w = s2.NewWriter(&buf)
	case FormatZstd:
		w, err = zstd.NewWriter(&buf)
	case FormatZip:
		zw := zip.NewWriter(&buf)
		fw, zerr := zw.Create("raspios.img")
		if zerr != nil {
			t.Fatalf("zip create: %v", zerr)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("zip close: %v", err)
		}
		return buf.Bytes()
	default:
		t.Fatalf("unknown format %s", format)
	}
	if err != nil {
		t.Fatalf("%s writer: %v", format, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("%s write: %v", format, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s close: %v", format, err)
	}
	return buf.Bytes()
}

func TestOpenImageDecompresses(t *testing.T) {
	data := randomBytes(t, 3<<20+17)
	cases := map[string]string{
		FormatGzip:  "os.img.gz",
		FormatBzip2: "os.img.bz2",
		FormatS2:    "os.img.s2",
		FormatZstd:  "os.img.zst",
		FormatZip:   "os.zip",
	}
	for format, name := range cases {
		t.Run(format, func(t *testing.T) {
			path := writeFile(t, name, compressWith(t, format, data))
			img, err := OpenImage(path)
			if err != nil {
				t.Fatalf("OpenImage: %v", err)
			}
			defer img.Close()
			if img.Format != format {
				t.Fatalf("format = %s, want %s", img.Format, format)
			}
			got, err := io.ReadAll(img)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("decompressed %d bytes differ from original %d", len(got), len(data))
			}
			done, total := img.Progress()
			if done <= 0 || done > total {
				t.Fatalf("progress after EOF = %d/%d", done, total)
			}
			if format == FormatZip && img.Size != int64(len(data)) {
				t.Fatalf("zip size = %d", img.Size)
			}
		})
	}
}

func TestOpenImageRaw(t *testing.T) {
	data := randomBytes(t, 4096)
	img, err := OpenImage(writeFile(t, "os.img", data))
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer img.Close()
	if img.Format != FormatRaw || img.Size != 4096 {
		t.Fatalf("format %s size %d", img.Format, img.Size)
	}
}

func TestDetectImageFormatByMagic(t *testing.T) {
	if got := DetectImageFormat("download", []byte{0x1f, 0x8b, 0x08}); got != FormatGzip {
		t.Fatalf("gzip magic detected as %s", got)
	}
	if got := DetectImageFormat("download", []byte{0x28, 0xb5, 0x2f, 0xfd, 0}); got != FormatZstd {
		t.Fatalf("zstd magic detected as %s", got)
	}
	if got := DetectImageFormat("disk.img", []byte{0x1f, 0x8b}); got != FormatGzip {
		t.Fatalf("magic should win for .img with gzip content, got %s", got)
	}
}

func TestOpenImageMissing(t *testing.T) {
	_, err := OpenImage(filepath.Join(t.TempDir(), "nope.img"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestOpenImageCorrupt(t *testing.T) {
	_, err := OpenImage(writeFile(t, "bad.img.gz", []byte("definitely not gzip")))
	if err == nil {
		t.Fatalf("expected error for corrupt gzip")
	}
}
