package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBlockSize is the unit of every synchronous device write.
	DefaultBlockSize = 4 << 20
	// DefaultProgressInterval bounds the progress callback rate.
	DefaultProgressInterval = 200 * time.Millisecond
)

// Writer copies disk images onto raw devices.
type Writer struct {
	BlockSize int
	Interval  time.Duration
	Log       zerolog.Logger
}

// NewWriter returns a Writer with default block size and progress interval.
func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{BlockSize: DefaultBlockSize, Interval: DefaultProgressInterval, Log: log}
}

func (w *Writer) blockSize() int {
	if w.BlockSize <= 0 {
		return DefaultBlockSize
	}
	// Raw devices want whole sectors.
	return (w.BlockSize + sectorSize - 1) / sectorSize * sectorSize
}

func (w *Writer) interval() time.Duration {
	if w.Interval <= 0 {
		return DefaultProgressInterval
	}
	return w.Interval
}

// WriteImage writes imagePath onto device block by block. Each write is
// synchronous, so reported progress only counts bytes the device accepted.
// The final callback reports 100 after the device has been flushed.
//
// Cancelling ctx stops between blocks with ErrCancelled and leaves the
// device partially written.
func (w *Writer) WriteImage(ctx context.Context, imagePath, device string, onProgress ProgressFunc) error {
	img, err := OpenImage(imagePath)
	if err != nil {
		return &Error{Kind: ErrWrite, Op: "read-image", Device: device, Msg: "cannot open image " + imagePath, Err: err}
	}
	defer img.Close()

	t, err := openTarget(rawDevicePath(device), true)
	if err != nil {
		return newError(classifyIO(err, ErrWrite), "open-device", device, err)
	}
	defer t.Close()

	if img.Size >= 0 && img.Size > t.capacity {
		return &Error{
			Kind:   ErrImageTooLarge,
			Op:     "write",
			Device: device,
			Msg:    fmt.Sprintf("image is %d bytes but device holds %d bytes", img.Size, t.capacity),
		}
	}

	log := w.Log.With().Str("device", device).Str("image", imagePath).Str("format", img.Format).Logger()
	log.Info().Int64("capacity", t.capacity).Int64("imageSize", img.Size).Int("blockSize", w.blockSize()).Msg("writing image")

	rep := newProgressReporter(onProgress, w.interval())
	rep.update(0, 1, 0)

	buf := make([]byte, w.blockSize())
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return &Error{
				Kind:   ErrCancelled,
				Op:     "write",
				Device: device,
				Msg:    fmt.Sprintf("cancelled after %d bytes, device contents are incomplete and need a reformat", written),
				Err:    err,
			}
		}

		n, rerr := io.ReadFull(img, buf)
		if n > 0 {
			chunk := buf[:n]
			if written+int64(n) > t.capacity {
				return &Error{
					Kind:   ErrImageTooLarge,
					Op:     "write",
					Device: device,
					Msg:    fmt.Sprintf("image exceeds device capacity of %d bytes", t.capacity),
				}
			}
			if rem := int64(n) % t.align; rem != 0 && written+int64(n)+t.align-rem <= t.capacity {
				pad := int(t.align - rem)
				for i := 0; i < pad; i++ {
					buf[n+i] = 0
				}
				chunk = buf[:n+pad]
			}
			if _, err := t.f.Write(chunk); err != nil {
				return &Error{
					Kind:   classifyIO(err, ErrWrite),
					Op:     "write",
					Device: device,
					Msg:    fmt.Sprintf("write failed at offset %d", written),
					Err:    err,
				}
			}
			written += int64(n)
			done, total := img.Progress()
			rep.update(done, total, written)
		}
		if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return &Error{Kind: ErrWrite, Op: "read-image", Device: device, Msg: "reading image " + imagePath, Err: rerr}
		}
	}

	if err := t.f.Sync(); err != nil {
		return &Error{Kind: classifyIO(err, ErrWrite), Op: "flush", Device: device, Err: err}
	}
	done, total := img.Progress()
	rep.finish(done, total, written)
	log.Info().Int64("bytes", written).Dur("elapsed", time.Since(rep.start)).Msg("image written")
	return nil
}
