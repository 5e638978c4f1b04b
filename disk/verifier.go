package disk

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

// VerifyResult carries both digests of a verification run.
type VerifyResult struct {
	Matches      bool          `json:"matches"`
	ImageDigest  digest.Digest `json:"imageDigest"`
	DeviceDigest digest.Digest `json:"deviceDigest"`
	Bytes        int64         `json:"bytes"`
}

// Verifier compares a device's leading bytes with an image.
type Verifier struct {
	BlockSize int
	Interval  time.Duration
	Log       zerolog.Logger
}

// NewVerifier returns a Verifier with default block size and interval.
func NewVerifier(log zerolog.Logger) *Verifier {
	return &Verifier{BlockSize: DefaultBlockSize, Interval: DefaultProgressInterval, Log: log}
}

// VerifyImage reports whether the first len(image) bytes of device hash to
// the same SHA-256 as the image. A mismatch is not an error.
func (v *Verifier) VerifyImage(ctx context.Context, imagePath, device string) (bool, error) {
	res, err := v.Verify(ctx, imagePath, device, nil)
	if err != nil {
		return false, err
	}
	return res.Matches, nil
}

// Verify hashes the image, then the same number of bytes from the device.
// Progress covers both passes, each as one half.
func (v *Verifier) Verify(ctx context.Context, imagePath, device string, onProgress ProgressFunc) (VerifyResult, error) {
	var res VerifyResult
	interval := v.Interval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	bs := v.BlockSize
	if bs <= 0 {
		bs = DefaultBlockSize
	}
	bs = (bs + sectorSize - 1) / sectorSize * sectorSize
	rep := newProgressReporter(onProgress, interval)
	rep.update(0, 1, 0)

	img, err := OpenImage(imagePath)
	if err != nil {
		return res, &Error{Kind: ErrVerify, Op: "read-image", Device: device, Msg: "cannot open image " + imagePath, Err: err}
	}
	defer img.Close()

	buf := make([]byte, bs)
	imageDigester := digest.SHA256.Digester()
	for {
		if err := ctx.Err(); err != nil {
			return res, &Error{Kind: ErrCancelled, Op: "verify", Device: device, Err: err}
		}
		n, rerr := img.Read(buf)
		if n > 0 {
			_, _ = imageDigester.Hash().Write(buf[:n])
			done, total := img.Progress()
			rep.update(done, total*2, img.Consumed())
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return res, &Error{Kind: ErrVerify, Op: "read-image", Device: device, Err: rerr}
		}
	}
	res.ImageDigest = imageDigester.Digest()
	res.Bytes = img.Consumed()

	t, err := openTarget(rawDevicePath(device), false)
	if err != nil {
		return res, newError(classifyIO(err, ErrVerify), "verify", device, err)
	}
	defer t.Close()

	deviceDigester := digest.SHA256.Digester()
	var read int64
	for read < res.Bytes {
		if err := ctx.Err(); err != nil {
			return res, &Error{Kind: ErrCancelled, Op: "verify", Device: device, Err: err}
		}
		remaining := res.Bytes - read
		want := int64(len(buf))
		if remaining < want {
			// Raw devices only read whole sectors.
			want = (remaining + t.align - 1) / t.align * t.align
		}
		n, rerr := t.f.Read(buf[:want])
		if n > 0 {
			use := int64(n)
			if use > remaining {
				use = remaining
			}
			_, _ = deviceDigester.Hash().Write(buf[:use])
			read += use
			rep.update(res.Bytes+read, res.Bytes*2, read)
		}
		if rerr != nil && read < res.Bytes {
			if rerr == io.EOF {
				return res, &Error{
					Kind:   ErrVerify,
					Op:     "verify",
					Device: device,
					Msg:    fmt.Sprintf("device ended after %d of %d bytes", read, res.Bytes),
				}
			}
			return res, &Error{Kind: classifyIO(rerr, ErrVerify), Op: "verify", Device: device, Err: rerr}
		}
		if n == 0 && rerr == nil {
			return res, &Error{Kind: ErrVerify, Op: "verify", Device: device, Msg: "device returned no data"}
		}
	}
	res.DeviceDigest = deviceDigester.Digest()
	res.Matches = res.ImageDigest == res.DeviceDigest
	rep.finish(res.Bytes*2, res.Bytes*2, read)

	v.Log.Info().
		Str("device", device).
		Str("image", imagePath).
		Str("imageDigest", res.ImageDigest.String()).
		Str("deviceDigest", res.DeviceDigest.String()).
		Bool("matches", res.Matches).
		Msg("verification finished")
	return res, nil
}
