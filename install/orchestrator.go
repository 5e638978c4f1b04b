package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"piflash/disk"
)

// ErrInstallInProgress rejects a second installation on a busy device.
var ErrInstallInProgress = errors.New("an installation is already running on this device")

// ImageWriter copies an image onto a device. *disk.Writer implements it.
type ImageWriter interface {
	WriteImage(ctx context.Context, imagePath, device string, onProgress disk.ProgressFunc) error
}

// ImageVerifier compares a device with an image. *disk.Verifier implements it.
type ImageVerifier interface {
	Verify(ctx context.Context, imagePath, device string, onProgress disk.ProgressFunc) (disk.VerifyResult, error)
}

// Config tunes an Orchestrator. The zero value formats as FAT32, verifies,
// keeps the default log cap and uses the disk package writer and verifier.
type Config struct {
	Writer   ImageWriter
	Verifier ImageVerifier
	Logger   zerolog.Logger
	Locks    *DeviceLocks
	Tracker  *Tracker

	FileSystem disk.FileSystem
	Label      string
	SkipFormat bool
	SkipVerify bool
	Eject      bool
	Boot       *BootConfig

	LogCap     int
	BufferSize int
}

// Progress bands of the global percentage.
const (
	pctFormatted  = 10
	pctWritten    = 75
	pctVerified   = 90
	pctConfigured = 99
)

const defaultBufferSize = 16

// Orchestrator runs installations: format, write, verify, configure.
type Orchestrator struct {
	p   disk.Platform
	cfg Config
	log zerolog.Logger
}

func New(p disk.Platform, cfg Config) *Orchestrator {
	if cfg.Writer == nil {
		cfg.Writer = disk.NewWriter(cfg.Logger)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = disk.NewVerifier(cfg.Logger)
	}
	if cfg.Locks == nil {
		cfg.Locks = NewDeviceLocks("")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker()
	}
	if cfg.FileSystem == "" {
		cfg.FileSystem = disk.FAT32
	}
	if cfg.LogCap <= 0 {
		cfg.LogCap = DefaultLogCap
	}
	if cfg.BufferSize < 2 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Orchestrator{p: p, cfg: cfg, log: cfg.Logger.With().Str("component", "install").Logger()}
}

// Tracker exposes the snapshots of every installation this orchestrator ran.
func (o *Orchestrator) Tracker() *Tracker {
	return o.cfg.Tracker
}

// Install starts installing imagePath onto deviceID and returns a channel
// of snapshots. The channel always ends with exactly one terminal snapshot
// (completed or error) and is then closed. Intermediate snapshots are
// dropped while the consumer lags; Tracker().Snapshot has the latest.
func (o *Orchestrator) Install(ctx context.Context, deviceID, imagePath string) (<-chan InstallationProgress, error) {
	id := uuid.NewString()
	if !o.cfg.Locks.TryAcquire(deviceID, id) {
		if owner, ok := o.cfg.Locks.Holder(deviceID); ok {
			return nil, fmt.Errorf("%s: %w (installation %s)", deviceID, ErrInstallInProgress, owner)
		}
		return nil, fmt.Errorf("%s: %w", deviceID, ErrInstallInProgress)
	}
	r := &run{
		o:      o,
		s:      newState(id, deviceID, imagePath, o.cfg.LogCap),
		ch:     make(chan InstallationProgress, o.cfg.BufferSize),
		device: deviceID,
		image:  imagePath,
		log:    o.log.With().Str("install", id).Str("device", deviceID).Logger(),
	}
	o.cfg.Tracker.track(deviceID, r.s)
	r.emit()
	go r.start(ctx)
	return r.ch, nil
}

// Last drains ch and returns the final snapshot.
func Last(ch <-chan InstallationProgress) InstallationProgress {
	var last InstallationProgress
	for p := range ch {
		last = p
	}
	return last
}

// run is one installation; only its goroutine sends on ch.
type run struct {
	o      *Orchestrator
	s      *state
	ch     chan InstallationProgress
	device string
	image  string
	log    zerolog.Logger
}

// emit sends a non-terminal snapshot, always leaving one free slot for the
// terminal one.
func (r *run) emit() {
	if len(r.ch) >= cap(r.ch)-1 {
		return
	}
	r.ch <- r.s.snapshot()
}

func (r *run) start(ctx context.Context) {
	defer func() {
		r.o.cfg.Locks.Release(r.device)
		r.ch <- r.s.snapshot()
		close(r.ch)
	}()
	defer func() {
		if v := recover(); v != nil {
			r.failed(&disk.Error{
				Op:     "install",
				Device: r.device,
				Msg:    fmt.Sprintf("internal error: %v", v),
				Diag:   &disk.Diagnostic{Stack: string(debug.Stack())},
			})
		}
	}()

	if err := r.execute(ctx); err != nil {
		r.failed(err)
		return
	}
	r.s.complete()
	r.s.log(LevelSuccess, "Installation completed", "")
	r.log.Info().Msg("installation completed")
}

func (r *run) info(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.s.log(LevelInfo, msg, "")
	r.log.Info().Str("stage", string(r.s.snapshot().Stage)).Msg(msg)
	r.emit()
}

func (r *run) success(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.s.log(LevelSuccess, msg, "")
	r.log.Info().Msg(msg)
	r.emit()
}

func (r *run) warn(msg string, err error) {
	r.s.log(LevelWarning, msg, err.Error())
	r.log.Warn().Err(err).Msg(msg)
	r.emit()
}

func (r *run) failed(err error) {
	msg := err.Error()
	if errors.Is(err, disk.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "installation cancelled; " + r.device + " may hold a partial image and needs a reformat"
	}
	detail := ""
	if d := disk.DiagnosticOf(err); d != nil {
		detail = d.String()
	}
	r.s.log(LevelError, msg, detail)
	r.s.fail(msg)
	ev := r.log.Error().Err(err)
	if detail != "" {
		ev = ev.Str("diagnostic", detail)
	}
	ev.Msg("installation failed")
}

func (r *run) stage(next Stage) {
	if r.s.setStage(next) {
		r.emit()
	}
}

func (r *run) progress(pct int) {
	if r.s.setProgress(pct) {
		r.emit()
	}
}

// scaled maps an operation's 0..100 onto the band [from, to].
func (r *run) scaled(from, to int) disk.ProgressFunc {
	return func(p disk.Progress) {
		r.progress(from + p.Percent*(to-from)/100)
	}
}

func (r *run) cancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &disk.Error{Kind: disk.ErrCancelled, Op: op, Device: r.device, Err: err}
	}
	return nil
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.o.cfg
	if err := r.prepare(ctx); err != nil {
		return err
	}

	r.stage(StageInstalling)
	r.info("Writing %s to %s", r.image, r.device)
	if err := cfg.Writer.WriteImage(ctx, r.image, r.device, r.scaled(pctFormatted, pctWritten)); err != nil {
		return err
	}
	r.progress(pctWritten)
	r.success("Image written")

	if cfg.SkipVerify {
		r.info("Verification skipped")
	} else {
		r.info("Verifying %s", r.device)
		res, err := cfg.Verifier.Verify(ctx, r.image, r.device, r.scaled(pctWritten, pctVerified))
		if err != nil {
			return err
		}
		if !res.Matches {
			return &disk.Error{
				Kind:   disk.ErrVerifyMismatch,
				Op:     "verify",
				Device: r.device,
				Msg:    fmt.Sprintf("device content %s does not match image %s", res.DeviceDigest, res.ImageDigest),
			}
		}
		r.success("Verified %s", res.ImageDigest)
	}
	r.progress(pctVerified)

	if err := r.cancelled(ctx, "configure"); err != nil {
		return err
	}
	r.stage(StageConfiguring)
	if err := r.configure(ctx); err != nil {
		return err
	}
	r.progress(pctConfigured)
	return nil
}

// prepare checks the image and the device, then formats. Nothing
// destructive runs until both checks pass.
func (r *run) prepare(ctx context.Context) error {
	cfg := r.o.cfg
	r.info("Checking image %s", r.image)
	fi, err := os.Stat(r.image)
	if err != nil {
		return &disk.Error{Kind: disk.ErrWrite, Op: "read-image", Device: r.device, Msg: "image file not found: " + r.image, Err: err}
	}
	if fi.IsDir() {
		return &disk.Error{Kind: disk.ErrWrite, Op: "read-image", Device: r.device, Msg: "image path is a directory: " + r.image}
	}
	size, err := imageSize(r.image)
	if err != nil {
		return &disk.Error{Kind: disk.ErrWrite, Op: "read-image", Device: r.device, Msg: "cannot read image " + r.image, Err: err}
	}

	r.inspect()

	info, err := disk.Lookup(ctx, r.o.p, r.device)
	if err != nil {
		return err
	}
	if size >= 0 && info.TotalSizeBytes > 0 && uint64(size) > info.TotalSizeBytes {
		return &disk.Error{
			Kind:   disk.ErrImageTooLarge,
			Op:     "install",
			Device: r.device,
			Msg:    fmt.Sprintf("image needs %d bytes but the device holds %d", size, info.TotalSizeBytes),
		}
	}

	if err := r.cancelled(ctx, "format"); err != nil {
		return err
	}
	if cfg.SkipFormat {
		r.info("Formatting skipped")
	} else {
		r.info("Formatting %s as %s", r.device, cfg.FileSystem)
		if err := r.o.p.Format(ctx, r.device, cfg.FileSystem, cfg.Label); err != nil {
			return err
		}
		r.success("Formatted %s", r.device)
	}
	r.progress(pctFormatted)

	if err := r.o.p.Unmount(ctx, r.device); err != nil {
		return err
	}
	return r.cancelled(ctx, "write")
}

// inspect logs the image's partition layout. A layout problem never stops
// the installation.
func (r *run) inspect() {
	table, err := disk.InspectImage(r.image)
	if err != nil {
		if errors.Is(err, disk.ErrNoPartitionTable) {
			r.info("Image has no partition table")
		}
		return
	}
	r.info("Image holds a %s partition table with %d partition(s)", table.Scheme, len(table.Partitions))
	for _, w := range table.Warnings {
		r.warn("Image partition table is damaged", errors.New(w))
	}
	if r.o.cfg.Boot.Empty() {
		return
	}
	first := ""
	if len(table.Partitions) > 0 {
		first = table.Partitions[0].FileSystem
	}
	if !strings.HasPrefix(first, "fat") {
		r.warn("Boot configuration may not be readable at boot", fmt.Errorf("first image partition is %q, not FAT", first))
	}
}

func (r *run) configure(ctx context.Context) error {
	cfg := r.o.cfg
	if cfg.Boot.Empty() {
		r.info("No boot configuration to apply")
	} else {
		dir, err := r.o.p.BootPartitionPath(ctx, r.device)
		if err != nil {
			return err
		}
		files, err := cfg.Boot.Apply(dir)
		if err != nil {
			return &disk.Error{Op: "configure", Device: r.device, Msg: "cannot write boot configuration to " + dir, Err: err}
		}
		r.success("Wrote %d boot configuration file(s) to %s", len(files), dir)
		if err := r.o.p.Unmount(ctx, r.device); err != nil {
			r.warn("Could not unmount boot partition", err)
		}
	}
	if cfg.Eject {
		if err := r.o.p.Eject(ctx, r.device); err != nil {
			r.warn("Could not eject device", err)
		} else {
			r.info("Ejected %s", r.device)
		}
	}
	return nil
}

// imageSize returns the decompressed size, or -1 when the format hides it.
func imageSize(path string) (int64, error) {
	img, err := disk.OpenImage(path)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	return img.Size, nil
}
