package install

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"piflash/disk"
)

const testDevice = "/dev/sdz"

var _ = Describe("Orchestrator", func() {
	var (
		dir      string
		image    string
		target   string
		platform *fakePlatform
		writer   *copyWriter
		verifier stubVerifier
		cfg      Config
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		image = writeImage(dir, 64<<10)
		target = filepath.Join(dir, "device")
		platform = &fakePlatform{
			disks:   []disk.DiskInfo{{DeviceID: testDevice, TotalSizeBytes: 1 << 20, IsRemovable: true}},
			bootDir: filepath.Join(dir, "boot"),
		}
		Expect(os.Mkdir(platform.bootDir, 0o755)).To(Succeed())
		writer = &copyWriter{target: target}
		verifier = stubVerifier{result: disk.VerifyResult{Matches: true, ImageDigest: "sha256:aa", DeviceDigest: "sha256:aa"}}
		cfg = Config{BufferSize: 256}
	})

	newOrchestrator := func() *Orchestrator {
		cfg.Writer = writer
		cfg.Verifier = verifier
		return New(platform, cfg)
	}

	It("walks the stages forward and finishes at 100", func() {
		ch, err := newOrchestrator().Install(context.Background(), testDevice, image)
		Expect(err).NotTo(HaveOccurred())
		snaps := collect(ch)
		Expect(snaps).NotTo(BeEmpty())

		for i := 1; i < len(snaps); i++ {
			Expect(snaps[i].Progress).To(BeNumerically(">=", snaps[i-1].Progress))
			prev, cur := snaps[i-1].Stage, snaps[i].Stage
			Expect(cur == prev || prev.CanTransition(cur)).To(BeTrue(), "%s -> %s", prev, cur)
		}
		last := snaps[len(snaps)-1]
		Expect(last.Stage).To(Equal(StageCompleted))
		Expect(last.Progress).To(Equal(100))
		Expect(last.Error).To(BeEmpty())

		var stages []Stage
		for _, s := range snaps {
			if len(stages) == 0 || stages[len(stages)-1] != s.Stage {
				stages = append(stages, s.Stage)
			}
		}
		Expect(stages).To(Equal([]Stage{StageFormatting, StageInstalling, StageConfiguring, StageCompleted}))

		want, _ := os.ReadFile(image)
		got, err := os.ReadFile(target)
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.Equal(got, want)).To(BeTrue())
		Expect(platform.Calls()).To(ContainElement("format fat32"))
	})

	It("fails in formatting when the image is missing", func() {
		missing := filepath.Join(dir, "nope.img")
		ch, err := newOrchestrator().Install(context.Background(), testDevice, missing)
		Expect(err).NotTo(HaveOccurred())
		snaps := collect(ch)

		for _, s := range snaps {
			Expect(s.Stage).NotTo(Equal(StageCompleted))
		}
		last := snaps[len(snaps)-1]
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring(missing))
		errLog := last.Logs[len(last.Logs)-1]
		Expect(errLog.Level).To(Equal(LevelError))
		Expect(errLog.Message).To(ContainSubstring("nope.img"))
		Expect(platform.Calls()).NotTo(ContainElement(HavePrefix("format")))
	})

	It("rejects a second install on the same device", func() {
		writer.gate = make(chan struct{})
		o := newOrchestrator()
		first, err := o.Install(context.Background(), testDevice, image)
		Expect(err).NotTo(HaveOccurred())

		_, err = o.Install(context.Background(), "sdz", image)
		Expect(errors.Is(err, ErrInstallInProgress)).To(BeTrue())
		p, snapErr := o.Tracker().Snapshot(testDevice)
		Expect(snapErr).NotTo(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("installation " + p.ID))

		close(writer.gate)
		Expect(Last(first).Stage).To(Equal(StageCompleted))

		again, err := o.Install(context.Background(), testDevice, image)
		Expect(err).NotTo(HaveOccurred())
		Expect(Last(again).Stage).To(Equal(StageCompleted))
	})

	It("refuses an image larger than the device before formatting", func() {
		platform.disks[0].TotalSizeBytes = 1024
		ch, err := newOrchestrator().Install(context.Background(), testDevice, image)
		Expect(err).NotTo(HaveOccurred())
		last := Last(ch)
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring("device holds 1024"))
		Expect(platform.Calls()).NotTo(ContainElement(HavePrefix("format")))
		_, err = os.Stat(target)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("fails when the device is no longer listed", func() {
		platform.disks = nil
		last := Last(must(newOrchestrator().Install(context.Background(), "/dev/piflash-missing", image)))
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring("no longer present"))
	})

	It("labels a checksum mismatch", func() {
		verifier.result = disk.VerifyResult{Matches: false, ImageDigest: "sha256:aa", DeviceDigest: "sha256:bb"}
		last := Last(must(newOrchestrator().Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring("does not match"))
		Expect(last.Error).To(ContainSubstring("sha256:bb"))
	})

	It("skips verification when asked", func() {
		verifier.result.Matches = false
		cfg.SkipVerify = true
		last := Last(must(newOrchestrator().Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageCompleted))
	})

	It("keeps the command diagnostic of a failed step", func() {
		platform.formatFn = func(string) error {
			return &disk.Error{
				Kind: disk.ErrFormat, Op: "format", Device: testDevice,
				Diag: &disk.Diagnostic{Command: []string{"mkfs.vfat", "-F", "32"}, ExitCode: 1, Stderr: "device busy"},
			}
		}
		last := Last(must(newOrchestrator().Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageError))
		entry := last.Logs[len(last.Logs)-1]
		Expect(entry.Level).To(Equal(LevelError))
		Expect(entry.Detail).To(ContainSubstring("command: mkfs.vfat -F 32"))
		Expect(entry.Detail).To(ContainSubstring("exit code: 1"))
		Expect(entry.Detail).To(ContainSubstring("stderr: device busy"))
	})

	It("turns a panic into an error with a stack and frees the device", func() {
		writer.panic = true
		o := newOrchestrator()
		last := Last(must(o.Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring("writer exploded"))
		Expect(last.Logs[len(last.Logs)-1].Detail).To(ContainSubstring("stack:"))

		writer.panic = false
		Expect(Last(must(o.Install(context.Background(), testDevice, image))).Stage).To(Equal(StageCompleted))
	})

	It("reports cancellation with reformat guidance", func() {
		writer.gate = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		ch := must(newOrchestrator().Install(ctx, testDevice, image))
		cancel()
		last := Last(ch)
		Expect(last.Stage).To(Equal(StageError))
		Expect(last.Error).To(ContainSubstring("needs a reformat"))
	})

	It("applies boot configuration and ejects", func() {
		cfg.Boot = &BootConfig{EnableSSH: true}
		cfg.Eject = true
		last := Last(must(newOrchestrator().Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageCompleted))
		Expect(filepath.Join(platform.bootDir, "ssh")).To(BeAnExistingFile())
		Expect(platform.Calls()).To(ContainElements("boot", "eject"))
	})

	It("logs the image layout and warns when the boot partition is not FAT", func() {
		data, err := os.ReadFile(image)
		Expect(err).NotTo(HaveOccurred())
		table := data[446:510]
		for i := range table {
			table[i] = 0
		}
		entry := table[:16]
		entry[4] = 0x83
		entry[8] = 0x40 // start LBA 64
		entry[12] = 0x20
		data[510], data[511] = 0x55, 0xAA
		Expect(os.WriteFile(image, data, 0o644)).To(Succeed())

		cfg.Boot = &BootConfig{EnableSSH: true}
		last := Last(must(newOrchestrator().Install(context.Background(), testDevice, image)))
		Expect(last.Stage).To(Equal(StageCompleted))

		var messages []string
		var warned bool
		for _, e := range last.Logs {
			messages = append(messages, e.Message)
			if e.Level == LevelWarning && strings.Contains(e.Detail, "not FAT") {
				warned = true
			}
		}
		Expect(messages).To(ContainElement("Image holds a mbr partition table with 1 partition(s)"))
		Expect(warned).To(BeTrue())
	})

	It("never drops the terminal snapshot for a slow consumer", func() {
		cfg.BufferSize = 2
		o := newOrchestrator()
		ch := must(o.Install(context.Background(), testDevice, image))
		Eventually(func() bool {
			p, err := o.Tracker().Snapshot(testDevice)
			return err == nil && p.Done()
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		snaps := collect(ch)
		Expect(len(snaps)).To(BeNumerically("<=", 2))
		Expect(snaps[len(snaps)-1].Stage).To(Equal(StageCompleted))
	})

	It("records the run in the tracker", func() {
		o := newOrchestrator()
		last := Last(must(o.Install(context.Background(), testDevice, image)))
		p, err := o.Tracker().Snapshot("sdz")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.ID).To(Equal(last.ID))
		Expect(strings.Count(p.ID, "-")).To(Equal(4))
	})
})

func must(ch <-chan InstallationProgress, err error) <-chan InstallationProgress {
	Expect(err).NotTo(HaveOccurred())
	return ch
}
