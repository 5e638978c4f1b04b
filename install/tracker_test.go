package install

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tracker", func() {
	var t *Tracker

	BeforeEach(func() {
		t = NewTracker()
	})

	It("reports unknown devices", func() {
		_, err := t.Snapshot("/dev/sdq")
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		Expect(errors.Is(t.Remove("/dev/sdq"), ErrNotFound)).To(BeTrue())
	})

	It("follows a live run and protects it", func() {
		s := newState("run", "/dev/sdb", "os.img", 10)
		t.track("/dev/sdb", s)
		s.setProgress(42)

		p, err := t.Snapshot("sdb")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Progress).To(Equal(42))

		Expect(errors.Is(t.Publish(InstallationProgress{DeviceID: "/dev/sdb", Stage: StageDownloading}), ErrInstallInProgress)).To(BeTrue())
		Expect(errors.Is(t.Remove("/dev/sdb"), ErrInstallInProgress)).To(BeTrue())

		s.complete()
		Expect(t.Remove("/dev/sdb")).To(Succeed())
	})

	It("accepts published downloading snapshots and lists by start", func() {
		now := time.Now()
		Expect(t.Publish(InstallationProgress{DeviceID: "/dev/sdc", Stage: StageDownloading, StartedAt: now})).To(Succeed())
		Expect(t.Publish(InstallationProgress{DeviceID: "/dev/sdb", Stage: StageDownloading, StartedAt: now.Add(-time.Minute)})).To(Succeed())

		list := t.List()
		Expect(list).To(HaveLen(2))
		Expect(list[0].DeviceID).To(Equal("/dev/sdb"))
		Expect(list[1].Stage).To(Equal(StageDownloading))
	})
})
