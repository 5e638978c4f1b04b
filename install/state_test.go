package install

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Stage", func() {
	DescribeTable("transitions",
		func(from, to Stage, ok bool) {
			Expect(from.CanTransition(to)).To(Equal(ok))
		},
		Entry("formatting to installing", StageFormatting, StageInstalling, true),
		Entry("formatting to downloading", StageFormatting, StageDownloading, true),
		Entry("installing to configuring", StageInstalling, StageConfiguring, true),
		Entry("configuring to completed", StageConfiguring, StageCompleted, true),
		Entry("installing back to formatting", StageInstalling, StageFormatting, false),
		Entry("same stage", StageInstalling, StageInstalling, false),
		Entry("formatting to error", StageFormatting, StageError, true),
		Entry("configuring to error", StageConfiguring, StageError, true),
		Entry("completed to error", StageCompleted, StageError, false),
		Entry("error to completed", StageError, StageCompleted, false),
		Entry("unknown target", StageFormatting, Stage("rebooting"), false),
	)

	It("marks completed and error as terminal", func() {
		Expect(StageCompleted.Terminal()).To(BeTrue())
		Expect(StageError.Terminal()).To(BeTrue())
		Expect(StageConfiguring.Terminal()).To(BeFalse())
	})
})

var _ = Describe("state", func() {
	It("caps the log ring and keeps the newest entries", func() {
		s := newState("id", "/dev/sdz", "os.img", 3)
		for i := 0; i < 5; i++ {
			s.log(LevelInfo, fmt.Sprintf("line %d", i), "")
		}
		logs := s.snapshot().Logs
		Expect(logs).To(HaveLen(3))
		Expect(logs[0].Message).To(Equal("line 2"))
		Expect(logs[2].Message).To(Equal("line 4"))
	})

	It("hands out snapshots that do not change afterwards", func() {
		s := newState("id", "/dev/sdz", "os.img", 10)
		s.log(LevelInfo, "first", "")
		snap := s.snapshot()
		s.log(LevelInfo, "second", "")
		s.setProgress(40)
		Expect(snap.Logs).To(HaveLen(1))
		Expect(snap.Progress).To(Equal(0))
	})

	It("never lowers progress", func() {
		s := newState("id", "/dev/sdz", "os.img", 10)
		Expect(s.setProgress(30)).To(BeTrue())
		Expect(s.setProgress(20)).To(BeFalse())
		Expect(s.setProgress(150)).To(BeTrue())
		Expect(s.snapshot().Progress).To(Equal(100))
	})

	It("freezes after a failure", func() {
		s := newState("id", "/dev/sdz", "os.img", 10)
		s.setProgress(20)
		s.fail("boom")
		Expect(s.setProgress(50)).To(BeFalse())
		Expect(s.setStage(StageInstalling)).To(BeFalse())
		Expect(s.complete()).To(BeFalse())
		p := s.snapshot()
		Expect(p.Stage).To(Equal(StageError))
		Expect(p.Error).To(Equal("boom"))
		Expect(p.Progress).To(Equal(20))
	})

	It("completes at 100", func() {
		s := newState("id", "/dev/sdz", "os.img", 10)
		Expect(s.setStage(StageInstalling)).To(BeTrue())
		Expect(s.complete()).To(BeTrue())
		p := s.snapshot()
		Expect(p.Stage).To(Equal(StageCompleted))
		Expect(p.Progress).To(Equal(100))
		Expect(p.Done()).To(BeTrue())
	})
})
