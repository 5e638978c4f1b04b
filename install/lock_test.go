package install

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DeviceLocks", func() {
	It("grants a device once across alias paths", func() {
		l := NewDeviceLocks("")
		Expect(l.TryAcquire("/dev/sdb", "a")).To(BeTrue())
		Expect(l.TryAcquire("sdb", "b")).To(BeFalse())
		Expect(l.TryAcquire("/dev/sdc", "c")).To(BeTrue())

		owner, ok := l.Holder("/dev/sdb")
		Expect(ok).To(BeTrue())
		Expect(owner).To(Equal("a"))

		l.Release("sdb")
		Expect(l.TryAcquire("/dev/sdb", "d")).To(BeTrue())
	})

	It("lets exactly one of many racing callers win", func() {
		l := NewDeviceLocks("")
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.TryAcquire("/dev/sdb", "x") {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		Expect(wins.Load()).To(Equal(int32(1)))
	})

	It("writes and removes marker files", func() {
		dir := GinkgoT().TempDir()
		l := NewDeviceLocks(dir)
		Expect(l.TryAcquire("/dev/mmcblk0", "run-1")).To(BeTrue())
		marker := filepath.Join(dir, "device.devmmcblk0.lock")
		data, err := os.ReadFile(marker)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("run-1"))

		l.Release("/dev/mmcblk0")
		Expect(marker).NotTo(BeAnExistingFile())
		l.Release("/dev/mmcblk0")
	})
})
