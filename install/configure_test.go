package install

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BootConfig", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	It("treats nil and zero values as empty", func() {
		var c *BootConfig
		Expect(c.Empty()).To(BeTrue())
		Expect((&BootConfig{}).Empty()).To(BeTrue())
		files, err := c.Apply(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(BeEmpty())
	})

	It("writes every first-boot file", func() {
		Expect(os.WriteFile(filepath.Join(dir, "config.txt"), []byte("dtparam=audio=on\n"), 0o644)).To(Succeed())
		c := &BootConfig{
			EnableSSH: true,
			User:      &UserConfig{Name: "pi", PasswordHash: "$6$salt$hash"},
			WiFi:      &WiFiConfig{SSID: "home", PSK: "correcthorse", Country: "gb"},
			ConfigTxt: []string{"enable_uart=1"},
			Files:     map[string]string{"overlays/README": "hi", "cmdline.extra": "quiet"},
		}
		files, err := c.Apply(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(Equal([]string{"ssh", "userconf.txt", "wpa_supplicant.conf", "config.txt", "cmdline.extra", filepath.Join("overlays", "README")}))

		Expect(read("ssh")).To(BeEmpty())
		Expect(read("userconf.txt")).To(Equal("pi:$6$salt$hash\n"))
		wpa := read("wpa_supplicant.conf")
		Expect(wpa).To(ContainSubstring("country=GB"))
		Expect(wpa).To(ContainSubstring(`ssid="home"`))
		Expect(wpa).To(ContainSubstring(`psk="correcthorse"`))
		Expect(read("config.txt")).To(HavePrefix("dtparam=audio=on\n"))
		Expect(read("config.txt")).To(HaveSuffix("[all]\nenable_uart=1\n"))
		Expect(read(filepath.Join("overlays", "README"))).To(Equal("hi"))
	})

	It("writes an open network without a psk", func() {
		c := &BootConfig{WiFi: &WiFiConfig{SSID: "cafe"}}
		_, err := c.Apply(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(read("wpa_supplicant.conf")).To(ContainSubstring("key_mgmt=NONE"))
	})

	It("writes a hex key unquoted", func() {
		key := strings.Repeat("0123456789abcDEF", 4)
		c := &BootConfig{WiFi: &WiFiConfig{SSID: "lab", PSK: key}}
		_, err := c.Apply(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(read("wpa_supplicant.conf")).To(ContainSubstring("\tpsk=" + key + "\n"))
	})

	DescribeTable("rejects invalid settings",
		func(c BootConfig) {
			_, err := c.Apply(dir)
			Expect(err).To(HaveOccurred())
		},
		Entry("escaping file", BootConfig{Files: map[string]string{"../etc/passwd": "x"}}),
		Entry("absolute file", BootConfig{Files: map[string]string{"/etc/passwd": "x"}}),
		Entry("plain password", BootConfig{User: &UserConfig{Name: "pi", PasswordHash: "raspberry"}}),
		Entry("user with colon", BootConfig{User: &UserConfig{Name: "p:i", PasswordHash: "$6$x"}}),
		Entry("short psk", BootConfig{WiFi: &WiFiConfig{SSID: "x", PSK: "short"}}),
		Entry("64 character passphrase", BootConfig{WiFi: &WiFiConfig{SSID: "x", PSK: strings.Repeat("passphrase", 6) + "oops"}}),
		Entry("missing ssid", BootConfig{WiFi: &WiFiConfig{PSK: "longenough"}}),
	)

	It("loads YAML", func() {
		path := filepath.Join(dir, "boot.yaml")
		Expect(os.WriteFile(path, []byte("ssh: true\nuser:\n  name: pi\n  passwordHash: $6$abc\nconfigTxt:\n  - dtoverlay=dwc2\n"), 0o644)).To(Succeed())
		c, err := LoadBootConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.EnableSSH).To(BeTrue())
		Expect(c.User.Name).To(Equal("pi"))
		Expect(c.ConfigTxt).To(Equal([]string{"dtoverlay=dwc2"}))
	})

	It("reports the path of a broken file", func() {
		path := filepath.Join(dir, "boot.yaml")
		Expect(os.WriteFile(path, []byte("ssh: [\n"), 0o644)).To(Succeed())
		_, err := LoadBootConfig(path)
		Expect(err).To(MatchError(ContainSubstring("boot.yaml")))
	})
})
