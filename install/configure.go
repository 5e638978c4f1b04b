package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootConfig is the first-boot configuration dropped onto the boot
// partition after the image is written.
type BootConfig struct {
	EnableSSH bool              `yaml:"ssh"`
	User      *UserConfig       `yaml:"user,omitempty"`
	WiFi      *WiFiConfig       `yaml:"wifi,omitempty"`
	ConfigTxt []string          `yaml:"configTxt,omitempty"`
	Files     map[string]string `yaml:"files,omitempty"`
}

// UserConfig creates the first user. PasswordHash is a crypt(3) string as
// produced by `openssl passwd -6`.
type UserConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"passwordHash"`
}

type WiFiConfig struct {
	SSID    string `yaml:"ssid"`
	PSK     string `yaml:"psk"`
	Country string `yaml:"country"`
}

// LoadBootConfig reads a YAML boot configuration.
func LoadBootConfig(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c BootConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse boot config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("boot config %s: %w", path, err)
	}
	return &c, nil
}

// Empty reports whether applying c would change nothing.
func (c *BootConfig) Empty() bool {
	return c == nil || (!c.EnableSSH && c.User == nil && c.WiFi == nil && len(c.ConfigTxt) == 0 && len(c.Files) == 0)
}

func (c *BootConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.User != nil {
		if c.User.Name == "" || strings.ContainsAny(c.User.Name, ": \t\n") {
			return fmt.Errorf("invalid user name %q", c.User.Name)
		}
		if !strings.HasPrefix(c.User.PasswordHash, "$") {
			return errors.New("user.passwordHash must be a crypt hash")
		}
	}
	if c.WiFi != nil {
		if c.WiFi.SSID == "" {
			return errors.New("wifi.ssid is required")
		}
		if n := len(c.WiFi.PSK); n != 0 && (n < 8 || n > 64 || (n == 64 && !isHex(c.WiFi.PSK))) {
			return errors.New("wifi.psk must be 8 to 63 characters or a 64 digit hex key")
		}
	}
	for name := range c.Files {
		if _, err := bootRelative(name); err != nil {
			return err
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// bootRelative cleans a path and refuses anything leaving the partition.
func bootRelative(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, string(filepath.Separator)) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("file %q must stay inside the boot partition", name)
	}
	return clean, nil
}

func (c *BootConfig) wpaSupplicant() string {
	var b strings.Builder
	b.WriteString("ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\n")
	b.WriteString("update_config=1\n")
	if c.WiFi.Country != "" {
		fmt.Fprintf(&b, "country=%s\n", strings.ToUpper(c.WiFi.Country))
	}
	b.WriteString("\nnetwork={\n")
	fmt.Fprintf(&b, "\tssid=%q\n", c.WiFi.SSID)
	switch {
	case c.WiFi.PSK == "":
		b.WriteString("\tkey_mgmt=NONE\n")
	case len(c.WiFi.PSK) == 64:
		fmt.Fprintf(&b, "\tpsk=%s\n", c.WiFi.PSK)
	default:
		fmt.Fprintf(&b, "\tpsk=%q\n", c.WiFi.PSK)
	}
	b.WriteString("}\n")
	return b.String()
}

// Apply writes the configuration into dir, the mounted boot partition, and
// returns the files it touched in the order written.
func (c *BootConfig) Apply(dir string) ([]string, error) {
	if c.Empty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var written []string
	put := func(name, content string) error {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, name)
		return nil
	}

	if c.EnableSSH {
		if err := put("ssh", ""); err != nil {
			return written, err
		}
	}
	if c.User != nil {
		if err := put("userconf.txt", c.User.Name+":"+c.User.PasswordHash+"\n"); err != nil {
			return written, err
		}
	}
	if c.WiFi != nil {
		if err := put("wpa_supplicant.conf", c.wpaSupplicant()); err != nil {
			return written, err
		}
	}
	if len(c.ConfigTxt) > 0 {
		f, err := os.OpenFile(filepath.Join(dir, "config.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return written, fmt.Errorf("open config.txt: %w", err)
		}
		_, err = f.WriteString("\n[all]\n" + strings.Join(c.ConfigTxt, "\n") + "\n")
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("append config.txt: %w", err)
		}
		written = append(written, "config.txt")
	}

	names := make([]string, 0, len(c.Files))
	for name := range c.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel, _ := bootRelative(name)
		if err := os.MkdirAll(filepath.Join(dir, filepath.Dir(rel)), 0o755); err != nil {
			return written, err
		}
		if err := put(rel, c.Files[name]); err != nil {
			return written, err
		}
	}
	return written, nil
}
