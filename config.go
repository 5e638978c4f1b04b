package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"piflash/disk"
	"piflash/install"
)

// Config holds the defaults the commands start from. Flags override it.
type Config struct {
	BlockSize  string              `yaml:"blockSize"`
	FileSystem string              `yaml:"fileSystem"`
	Label      string              `yaml:"label"`
	Verify     bool                `yaml:"verify"`
	LogLevel   string              `yaml:"logLevel"`
	LogCap     int                 `yaml:"logCap"`
	StateDir   string              `yaml:"stateDir"`
	Boot       *install.BootConfig `yaml:"boot,omitempty"`
}

func defaultConfig() Config {
	return Config{
		BlockSize:  "4m",
		FileSystem: string(disk.FAT32),
		Label:      disk.DefaultLabel,
		Verify:     true,
		LogLevel:   "info",
		LogCap:     install.DefaultLogCap,
	}
}

// defaultConfigPath is $XDG_CONFIG_HOME/piflash/config.yaml or the OS
// equivalent.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "piflash", "config.yaml")
}

// loadConfig reads path over the defaults, then applies PIFLASH_*
// environment overrides. A missing file is only an error when explicit.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PIFLASH_BLOCK_SIZE"); v != "" {
		c.BlockSize = v
	}
	if v := getenv("PIFLASH_FS"); v != "" {
		c.FileSystem = v
	}
	if v := getenv("PIFLASH_LABEL"); v != "" {
		c.Label = v
	}
	if v := getenv("PIFLASH_LOG"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("PIFLASH_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := getenv("PIFLASH_VERIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PIFLASH_VERIFY: %w", err)
		}
		c.Verify = b
	}
	if v := getenv("PIFLASH_LOG_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("PIFLASH_LOG_CAP must be a positive integer, got %q", v)
		}
		c.LogCap = n
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := c.blockSize(); err != nil {
		return fmt.Errorf("blockSize: %w", err)
	}
	if _, err := disk.ParseFileSystem(c.FileSystem); err != nil {
		return err
	}
	if err := c.Boot.Validate(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	return nil
}

func (c *Config) blockSize() (int, error) {
	n, err := parseSize(c.BlockSize)
	if err != nil {
		return 0, err
	}
	if n%512 != 0 {
		return 0, fmt.Errorf("%s is not a multiple of 512", strings.TrimSpace(c.BlockSize))
	}
	return int(n), nil
}
