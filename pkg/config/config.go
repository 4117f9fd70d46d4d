// Package config loads and validates the dexoptd daemon configuration.
// Configuration comes from an optional YAML file layered over embedded
// defaults, with the storage roots overridable through the standard
// runtime environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the configured storage roots.
const (
	EnvDataRoot   = "ANDROID_DATA"
	EnvExpandRoot = "ANDROID_EXPAND"
	EnvArtRoot    = "ANDROID_ART_ROOT"
	EnvConfigPath = "DEXOPTD_CONFIG"
)

// Config holds the complete daemon configuration
type Config struct {
	Version   string          `yaml:"version" json:"version"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	PreReboot PreRebootConfig `yaml:"preReboot" json:"preReboot"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`

	// Static system property overrides, consulted before the property
	// files. Used for resource-control tuning and in tests.
	Properties map[string]string `yaml:"properties" json:"properties"`
}

// ServerConfig holds the request-server configuration
type ServerConfig struct {
	Socket  string        `yaml:"socket" json:"socket"`
	Mode    string        `yaml:"mode" json:"mode"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// StorageConfig holds the filesystem roots the daemon manages
type StorageConfig struct {
	// DataRoot is the writable data partition root ("/data").
	DataRoot string `yaml:"dataRoot" json:"dataRoot"`
	// ExpandRoot is the adopted-storage root ("/mnt/expand").
	ExpandRoot string `yaml:"expandRoot" json:"expandRoot"`
	// ArtRoot is the managed-runtime installation root; child tools
	// are resolved under its bin directory.
	ArtRoot string `yaml:"artRoot" json:"artRoot"`
}

// ToolsConfig names the child tools. Relative names are resolved under
// the ART root's bin directory; absolute paths are used as-is (tests
// point these at stubs).
type ToolsConfig struct {
	ArtExec         string `yaml:"artExec" json:"artExec"`
	Dex2oat         string `yaml:"dex2oat" json:"dex2oat"`
	Profman         string `yaml:"profman" json:"profman"`
	Odrefresh       string `yaml:"odrefresh" json:"odrefresh"`
	DeriveClasspath string `yaml:"deriveClasspath" json:"deriveClasspath"`
}

// PreRebootConfig holds the staged-compilation environment layout
type PreRebootConfig struct {
	// TmpDir holds the sentinels and scratch space of pre-reboot
	// preparation. A failed attempt leaves a marker here that blocks
	// retries until the directory is cleaned.
	TmpDir string `yaml:"tmpDir" json:"tmpDir"`
	// InitRc is the captured init-script snapshot the chroot
	// environment block is recovered from.
	InitRc string `yaml:"initRc" json:"initRc"`
	// ArtApexDataDir and OdrefreshDir are the host directories
	// bind-mounted into their canonical chroot paths.
	ArtApexDataDir string `yaml:"artApexDataDir" json:"artApexDataDir"`
	OdrefreshDir   string `yaml:"odrefreshDir" json:"odrefreshDir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// DefaultConfig returns the embedded defaults. File and environment
// values are layered on top.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Socket:  "/run/dexoptd/dexoptd.sock",
			Mode:    "server",
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataRoot:   "/data",
			ExpandRoot: "/mnt/expand",
			ArtRoot:    "/apex/com.android.art",
		},
		Tools: ToolsConfig{
			ArtExec:         "art_exec",
			Dex2oat:         "dex2oat",
			Profman:         "profman",
			Odrefresh:       "odrefresh",
			DeriveClasspath: "/apex/com.android.sdkext/bin/derive_classpath",
		},
		PreReboot: PreRebootConfig{
			TmpDir:         "/mnt/pre_reboot_dexopt",
			InitRc:         "/system/etc/init/art.rc",
			ArtApexDataDir: "/data/misc/apexdata/com.android.art",
			OdrefreshDir:   "/data/misc/odrefresh",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Properties: map[string]string{},
	}
}

// LoadConfig loads configuration from the given path, or from the
// first config file found in the standard locations when path is
// empty. A missing config file is not an error; defaults apply.
// Returns the config and the path it was loaded from ("" when only
// defaults were used).
func LoadConfig(path string) (*Config, string, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = findConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, path, nil
}

// applyEnvironment overrides the storage roots from the runtime
// environment. The environment wins over the config file so the daemon
// follows whatever environment block it was started (or re-entered)
// with.
func (c *Config) applyEnvironment() {
	if v := os.Getenv(EnvDataRoot); v != "" {
		c.Storage.DataRoot = v
	}
	if v := os.Getenv(EnvExpandRoot); v != "" {
		c.Storage.ExpandRoot = v
	}
	if v := os.Getenv(EnvArtRoot); v != "" {
		c.Storage.ArtRoot = v
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Socket == "" {
		return fmt.Errorf("server socket path is required")
	}

	switch c.Server.Mode {
	case "server":
	default:
		return fmt.Errorf("invalid server mode: %s", c.Server.Mode)
	}

	for field, root := range map[string]string{
		"dataRoot":   c.Storage.DataRoot,
		"expandRoot": c.Storage.ExpandRoot,
		"artRoot":    c.Storage.ArtRoot,
	} {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("storage %s must be an absolute path: %s", field, root)
		}
	}

	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// ToolPath resolves a configured tool name to a concrete path. Relative
// names resolve under the ART root's bin directory.
func (c *Config) ToolPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.ArtRoot, "bin", name)
}

// findConfig searches for a dexoptd configuration file in standard
// locations. Returns empty string when none exists.
func findConfig() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	locations := []string{
		"./dexoptd-config.yml",
		"/etc/dexoptd/dexoptd-config.yml",
		"/system/etc/dexoptd/dexoptd-config.yml",
	}

	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
