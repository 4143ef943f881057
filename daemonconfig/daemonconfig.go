// Package daemonconfig defines the daemon's on-disk YAML configuration and
// the filesystem layout derived from it.
package daemonconfig

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/infrasim/vmctld/vmerr"
)

// QemuConfig controls how QEMU processes are located and launched.
type QemuConfig struct {
	BinaryOverride map[string]string `yaml:"binary_override,omitempty"`
	ExtraArgs      []string          `yaml:"extra_args,omitempty"`
	PreferHvf      bool              `yaml:"prefer_hvf"`
}

// NetworkConfig controls defaults for virtual networks.
type NetworkConfig struct {
	DefaultMode string `yaml:"default_mode"`
	DefaultCidr string `yaml:"default_cidr"`
}

// SecurityConfig controls the daemon's signing identity and default volume
// integrity posture.
type SecurityConfig struct {
	SigningKeyFile       string `yaml:"signing_key_file"`
	RequireVolumeSigning bool   `yaml:"require_volume_signing"`
}

// DaemonConfig is the complete daemon configuration, loaded from a YAML
// file by Load (gopkg.in/yaml.v3). CLI flags and environment variables do
// not override it.
type DaemonConfig struct {
	StorePath       string          `yaml:"store_path"`
	SocketPath      string          `yaml:"socket_path"`
	LogFile         string          `yaml:"log_file"`
	ReconcileTickMs uint32          `yaml:"reconcile_tick_ms"`
	Qemu            QemuConfig      `yaml:"qemu"`
	Network         NetworkConfig   `yaml:"network"`
	Security        SecurityConfig  `yaml:"security"`
}

// Default returns the configuration used when no config file is present,
// rooted at $HOME/.infrasim.
func Default() DaemonConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".infrasim")
	return DaemonConfig{
		StorePath:       root,
		SocketPath:      filepath.Join(root, "vmctld.sock"),
		LogFile:         filepath.Join(root, "vmctld.log"),
		ReconcileTickMs: 5000,
		Qemu: QemuConfig{
			PreferHvf: true,
		},
		Network: NetworkConfig{
			DefaultMode: "user",
			DefaultCidr: "10.42.0.0/24",
		},
		Security: SecurityConfig{
			SigningKeyFile: filepath.Join(root, "signing.key"),
		},
	}
}

// Load reads a YAML config file, falling back to Default for any unset
// zero-valued fields it does not override.
func Load(path string) (DaemonConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return DaemonConfig{}, vmerr.Wrap(vmerr.KindIO, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DaemonConfig{}, vmerr.InvalidConfig("parsing config %s: %v", path, err)
	}
	return cfg, nil
}

// DbPath returns the path to the daemon's SQLite database.
func (c DaemonConfig) DbPath() string {
	return filepath.Join(c.StorePath, "vmctld.db")
}

// CasPath returns the root of the content-addressed store.
func (c DaemonConfig) CasPath() string {
	return filepath.Join(c.StorePath, "cas")
}

// QmpSocketDir returns the directory holding per-VM QMP sockets.
func (c DaemonConfig) QmpSocketDir() string {
	return filepath.Join(c.StorePath, "run")
}

// SigningKeyPath returns the daemon's Ed25519 signing key path, honoring an
// explicit override in Security.SigningKeyFile.
func (c DaemonConfig) SigningKeyPath() string {
	if c.Security.SigningKeyFile != "" {
		return c.Security.SigningKeyFile
	}
	return filepath.Join(c.StorePath, "signing.key")
}

// VolumeWorkDir returns the scratch directory used for overlays and OCI
// extraction during volume preparation.
func (c DaemonConfig) VolumeWorkDir() string {
	return filepath.Join(c.StorePath, "work")
}

// EnsureDirs creates every directory DaemonConfig's derived paths depend on.
func (c DaemonConfig) EnsureDirs() error {
	dirs := []string{c.StorePath, c.CasPath(), c.QmpSocketDir(), c.VolumeWorkDir()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return vmerr.Wrap(vmerr.KindIO, err)
		}
	}
	return nil
}
