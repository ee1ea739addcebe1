package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kriansa/hyperv-fcopy/internal/size"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/fcopy-scenario/config.toml"
	// EnvConfigPath overrides the config file location for integration tests
	EnvConfigPath = "FCOPY_CONFIG"
	// DefaultSSHPort is used for both the host and the guest
	DefaultSSHPort = 22
	// DefaultGeneration is the Hyper-V VM generation
	DefaultGeneration = 2
	// DefaultStagingDir is where copied files land in the guest
	DefaultStagingDir = "/tmp"
	// DefaultFileSize is the size of the test file
	DefaultFileSize = "10MB"
	// DefaultBootTimeout bounds waiting for the guest address and SSH
	DefaultBootTimeout = 5 * time.Minute
)

// Config holds the scenario configuration
type Config struct {
	// ImageRef is the host path of the reference disk image
	ImageRef string `toml:"image_ref"`
	// FlavorRef selects one of Flavors
	FlavorRef string `toml:"flavor_ref"`
	// FileSize is the test file size: "<n>MB", "<n>GB" or "<n>"
	FileSize string `toml:"file_size"`
	// RunValidation enables guest-side checks. Unset means enabled.
	RunValidation *bool `toml:"run_validation"`
	// HostFileDir is where the test file is created on the host. Empty
	// means the host's default virtual hard disk directory.
	HostFileDir string `toml:"host_file_dir"`

	Host    Host              `toml:"host"`
	Guest   Guest             `toml:"guest"`
	Flavors map[string]Flavor `toml:"flavors"`
}

// Host is the Hyper-V server, reached over SSH
type Host struct {
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	KeyFile  string `toml:"key_file"`
	// Switch is the virtual switch new VMs attach to
	Switch string `toml:"switch"`
	// VMDir holds the per-VM differencing disks
	VMDir      string `toml:"vm_dir"`
	Generation int    `toml:"generation"`
}

// Guest holds how the scenario VM is reached and checked
type Guest struct {
	User          string        `toml:"user"`
	Port          int           `toml:"port"`
	Password      string        `toml:"password"`
	KeyFile       string        `toml:"key_file"`
	StagingDir    string        `toml:"staging_dir"`
	ServiceName   string        `toml:"service_name"`
	DaemonPattern string        `toml:"daemon_pattern"`
	BootTimeout   time.Duration `toml:"boot_timeout"`
}

// Flavor is a VM hardware profile
type Flavor struct {
	MemoryMB uint64 `toml:"memory_mb"`
	VCPUs    int    `toml:"vcpus"`
	DiskGB   uint64 `toml:"disk_gb"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config file: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(image, flavor, sshUser, fileSize string) {
	if image != "" {
		c.ImageRef = image
	}
	if flavor != "" {
		c.FlavorRef = flavor
	}
	if sshUser != "" {
		c.Guest.User = sshUser
	}
	if fileSize != "" {
		c.FileSize = fileSize
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.FileSize == "" {
		c.FileSize = DefaultFileSize
	}
	if c.RunValidation == nil {
		enabled := true
		c.RunValidation = &enabled
	}
	if c.Host.Port == 0 {
		c.Host.Port = DefaultSSHPort
	}
	if c.Host.Generation == 0 {
		c.Host.Generation = DefaultGeneration
	}
	if c.Guest.Port == 0 {
		c.Guest.Port = DefaultSSHPort
	}
	if c.Guest.StagingDir == "" {
		c.Guest.StagingDir = DefaultStagingDir
	}
	if c.Guest.BootTimeout == 0 {
		c.Guest.BootTimeout = DefaultBootTimeout
	}
}

// Validate validates the configuration
// Note: the image and switch are checked on the host at runtime
func (c *Config) Validate() error {
	if c.ImageRef == "" {
		return fmt.Errorf("image reference is required (use --image or set 'image_ref' in config file)")
	}
	if c.FlavorRef == "" {
		return fmt.Errorf("flavor reference is required (use --flavor or set 'flavor_ref' in config file)")
	}
	f, ok := c.Flavors[c.FlavorRef]
	if !ok {
		return fmt.Errorf("flavor %q is not defined under [flavors]", c.FlavorRef)
	}
	if f.MemoryMB == 0 || f.DiskGB == 0 {
		return fmt.Errorf("flavor %q needs memory_mb and disk_gb", c.FlavorRef)
	}
	if _, err := size.Parse(c.FileSize); err != nil {
		return err
	}

	if c.Host.Address == "" {
		return fmt.Errorf("host address is required (set 'address' under [host])")
	}
	if c.Host.User == "" {
		return fmt.Errorf("host user is required (set 'user' under [host])")
	}
	if c.Host.Password == "" && c.Host.KeyFile == "" {
		return fmt.Errorf("host needs a password or key_file")
	}
	if c.Host.Switch == "" {
		return fmt.Errorf("virtual switch is required (set 'switch' under [host])")
	}
	if c.Host.VMDir == "" {
		return fmt.Errorf("vm directory is required (set 'vm_dir' under [host])")
	}
	if c.Host.Generation != 1 && c.Host.Generation != 2 {
		return fmt.Errorf("generation must be 1 or 2, got %d", c.Host.Generation)
	}

	if c.Guest.User == "" {
		return fmt.Errorf("guest user is required (use --ssh-user or set 'user' under [guest])")
	}
	if c.Guest.Password == "" && c.Guest.KeyFile == "" {
		return fmt.Errorf("guest needs a password or key_file")
	}

	return nil
}
