// Package scenario drives the host-to-guest file copy checks against a
// Hyper-V VM: provision, make the guest service ready, copy a sized file and
// verify what lands in the guest.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kriansa/hyperv-fcopy/internal/guest"
	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
	"github.com/kriansa/hyperv-fcopy/internal/size"
	"github.com/kriansa/hyperv-fcopy/internal/validation"
)

const (
	DefaultStagingDir = "/tmp"
	DefaultFileSize   = "10MB"
)

// Names of the two scenarios
const (
	NameBasic        = "basic"
	NameExistingFile = "existing-file"
)

// VMLifecycle provisions and drives scenario VMs
type VMLifecycle interface {
	FlavorFits(ctx context.Context, flavorRef, imageRef string) (bool, error)
	Create(ctx context.Context, imageRef, flavorRef string) (*hyperv.Instance, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Address(ctx context.Context, id string) (string, error)
}

// IntegrationService is the host-side API of the guest integration services
type IntegrationService interface {
	QueryStatus(ctx context.Context, vmName, service string) (bool, error)
	Enable(ctx context.Context, vmName, service string) error
	VerifyStatus(ctx context.Context, vmName, service string) error
	CopyFile(ctx context.Context, vmName, hostPath, guestDir string, overwrite bool) (hyperv.CopyResult, error)
}

// HostRunner runs a command on the Hyper-V host and returns its output
type HostRunner interface {
	Output(ctx context.Context, script string) (string, error)
}

// GuestShell is an authenticated session into the scenario VM
type GuestShell interface {
	VerifyDaemon(ctx context.Context, pattern string) error
	VerifyWritable(ctx context.Context, dir string) error
	FileSize(ctx context.Context, path string) (uint64, error)
	Close() error
}

// GuestDialer opens a fresh guest session
type GuestDialer func(ctx context.Context, address, user string) (GuestShell, error)

// Config holds the per-run settings of a scenario
type Config struct {
	// ImageRef is the host path of the reference disk image
	ImageRef string
	// FlavorRef names the hardware profile of the VM
	FlavorRef string
	// SSHUser is the guest account used for verification
	SSHUser string
	// RunValidation enables the guest-side checks; without them the
	// scenarios are skipped
	RunValidation bool
	// ServiceName is the integration service backing the copy
	ServiceName string
	// DaemonPattern matches the guest fcopy daemon process
	DaemonPattern string
	// GuestStagingDir is where copied files land in the guest
	GuestStagingDir string
	// FileSize is the test file size, e.g. "10MB"
	FileSize string
	// HostFileDir overrides where the test file is created on the host.
	// Empty means the host's default virtual hard disk directory.
	HostFileDir string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = hyperv.GuestServiceInterface
	}
	if c.DaemonPattern == "" {
		c.DaemonPattern = guest.DefaultDaemonPattern
	}
	if c.GuestStagingDir == "" {
		c.GuestStagingDir = DefaultStagingDir
	}
	if c.FileSize == "" {
		c.FileSize = DefaultFileSize
	}
}

func (c *Config) validate() error {
	if c.ImageRef == "" {
		return errors.New("image reference is required")
	}
	if c.FlavorRef == "" {
		return errors.New("flavor reference is required")
	}
	if c.SSHUser == "" {
		return errors.New("ssh user is required")
	}
	if err := validation.ValidateServiceName(c.ServiceName); err != nil {
		return err
	}
	if err := validation.ValidateGuestDir(c.GuestStagingDir); err != nil {
		return err
	}
	if _, err := size.Parse(c.FileSize); err != nil {
		return err
	}
	return nil
}

// Deps are the collaborators a scenario orchestrates
type Deps struct {
	VMs       VMLifecycle
	Services  IntegrationService
	Host      HostRunner
	DialGuest GuestDialer
	// Now stamps test file names; defaults to time.Now
	Now func() time.Time
}

// Scenario runs the file copy checks. Each run owns its VM, test file and
// guest session.
type Scenario struct {
	cfg  Config
	deps Deps
}

// New validates the configuration and creates a Scenario
func New(cfg Config, deps Deps) (*Scenario, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	if deps.VMs == nil || deps.Services == nil || deps.Host == nil || deps.DialGuest == nil {
		return nil, errors.New("scenario dependencies are incomplete")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scenario{cfg: cfg, deps: deps}, nil
}

// Basic provisions a VM, copies a fresh test file into it and checks the
// guest-side size.
func (s *Scenario) Basic(ctx context.Context) Outcome {
	return s.execute(ctx, NameBasic, func(r *run) error {
		e, err := r.setup()
		if err != nil {
			return err
		}
		if err := r.copy(e, "copy", false, 0); err != nil {
			return err
		}
		return r.verifySize(e, "verify_size", "")
	})
}

// ExistingFile copies the test file once, then checks that a second copy is
// refused without overwrite and accepted with it.
func (s *Scenario) ExistingFile(ctx context.Context) Outcome {
	return s.execute(ctx, NameExistingFile, func(r *run) error {
		e, err := r.setup()
		if err != nil {
			return err
		}
		if err := r.copy(e, "copy", false, 0); err != nil {
			return err
		}
		if err := r.verifySize(e, "verify_size", ""); err != nil {
			return err
		}
		if err := r.copy(e, "copy_existing", false, 1); err != nil {
			return err
		}
		if err := r.verifySize(e, "verify_size_unchanged", ""); err != nil {
			return err
		}
		if err := r.copy(e, "copy_overwrite", true, 0); err != nil {
			return err
		}
		// The overwrite re-sends the same source, so a replaced file and an
		// untouched one look alike here.
		return r.verifySize(e, "verify_size_overwritten", "size only, same source as the first copy")
	})
}

// Run executes the named scenario.
func (s *Scenario) Run(ctx context.Context, name string) (Outcome, error) {
	switch name {
	case NameBasic:
		return s.Basic(ctx), nil
	case NameExistingFile:
		return s.ExistingFile(ctx), nil
	default:
		return Outcome{}, fmt.Errorf("unknown scenario %q (use %q or %q)", name, NameBasic, NameExistingFile)
	}
}
