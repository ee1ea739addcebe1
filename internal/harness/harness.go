// Package harness builds a ready-to-run scenario from configuration.
package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kriansa/hyperv-fcopy/internal/config"
	"github.com/kriansa/hyperv-fcopy/internal/guest"
	"github.com/kriansa/hyperv-fcopy/internal/host"
	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/scenario"
	"github.com/kriansa/hyperv-fcopy/internal/sshexec"
)

// hostWaitTimeout bounds reaching the Hyper-V host, which is expected to be up
const hostWaitTimeout = time.Minute

// Harness owns the host connection and the scenario built on top of it
type Harness struct {
	Scenario *scenario.Scenario
	Manager  *hyperv.Manager
	Services *hyperv.IntegrationServices
	Host     *host.PowerShell
	// DialGuest opens a session to a scenario VM
	DialGuest scenario.GuestDialer

	conn *sshexec.Client
}

// Build connects to the Hyper-V host and wires the scenario collaborators.
// cfg must have been validated.
func Build(ctx context.Context, cfg *config.Config) (*Harness, error) {
	hostSSH, err := HostSSHConfig(cfg)
	if err != nil {
		return nil, err
	}
	guestSSH, err := GuestSSHConfig(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sshexec.Dial(ctx, hostSSH)
	if err != nil {
		return nil, fmt.Errorf("connect to hyper-v host: %w", err)
	}
	log.Info("connected to hyper-v host", "addr", hostSSH.Address(), "user", hostSSH.User)

	ps := host.NewPowerShell(conn)

	mgr := hyperv.NewManager(ps, ManagerConfig(cfg))
	services := hyperv.NewIntegrationServices(ps)

	dial := func(ctx context.Context, address, user string) (scenario.GuestShell, error) {
		gc := guestSSH
		gc.Host = address
		gc.User = user
		c, err := guest.Connect(ctx, gc)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	sc, err := scenario.New(ScenarioConfig(cfg), scenario.Deps{
		VMs:       mgr,
		Services:  services,
		Host:      ps,
		DialGuest: dial,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Harness{
		Scenario:  sc,
		Manager:   mgr,
		Services:  services,
		Host:      ps,
		DialGuest: dial,
		conn:      conn,
	}, nil
}

// Close closes the host connection
func (h *Harness) Close() error {
	return h.conn.Close()
}

// HostSSHConfig builds the SSH settings for the Hyper-V host.
func HostSSHConfig(cfg *config.Config) (sshexec.Config, error) {
	key, err := readKey(cfg.Host.KeyFile)
	if err != nil {
		return sshexec.Config{}, err
	}
	return sshexec.Config{
		Host:        cfg.Host.Address,
		Port:        cfg.Host.Port,
		User:        cfg.Host.User,
		Password:    cfg.Host.Password,
		PrivateKey:  key,
		WaitTimeout: hostWaitTimeout,
	}, nil
}

// GuestSSHConfig builds the SSH settings shared by every guest session. The
// address and user are filled per session.
func GuestSSHConfig(cfg *config.Config) (sshexec.Config, error) {
	key, err := readKey(cfg.Guest.KeyFile)
	if err != nil {
		return sshexec.Config{}, err
	}
	return sshexec.Config{
		Port:        cfg.Guest.Port,
		User:        cfg.Guest.User,
		Password:    cfg.Guest.Password,
		PrivateKey:  key,
		WaitTimeout: cfg.Guest.BootTimeout,
	}, nil
}

// ManagerConfig maps the host section and flavors onto the VM manager.
func ManagerConfig(cfg *config.Config) hyperv.ManagerConfig {
	flavors := make(map[string]hyperv.Flavor, len(cfg.Flavors))
	for name, f := range cfg.Flavors {
		flavors[name] = hyperv.Flavor{
			Name:     name,
			MemoryMB: f.MemoryMB,
			VCPUs:    f.VCPUs,
			DiskGB:   f.DiskGB,
		}
	}
	return hyperv.ManagerConfig{
		SwitchName:     cfg.Host.Switch,
		VMDir:          cfg.Host.VMDir,
		Generation:     cfg.Host.Generation,
		Flavors:        flavors,
		AddressTimeout: cfg.Guest.BootTimeout,
	}
}

// ScenarioConfig maps the configuration onto the scenario settings.
func ScenarioConfig(cfg *config.Config) scenario.Config {
	return scenario.Config{
		ImageRef:        cfg.ImageRef,
		FlavorRef:       cfg.FlavorRef,
		SSHUser:         cfg.Guest.User,
		RunValidation:   cfg.RunValidation == nil || *cfg.RunValidation,
		ServiceName:     cfg.Guest.ServiceName,
		DaemonPattern:   cfg.Guest.DaemonPattern,
		GuestStagingDir: cfg.Guest.StagingDir,
		FileSize:        cfg.FileSize,
		HostFileDir:     cfg.HostFileDir,
	}
}

func readKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	return key, nil
}
