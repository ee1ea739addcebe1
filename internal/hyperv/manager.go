package hyperv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kriansa/hyperv-fcopy/internal/host"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/size"
	"github.com/kriansa/hyperv-fcopy/internal/validation"
)

const (
	DefaultGeneration     = 2
	DefaultAddressTimeout = 5 * time.Minute
	DefaultPollInterval   = 5 * time.Second

	namePrefix = "fcopy-"
)

var (
	// ErrUnknownFlavor is returned for a flavor missing from the configuration
	ErrUnknownFlavor = errors.New("unknown flavor")
	// ErrNoAddress is returned when a VM never reports an IPv4 address
	ErrNoAddress = errors.New("vm has no ipv4 address")
)

// Flavor is a named VM hardware profile
type Flavor struct {
	Name     string
	MemoryMB uint64
	VCPUs    int
	DiskGB   uint64
}

// Instance is a VM created for a scenario run
type Instance struct {
	// ID is the Hyper-V VM GUID
	ID string
	// Name is the VM name, unique per run
	Name string
	// Address is the guest IPv4 address reachable from the test driver
	Address string
	// DiskPath is the differencing disk backing the VM
	DiskPath string
}

// ManagerConfig holds the host-side settings for VM provisioning
type ManagerConfig struct {
	// SwitchName is the virtual switch the VM network adapter connects to
	SwitchName string
	// VMDir is the host directory holding per-VM differencing disks
	VMDir string
	// Generation is the Hyper-V VM generation (1 or 2)
	Generation int
	// Flavors maps flavor references to hardware profiles
	Flavors map[string]Flavor

	AddressTimeout time.Duration
	PollInterval   time.Duration
}

// Manager creates, starts, stops and deletes VMs on a Hyper-V host
type Manager struct {
	runner  Runner
	cfg     ManagerConfig
	newName func() string
}

// NewManager creates a VM manager using the given host runner
func NewManager(r Runner, cfg ManagerConfig) *Manager {
	if cfg.Generation == 0 {
		cfg.Generation = DefaultGeneration
	}
	if cfg.AddressTimeout == 0 {
		cfg.AddressTimeout = DefaultAddressTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		runner: r,
		cfg:    cfg,
		newName: func() string {
			return namePrefix + uuid.NewString()[:8]
		},
	}
}

func (m *Manager) flavor(ref string) (Flavor, error) {
	f, ok := m.cfg.Flavors[ref]
	if !ok {
		return Flavor{}, fmt.Errorf("%w: %q", ErrUnknownFlavor, ref)
	}
	if f.Name == "" {
		f.Name = ref
	}
	return f, nil
}

// vhdInfo mirrors the fields selected from Get-VHD
type vhdInfo struct {
	Size uint64 `json:"Size"`
}

func (m *Manager) imageInfo(ctx context.Context, imageRef string) (*vhdInfo, error) {
	script := fmt.Sprintf(
		"Get-VHD -Path %s | Select-Object Size | ConvertTo-Json -Compress",
		host.Quote(imageRef),
	)
	var info vhdInfo
	if err := runJSON(ctx, m.runner, script, &info); err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	return &info, nil
}

// FlavorFits reports whether the flavor's disk can hold the image.
func (m *Manager) FlavorFits(ctx context.Context, flavorRef, imageRef string) (bool, error) {
	f, err := m.flavor(flavorRef)
	if err != nil {
		return false, err
	}
	info, err := m.imageInfo(ctx, imageRef)
	if err != nil {
		return false, err
	}

	disk := f.DiskGB * size.GiB
	log.Debug("checking flavor", "flavor", f.Name, "disk", size.Format(disk), "image", imageRef, "image_size", size.Format(info.Size))
	return disk >= info.Size, nil
}

// createdVM mirrors the object printed by the create script
type createdVM struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// Create provisions and boots a VM from imageRef using the flavor's hardware,
// then waits for its IPv4 address. A VM that fails to come up is deleted.
func (m *Manager) Create(ctx context.Context, imageRef, flavorRef string) (*Instance, error) {
	f, err := m.flavor(flavorRef)
	if err != nil {
		return nil, err
	}

	name := m.newName()
	if err := validation.ValidateInstanceName(name); err != nil {
		return nil, err
	}

	ext := ".vhdx"
	if strings.EqualFold(imageExt(imageRef), ".vhd") {
		ext = ".vhd"
	}
	diskPath := strings.TrimRight(m.cfg.VMDir, `\`) + `\` + name + ext

	var b strings.Builder
	fmt.Fprintf(&b, "New-VHD -Path %s -ParentPath %s -Differencing | Out-Null\n", host.Quote(diskPath), host.Quote(imageRef))
	fmt.Fprintf(&b, "$vm = New-VM -Name %s -Generation %d -MemoryStartupBytes %d -VHDPath %s -SwitchName %s\n",
		host.Quote(name), m.cfg.Generation, f.MemoryMB*size.MiB, host.Quote(diskPath), host.Quote(m.cfg.SwitchName))
	if m.cfg.Generation == 2 {
		b.WriteString("Set-VMFirmware -VM $vm -SecureBootTemplate MicrosoftUEFICertificateAuthority\n")
	}
	if f.VCPUs > 0 {
		fmt.Fprintf(&b, "Set-VMProcessor -VM $vm -Count %d\n", f.VCPUs)
	}
	b.WriteString("Start-VM -VM $vm\n")
	b.WriteString("$vm | Select-Object @{n='Id';e={$_.Id.ToString()}}, Name | ConvertTo-Json -Compress")

	log.Info("creating vm", "name", name, "image", imageRef, "flavor", f.Name)

	var created createdVM
	if err := runJSON(ctx, m.runner, b.String(), &created); err != nil {
		m.removeByName(context.WithoutCancel(ctx), name, diskPath)
		return nil, fmt.Errorf("create vm %s: %w", name, err)
	}

	inst := &Instance{ID: created.ID, Name: name, DiskPath: diskPath}
	inst.Address, err = m.Address(ctx, inst.ID)
	if err != nil {
		if delErr := m.Delete(context.WithoutCancel(ctx), inst.ID); delErr != nil {
			log.Warn("failed to delete vm after boot failure", "vm", name, "error", delErr)
		}
		return nil, err
	}

	log.Info("vm running", "name", name, "id", inst.ID, "address", inst.Address)
	return inst, nil
}

func imageExt(p string) string {
	i := strings.LastIndexAny(p, `.\/`)
	if i < 0 || p[i] != '.' {
		return ""
	}
	return p[i:]
}

// removeByName deletes whatever a partially failed create left behind.
func (m *Manager) removeByName(ctx context.Context, name, diskPath string) {
	script := fmt.Sprintf(
		"Get-VM -Name %s -ErrorAction SilentlyContinue | Stop-VM -TurnOff -Force -ErrorAction SilentlyContinue -PassThru | Remove-VM -Force\nRemove-Item -LiteralPath %s -Force -ErrorAction SilentlyContinue",
		host.Quote(name), host.Quote(diskPath),
	)
	if _, err := runScript(ctx, m.runner, script); err != nil {
		log.Warn("failed to clean up partially created vm", "vm", name, "error", err)
	}
}

func vmSelector(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid vm id %q: %w", id, err)
	}
	return "Get-VM -Id " + host.Quote(id), nil
}

// Start boots a stopped VM.
func (m *Manager) Start(ctx context.Context, id string) error {
	sel, err := vmSelector(id)
	if err != nil {
		return err
	}
	if _, err := runScript(ctx, m.runner, sel+" | Start-VM"); err != nil {
		return fmt.Errorf("start vm %s: %w", id, err)
	}
	log.Info("vm started", "id", id)
	return nil
}

// Stop shuts the guest OS down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	sel, err := vmSelector(id)
	if err != nil {
		return err
	}
	if _, err := runScript(ctx, m.runner, sel+" | Stop-VM -Force"); err != nil {
		return fmt.Errorf("stop vm %s: %w", id, err)
	}
	log.Info("vm stopped", "id", id)
	return nil
}

// Delete powers the VM off, removes it and its disks. Deleting a VM that no
// longer exists is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid vm id %q: %w", id, err)
	}

	script := fmt.Sprintf(`$vm = Get-VM -Id %s -ErrorAction SilentlyContinue
if ($vm) {
  $disks = @($vm | Get-VMHardDiskDrive | ForEach-Object { $_.Path })
  $vm | Stop-VM -TurnOff -Force
  $vm | Remove-VM -Force
  $disks | Remove-Item -Force -ErrorAction SilentlyContinue
}`, host.Quote(id))

	if _, err := runScript(ctx, m.runner, script); err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	log.Info("vm deleted", "id", id)
	return nil
}

// Address polls the VM network adapters until an IPv4 address shows up.
func (m *Manager) Address(ctx context.Context, id string) (string, error) {
	sel, err := vmSelector(id)
	if err != nil {
		return "", err
	}
	script := fmt.Sprintf("ConvertTo-Json -Compress -InputObject @((%s | Get-VMNetworkAdapter).IPAddresses)", sel)

	deadline := time.Now().Add(m.cfg.AddressTimeout)
	for {
		var addrs []string
		if err := runJSON(ctx, m.runner, script, &addrs); err != nil {
			return "", fmt.Errorf("query address of vm %s: %w", id, err)
		}
		if addr := firstIPv4(addrs); addr != "" {
			return addr, nil
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s after %v", ErrNoAddress, id, m.cfg.AddressTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func firstIPv4(addrs []string) string {
	for _, a := range addrs {
		ip := net.ParseIP(strings.TrimSpace(a))
		if ip == nil || ip.To4() == nil || ip.IsLinkLocalUnicast() || ip.IsLoopback() {
			continue
		}
		return ip.String()
	}
	return ""
}
