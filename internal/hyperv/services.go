package hyperv

import (
	"context"
	"fmt"
	"strings"

	"github.com/kriansa/hyperv-fcopy/internal/host"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/validation"
)

// GuestServiceInterface is the integration service backing Copy-VMFile
const GuestServiceInterface = "Guest Service Interface"

// CopyResult is the outcome of one Copy-VMFile invocation. ExitCode is 0 on
// success and 1 on failure (e.g. destination exists without overwrite).
type CopyResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// serviceState mirrors the fields selected from Get-VMIntegrationService
type serviceState struct {
	Enabled                  bool   `json:"Enabled"`
	PrimaryStatusDescription string `json:"PrimaryStatusDescription"`
}

// IntegrationServices queries and drives guest integration services of the
// VMs on a Hyper-V host
type IntegrationServices struct {
	runner Runner
}

// NewIntegrationServices creates an integration service client using the
// given host runner
func NewIntegrationServices(r Runner) *IntegrationServices {
	return &IntegrationServices{runner: r}
}

func (s *IntegrationServices) state(ctx context.Context, vmName, service string) (*serviceState, error) {
	if err := validation.ValidateInstanceName(vmName); err != nil {
		return nil, err
	}
	if err := validation.ValidateServiceName(service); err != nil {
		return nil, err
	}

	script := fmt.Sprintf(
		"Get-VMIntegrationService -VMName %s -Name %s | Select-Object Enabled, PrimaryStatusDescription | ConvertTo-Json -Compress",
		host.Quote(vmName), host.Quote(service),
	)

	var st serviceState
	if err := runJSON(ctx, s.runner, script, &st); err != nil {
		return nil, fmt.Errorf("query %q on %s: %w", service, vmName, err)
	}
	return &st, nil
}

// QueryStatus reports whether the named integration service is enabled.
func (s *IntegrationServices) QueryStatus(ctx context.Context, vmName, service string) (bool, error) {
	st, err := s.state(ctx, vmName, service)
	if err != nil {
		return false, err
	}
	log.Debug("integration service state", "vm", vmName, "service", service, "enabled", st.Enabled, "status", st.PrimaryStatusDescription)
	return st.Enabled, nil
}

// Enable turns the named integration service on.
func (s *IntegrationServices) Enable(ctx context.Context, vmName, service string) error {
	if err := validation.ValidateInstanceName(vmName); err != nil {
		return err
	}
	if err := validation.ValidateServiceName(service); err != nil {
		return err
	}

	script := fmt.Sprintf("Enable-VMIntegrationService -VMName %s -Name %s", host.Quote(vmName), host.Quote(service))
	if _, err := runScript(ctx, s.runner, script); err != nil {
		return fmt.Errorf("enable %q on %s: %w", service, vmName, err)
	}

	log.Info("integration service enabled", "vm", vmName, "service", service)
	return nil
}

// VerifyStatus checks that the service is enabled and reports an OK status
// from inside the guest.
func (s *IntegrationServices) VerifyStatus(ctx context.Context, vmName, service string) error {
	st, err := s.state(ctx, vmName, service)
	if err != nil {
		return err
	}
	if !st.Enabled {
		return fmt.Errorf("%q is disabled on %s", service, vmName)
	}
	if st.PrimaryStatusDescription != "OK" {
		return fmt.Errorf("%q on %s reports status %q, want OK", service, vmName, st.PrimaryStatusDescription)
	}
	return nil
}

// CopyFile copies hostPath into guestDir with Copy-VMFile, keeping the file
// name. A failed copy is reported through CopyResult.ExitCode; the error is
// reserved for transport failures and invalid arguments.
func (s *IntegrationServices) CopyFile(ctx context.Context, vmName, hostPath, guestDir string, overwrite bool) (CopyResult, error) {
	if err := validation.ValidateInstanceName(vmName); err != nil {
		return CopyResult{}, err
	}
	if err := validation.ValidateGuestDir(guestDir); err != nil {
		return CopyResult{}, err
	}

	script := fmt.Sprintf(
		"Copy-VMFile -Name %s -SourcePath %s -DestinationPath %s -FileSource Host -CreateFullPath",
		host.Quote(vmName), host.Quote(hostPath), host.Quote(strings.TrimSuffix(guestDir, "/")+"/"),
	)
	if overwrite {
		script += " -Force"
	}

	res, err := s.runner.Run(ctx, strict(script))
	if err != nil {
		return CopyResult{}, fmt.Errorf("copy %s to %s: %w", hostPath, vmName, err)
	}

	log.Debug("copy-vmfile finished", "vm", vmName, "source", hostPath, "dest", guestDir, "overwrite", overwrite, "exit_code", res.ExitCode)
	return CopyResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}
