// Package testfile creates and removes the sized files that the copy
// scenarios push from the Hyper-V host into a guest.
package testfile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kriansa/hyperv-fcopy/internal/host"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/size"
)

// createdMarker is printed by fsutil on success: "File C:\... is created"
const createdMarker = "is created"

// ErrNotCreated is returned when the host did not confirm the file creation
var ErrNotCreated = errors.New("could not create test file")

// Runner runs a host script and returns its combined output
type Runner interface {
	Output(ctx context.Context, script string) (string, error)
}

// Spec is a test file living on the Hyper-V host
type Spec struct {
	// Name is the file name, unique per second
	Name string
	// HostPath is the absolute Windows path of the file
	HostPath string
	// Size is the exact size in bytes
	Size uint64
}

// Name returns the file name stamped with the given time.
func Name(now time.Time) string {
	return "testfile-" + now.Format("02-01-2006-15-04-05") + ".file"
}

// DefaultDir returns the host's default virtual hard disk directory.
func DefaultDir(ctx context.Context, r Runner) (string, error) {
	out, err := r.Output(ctx, "(Get-VMHost).VirtualHardDiskPath")
	if err != nil {
		return "", fmt.Errorf("query default vhd path: %w", err)
	}
	dir := strings.TrimSpace(out)
	if dir == "" {
		return "", fmt.Errorf("host reported an empty default vhd path")
	}
	return dir, nil
}

// Create allocates a file of the requested size in dir on the host.
func Create(ctx context.Context, r Runner, dir, sizeStr string, now time.Time) (*Spec, error) {
	n, err := size.Parse(sizeStr)
	if err != nil {
		return nil, err
	}

	dir = strings.TrimRight(strings.TrimSpace(dir), `\`)
	spec := &Spec{
		Name: Name(now),
		Size: n,
	}
	spec.HostPath = dir + `\` + spec.Name

	out, err := r.Output(ctx, fmt.Sprintf("fsutil file createnew %s %d", host.Quote(spec.HostPath), n))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", spec.HostPath, err)
	}
	if !strings.Contains(out, createdMarker) {
		return nil, fmt.Errorf("%w %s: %s", ErrNotCreated, spec.HostPath, strings.TrimSpace(out))
	}

	log.Info("test file created", "path", spec.HostPath, "size", size.Format(n))
	return spec, nil
}

// Remove deletes the file from the host. A file that is already gone is not
// an error.
func (s *Spec) Remove(ctx context.Context, r Runner) error {
	p := host.Quote(s.HostPath)
	script := fmt.Sprintf(
		"Remove-Item -LiteralPath %s -Force -ErrorAction SilentlyContinue; if (Test-Path -LiteralPath %s) { 'present' } else { 'removed' }",
		p, p,
	)

	out, err := r.Output(ctx, script)
	if err != nil {
		return fmt.Errorf("remove %s: %w", s.HostPath, err)
	}
	if strings.TrimSpace(out) != "removed" {
		return fmt.Errorf("remove %s: file still present: %s", s.HostPath, strings.TrimSpace(out))
	}

	log.Debug("test file removed", "path", s.HostPath)
	return nil
}
