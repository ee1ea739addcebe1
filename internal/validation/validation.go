package validation

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// MinNameLength is the minimum length for a VM instance name
	MinNameLength = 2
	// MaxNameLength is the maximum length Hyper-V accepts for a VM name
	MaxNameLength = 100
)

// instanceNamePattern keeps names safe for PowerShell, paths and logs:
// Must start with alphanumeric, followed by alphanumeric, underscore, dot, or hyphen
var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// serviceNamePattern matches integration service display names such as
// "Guest Service Interface" or "Key-Value Pair Exchange".
var serviceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 -]*[A-Za-z0-9]$`)

// ValidateInstanceName validates that a VM name meets all requirements:
// - Matches the pattern (alphanumeric start, alphanumeric/underscore/dot/hyphen continuation)
// - Between 2 and 100 characters
func ValidateInstanceName(name string) error {
	if len(name) < MinNameLength {
		return fmt.Errorf("instance name must be at least %d characters", MinNameLength)
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name must be at most %d characters", MaxNameLength)
	}

	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("instance name must start with alphanumeric and contain only alphanumeric, underscore, dot, or hyphen characters")
	}

	return nil
}

// ValidateServiceName validates an integration service display name
func ValidateServiceName(name string) error {
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid integration service name %q", name)
	}
	return nil
}

// ValidateGuestDir validates the guest-side staging directory: an absolute,
// clean POSIX path without quotes.
func ValidateGuestDir(dir string) error {
	if !path.IsAbs(dir) {
		return fmt.Errorf("guest directory %q must be absolute", dir)
	}
	if path.Clean(dir) != dir {
		return fmt.Errorf("guest directory %q must be a clean path", dir)
	}
	if strings.ContainsAny(dir, "'\"`$\\") {
		return fmt.Errorf("guest directory %q contains quoting characters", dir)
	}
	return nil
}
