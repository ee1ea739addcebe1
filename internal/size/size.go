// Package size parses the human-readable test file sizes used by the copy
// scenarios ("10MB", "1GB", "4096").
package size

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	MiB uint64 = 1024 * 1024
	GiB uint64 = 1024 * 1024 * 1024
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid size")

// Error describes why a size string was rejected.
type Error struct {
	Input  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid size %q: %s", e.Input, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalid }

// Parse converts "<n>MB", "<n>GB" or "<n>" into a byte count. MB and GB are
// binary multiples. Any other suffix, sign or fractional part is rejected.
func Parse(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)

	digits, multiplier := trimmed, uint64(1)
	switch {
	case strings.HasSuffix(trimmed, "MB"):
		digits, multiplier = strings.TrimSuffix(trimmed, "MB"), MiB
	case strings.HasSuffix(trimmed, "GB"):
		digits, multiplier = strings.TrimSuffix(trimmed, "GB"), GiB
	}

	if digits == "" {
		return 0, &Error{Input: s, Reason: "missing numeric value"}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, &Error{Input: s, Reason: fmt.Sprintf("unexpected character %q (allowed suffixes: MB, GB)", r)}
		}
	}

	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, &Error{Input: s, Reason: "value does not fit in 64 bits"}
	}
	if value > math.MaxUint64/multiplier {
		return 0, &Error{Input: s, Reason: "value does not fit in 64 bits"}
	}

	return value * multiplier, nil
}

// Format renders a byte count for log lines, e.g. "10 MiB".
func Format(n uint64) string {
	return humanize.IBytes(n)
}
