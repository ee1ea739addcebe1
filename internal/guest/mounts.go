package guest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrReadOnly is returned when the staging directory sits on a read-only mount
var ErrReadOnly = errors.New("read-only filesystem")

// Mount is an entry of the guest's /proc/mounts
type Mount struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// ReadOnly reports whether the mount options include "ro".
func (m Mount) ReadOnly() bool {
	for _, opt := range strings.Split(m.Options, ",") {
		if opt == "ro" {
			return true
		}
	}
	return false
}

// ParseMounts parses the /proc/mounts format
func ParseMounts(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		mounts = append(mounts, Mount{
			Device:     unescapeField(fields[0]),
			MountPoint: unescapeField(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}

	return mounts, nil
}

// MountFor returns the mount holding dir: the one with the longest matching
// mount point. Later entries shadow earlier ones on the same mount point.
func MountFor(mounts []Mount, dir string) (Mount, bool) {
	dir = path.Clean(dir)
	var best Mount
	found := false
	for _, m := range mounts {
		if !within(dir, m.MountPoint) {
			continue
		}
		if !found || len(m.MountPoint) >= len(best.MountPoint) {
			best, found = m, true
		}
	}
	return best, found
}

func within(dir, mountPoint string) bool {
	if mountPoint == "/" || dir == mountPoint {
		return true
	}
	return strings.HasPrefix(dir, mountPoint+"/")
}

// unescapeField unescapes special characters in mount fields
// /proc/mounts escapes spaces as \040, tabs as \011, etc.
func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "\\040", " ")
	s = strings.ReplaceAll(s, "\\011", "\t")
	s = strings.ReplaceAll(s, "\\012", "\n")
	s = strings.ReplaceAll(s, "\\134", "\\")
	return s
}

// VerifyWritable checks that dir is on a mount the fcopy daemon can write to.
func (c *Client) VerifyWritable(ctx context.Context, dir string) error {
	out, err := c.Run(ctx, "cat /proc/mounts")
	if err != nil {
		return fmt.Errorf("read guest mounts: %w", err)
	}
	mounts, err := ParseMounts(strings.NewReader(out))
	if err != nil {
		return err
	}

	m, ok := MountFor(mounts, dir)
	if !ok {
		return fmt.Errorf("no guest mount holds %s", dir)
	}
	if m.ReadOnly() {
		return fmt.Errorf("%w: %s is on %s (%s)", ErrReadOnly, dir, m.MountPoint, m.Device)
	}
	return nil
}
