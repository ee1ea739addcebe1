package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/sshexec"
)

// DefaultDaemonPattern matches the Hyper-V fcopy daemon under its upstream
// and distribution names. The bracket keeps grep from matching itself.
const DefaultDaemonPattern = "[h]v_fcopy_daemon|[h]ypervfcopyd"

// ErrDaemonNotRunning is returned when no guest process matches the pattern
var ErrDaemonNotRunning = errors.New("daemon not running")

// Session is an authenticated shell on the guest
type Session interface {
	Run(ctx context.Context, cmd string) (sshexec.Result, error)
	Stat(path string) (os.FileInfo, error)
	Close() error
}

// Client runs checks inside a guest VM
type Client struct {
	session Session
}

// Connect opens a freshly authenticated session to the guest.
func Connect(ctx context.Context, cfg sshexec.Config) (*Client, error) {
	conn, err := sshexec.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to guest %s: %w", cfg.Address(), err)
	}
	log.Info("guest session established", "addr", cfg.Address(), "user", cfg.User)
	return NewClient(conn), nil
}

// NewClient wraps an existing session
func NewClient(s Session) *Client {
	return &Client{session: s}
}

// Run executes a command and returns its stdout. A non-zero exit status is
// an error carrying stderr.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	res, err := c.session.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("guest command %q exited with status %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// VerifyDaemon checks that a process matching the extended regular
// expression pattern runs in the guest.
func (c *Client) VerifyDaemon(ctx context.Context, pattern string) error {
	res, err := c.session.Run(ctx, "ps -eo args | grep -E "+shellQuote(pattern))
	if err != nil {
		return fmt.Errorf("list guest processes: %w", err)
	}

	// grep exits 1 when nothing matched, 2 on a bad expression
	switch res.ExitCode {
	case 0:
		log.Debug("guest daemon found", "pattern", pattern, "process", strings.TrimSpace(res.Stdout))
		return nil
	case 1:
		return fmt.Errorf("%w: no process matches %q", ErrDaemonNotRunning, pattern)
	default:
		return fmt.Errorf("grep %q exited with status %d: %s", pattern, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// FileSize returns the size in bytes of a guest file.
func (c *Client) FileSize(_ context.Context, path string) (uint64, error) {
	info, err := c.session.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return uint64(info.Size()), nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.session.Close()
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
