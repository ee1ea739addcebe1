package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/hyperv-fcopy/internal/log"
)

const (
	DefaultPort         = 22
	DefaultDialTimeout  = 10 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// ErrNotConnected is returned when a command is issued on a closed client.
var ErrNotConnected = errors.New("ssh client not connected")

// Config holds the connection settings for a remote host
type Config struct {
	Host string
	Port int
	User string
	// Password and PrivateKey are both optional; at least one must be set.
	Password   string
	PrivateKey []byte
	// DialTimeout bounds a single TCP+handshake attempt.
	DialTimeout time.Duration
	// WaitTimeout bounds the whole polling loop in Dial.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credential configured for %s@%s", c.User, c.Host)
	}
	return methods, nil
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // test VMs are recreated on every run
		Timeout:         c.DialTimeout,
	}, nil
}

// Result is the captured outcome of a remote command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Client is an authenticated SSH connection
type Client struct {
	cfg  Config
	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

// Dial polls until the SSH server accepts the configured credential
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := cfg.Address()
	deadline := time.Now().Add(cfg.WaitTimeout)
	var lastErr error

	log.Debug("waiting for ssh", "addr", addr, "user", cfg.User)
	for time.Now().Before(deadline) {
		conn, err := ssh.Dial("tcp", addr, clientCfg)
		if err == nil {
			return &Client{cfg: cfg, conn: conn}, nil
		}
		lastErr = err
		log.Debug("ssh not ready", "addr", addr, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}

	return nil, fmt.Errorf("ssh %s timeout after %v: %w", addr, cfg.WaitTimeout, lastErr)
}

// Run executes a command on the remote host. A non-zero exit status is
// reported through Result.ExitCode; the error is reserved for transport
// failures and cancellation.
func (c *Client) Run(ctx context.Context, cmd string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return Result{}, ErrNotConnected
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	code, err := exitCode(err)
	if err != nil {
		return res, fmt.Errorf("run %q: %w", abbrev(cmd), err)
	}
	res.ExitCode = code
	return res, nil
}

// maxCommandInError bounds how much of a command line an error repeats.
// Host scripts travel base64 encoded and would otherwise flood the message.
const maxCommandInError = 64

func abbrev(cmd string) string {
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i] + "..."
	}
	if len(cmd) > maxCommandInError {
		cmd = cmd[:maxCommandInError] + "..."
	}
	return cmd
}

// exitCode maps the error returned by ssh.Session.Run to an exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

// Stat returns file information for a remote path using SFTP
func (c *Client) Stat(path string) (os.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.sftp == nil {
		client, err := sftp.NewClient(c.conn)
		if err != nil {
			return nil, fmt.Errorf("create sftp client: %w", err)
		}
		c.sftp = client
	}

	info, err := c.sftp.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}

// Close releases the SFTP subsystem and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
