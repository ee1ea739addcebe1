package host

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/sshexec"
)

// Executor runs a raw command line on the Hyper-V host
type Executor interface {
	Run(ctx context.Context, cmd string) (sshexec.Result, error)
}

// PowerShell runs scripts on the Hyper-V host through an Executor
type PowerShell struct {
	exec Executor
}

// NewPowerShell creates a PowerShell runner on top of the given executor
func NewPowerShell(exec Executor) *PowerShell {
	return &PowerShell{exec: exec}
}

// Run executes a script and returns its captured streams and exit code.
func (p *PowerShell) Run(ctx context.Context, script string) (sshexec.Result, error) {
	log.Debug("running host script", "script", script)

	res, err := p.exec.Run(ctx, CommandLine(script))
	if err != nil {
		return res, fmt.Errorf("powershell: %w", err)
	}

	log.Debug("host script finished", "exit_code", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr)
	return res, nil
}

// Output executes a script and returns stdout and stderr combined. The exit
// code is not inspected; callers look for markers in the text.
func (p *PowerShell) Output(ctx context.Context, script string) (string, error) {
	res, err := p.Run(ctx, script)
	if err != nil {
		return "", err
	}
	return res.Combined(), nil
}

// CommandLine wraps a script into a powershell.exe invocation whose body is
// passed as -EncodedCommand.
func CommandLine(script string) string {
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + EncodeCommand(script)
}

// EncodeCommand returns the base64 of the UTF-16LE script, the format expected
// by powershell.exe -EncodedCommand.
func EncodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Quote returns s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
