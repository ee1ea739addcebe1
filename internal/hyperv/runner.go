package hyperv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kriansa/hyperv-fcopy/internal/sshexec"
)

// Runner executes a PowerShell script on the Hyper-V host
type Runner interface {
	Run(ctx context.Context, script string) (sshexec.Result, error)
}

// ScriptError is returned when a host script exits with a non-zero status
type ScriptError struct {
	ExitCode int
	Output   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("host script exited with status %d: %s", e.ExitCode, e.Output)
}

// strict makes any cmdlet error terminate the script with exit status 1.
func strict(script string) string {
	return "$ErrorActionPreference = 'Stop'\n" + script
}

// runScript runs a script in strict mode and turns a non-zero exit into a
// ScriptError.
func runScript(ctx context.Context, r Runner, script string) (sshexec.Result, error) {
	res, err := r.Run(ctx, strict(script))
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ScriptError{ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Combined())}
	}
	return res, nil
}

// runJSON runs a script whose stdout is a ConvertTo-Json document and decodes
// it into out.
func runJSON(ctx context.Context, r Runner, script string, out any) error {
	res, err := runScript(ctx, r, script)
	if err != nil {
		return err
	}

	body := strings.TrimSpace(res.Stdout)
	if body == "" {
		return fmt.Errorf("host script returned no output")
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode host output: %w: %s", err, body)
	}
	return nil
}
