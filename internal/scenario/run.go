package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/size"
	"github.com/kriansa/hyperv-fcopy/internal/testfile"
)

// release is a registered cleanup, run when the scenario ends
type release struct {
	name string
	fn   func(ctx context.Context) error
}

// run is the state of a single scenario execution
type run struct {
	s        *Scenario
	ctx      context.Context
	outcome  Outcome
	releases []release
}

// env holds the resources acquired by setup
type env struct {
	inst  *hyperv.Instance
	guest GuestShell
	file  *testfile.Spec
}

func (s *Scenario) execute(ctx context.Context, name string, body func(r *run) error) (out Outcome) {
	r := &run{
		s:       s,
		ctx:     ctx,
		outcome: Outcome{Scenario: name, Status: Pass},
	}

	log.Info("scenario starting", "scenario", name, "image", s.cfg.ImageRef, "flavor", s.cfg.FlavorRef, "size", s.cfg.FileSize)

	// Releases run on every exit path, panics included.
	defer func() {
		r.releaseAll()
		out = r.outcome
		log.Info("scenario finished", "scenario", name, "status", out.Status, "reason", out.Reason)
	}()

	r.conclude(body(r))
	return out
}

// conclude maps the error returned by a scenario body onto the outcome.
func (r *run) conclude(err error) {
	if err == nil {
		return
	}

	var scErr *Error
	if !errors.As(err, &scErr) {
		scErr = &Error{Kind: KindInfrastructure, Reason: "unexpected error", Err: err}
	}

	r.outcome.Kind = scErr.Kind
	r.outcome.Reason = scErr.Error()
	if scErr.Kind == KindPrecondition {
		r.outcome.Status = Skip
	} else {
		r.outcome.Status = Fail
	}
}

// acquired registers fn to run when the scenario ends. Releases run in
// reverse order of acquisition.
func (r *run) acquired(name string, fn func(ctx context.Context) error) {
	r.releases = append(r.releases, release{name: name, fn: fn})
}

func (r *run) releaseAll() {
	ctx := context.WithoutCancel(r.ctx)
	for i := len(r.releases) - 1; i >= 0; i-- {
		rel := r.releases[i]
		start := time.Now()
		err := rel.fn(ctx)

		st := Step{Name: rel.name, Status: Pass, Duration: time.Since(start)}
		if err != nil {
			st.Status = Fail
			st.Detail = err.Error()
			log.Warn("cleanup failed", "scenario", r.outcome.Scenario, "step", rel.name, "error", err)
			if r.outcome.Status == Pass {
				r.outcome.Status = Fail
				r.outcome.Kind = KindInfrastructure
				r.outcome.Reason = fmt.Sprintf("%s: %v", rel.name, err)
			}
		}
		r.outcome.Steps = append(r.outcome.Steps, st)
	}
	r.releases = nil
}

// step runs fn and records it. fn returns a short detail for the report.
func (r *run) step(name string, fn func(ctx context.Context) (string, error)) error {
	start := time.Now()
	detail, err := fn(r.ctx)

	st := Step{Name: name, Status: Pass, Detail: detail, Duration: time.Since(start)}
	if err != nil {
		st.Status = Fail
		var scErr *Error
		if errors.As(err, &scErr) && scErr.Kind == KindPrecondition {
			st.Status = Skip
		}
		st.Detail = err.Error()
	}
	r.outcome.Steps = append(r.outcome.Steps, st)

	log.Debug("step finished", "scenario", r.outcome.Scenario, "step", name, "status", st.Status, "detail", st.Detail, "duration", st.Duration)
	return err
}

// setup walks CREATE_VM, ENSURE_GUEST_SERVICE and CREATE_TEST_FILE.
func (r *run) setup() (*env, error) {
	cfg := r.s.cfg
	deps := r.s.deps
	e := &env{}

	err := r.step("check_preconditions", func(ctx context.Context) (string, error) {
		fits, err := deps.VMs.FlavorFits(ctx, cfg.FlavorRef, cfg.ImageRef)
		if err != nil {
			return "", failf(KindInfrastructure, err, "check flavor %s", cfg.FlavorRef)
		}
		if !fits {
			return "", skipf("%s does not fit in %s", cfg.ImageRef, cfg.FlavorRef)
		}
		if !cfg.RunValidation {
			return "", skipf("guest validation is disabled")
		}
		return fmt.Sprintf("%s fits in %s", cfg.ImageRef, cfg.FlavorRef), nil
	})
	if err != nil {
		return nil, err
	}

	err = r.step("create_vm", func(ctx context.Context) (string, error) {
		inst, err := deps.VMs.Create(ctx, cfg.ImageRef, cfg.FlavorRef)
		if err != nil {
			return "", failf(KindInfrastructure, err, "create vm")
		}
		e.inst = inst
		r.acquired("delete_vm", func(ctx context.Context) error {
			return deps.VMs.Delete(ctx, inst.ID)
		})
		return fmt.Sprintf("%s (%s) at %s", inst.Name, inst.ID, inst.Address), nil
	})
	if err != nil {
		return nil, err
	}

	err = r.step("connect_guest", func(ctx context.Context) (string, error) {
		shell, err := deps.DialGuest(ctx, e.inst.Address, cfg.SSHUser)
		if err != nil {
			return "", failf(KindInfrastructure, err, "connect to guest")
		}
		e.guest = shell
		r.acquired("close_guest_session", func(context.Context) error {
			if e.guest == nil {
				return nil
			}
			return e.guest.Close()
		})
		return cfg.SSHUser + "@" + e.inst.Address, nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.step("ensure_guest_service", func(ctx context.Context) (string, error) {
		return r.ensureService(ctx, e)
	}); err != nil {
		return nil, err
	}

	if err := r.step("verify_guest_service", func(ctx context.Context) (string, error) {
		if err := deps.Services.VerifyStatus(ctx, e.inst.Name, cfg.ServiceName); err != nil {
			return "", failf(KindAssertion, err, "guest service status")
		}
		return cfg.ServiceName + " is OK", nil
	}); err != nil {
		return nil, err
	}

	if err := r.step("verify_daemon", func(ctx context.Context) (string, error) {
		if err := e.guest.VerifyDaemon(ctx, cfg.DaemonPattern); err != nil {
			return "", failf(KindAssertion, err, "guest fcopy daemon")
		}
		return "matched " + cfg.DaemonPattern, nil
	}); err != nil {
		return nil, err
	}

	if err := r.step("check_staging_dir", func(ctx context.Context) (string, error) {
		if err := e.guest.VerifyWritable(ctx, cfg.GuestStagingDir); err != nil {
			return "", failf(KindInfrastructure, err, "guest staging directory")
		}
		return cfg.GuestStagingDir + " is writable", nil
	}); err != nil {
		return nil, err
	}

	err = r.step("create_test_file", func(ctx context.Context) (string, error) {
		dir := cfg.HostFileDir
		if dir == "" {
			var err error
			if dir, err = testfile.DefaultDir(ctx, deps.Host); err != nil {
				return "", failf(KindTooling, err, "locate host file directory")
			}
		}

		spec, err := testfile.Create(ctx, deps.Host, dir, cfg.FileSize, deps.Now())
		if err != nil {
			return "", failf(KindTooling, err, "create test file")
		}
		e.file = spec
		r.acquired("remove_test_file", func(ctx context.Context) error {
			return spec.Remove(ctx, deps.Host)
		})
		return fmt.Sprintf("%s (%s)", spec.HostPath, size.Format(spec.Size)), nil
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// ensureService enables the integration service when it is off. The VM has
// to be stopped for that, so the guest session is re-established afterwards.
func (r *run) ensureService(ctx context.Context, e *env) (string, error) {
	cfg := r.s.cfg
	deps := r.s.deps

	enabled, err := deps.Services.QueryStatus(ctx, e.inst.Name, cfg.ServiceName)
	if err != nil {
		return "", failf(KindInfrastructure, err, "query %s", cfg.ServiceName)
	}
	if enabled {
		return "already enabled", nil
	}

	log.Info("enabling guest service", "vm", e.inst.Name, "service", cfg.ServiceName)
	if err := deps.VMs.Stop(ctx, e.inst.ID); err != nil {
		return "", failf(KindInfrastructure, err, "stop vm")
	}
	if err := deps.Services.Enable(ctx, e.inst.Name, cfg.ServiceName); err != nil {
		return "", failf(KindInfrastructure, err, "enable %s", cfg.ServiceName)
	}
	if err := deps.VMs.Start(ctx, e.inst.ID); err != nil {
		return "", failf(KindInfrastructure, err, "start vm")
	}

	addr, err := deps.VMs.Address(ctx, e.inst.ID)
	if err != nil {
		return "", failf(KindInfrastructure, err, "vm address after restart")
	}
	e.inst.Address = addr

	if err := e.guest.Close(); err != nil {
		log.Debug("closing stale guest session", "error", err)
	}
	e.guest = nil

	shell, err := deps.DialGuest(ctx, addr, cfg.SSHUser)
	if err != nil {
		return "", failf(KindInfrastructure, err, "reconnect to guest")
	}
	e.guest = shell

	return "enabled after restart, guest at " + addr, nil
}

// copy runs Copy-VMFile and checks its exit code.
func (r *run) copy(e *env, name string, overwrite bool, wantCode int) error {
	return r.step(name, func(ctx context.Context) (string, error) {
		res, err := r.s.deps.Services.CopyFile(ctx, e.inst.Name, e.file.HostPath, r.s.cfg.GuestStagingDir, overwrite)
		if err != nil {
			return "", failf(KindInfrastructure, err, "copy %s", e.file.Name)
		}
		if res.ExitCode != wantCode {
			return "", failf(KindAssertion, nil,
				"copy of %s (overwrite=%t) exited with %d, want %d: %s",
				e.file.Name, overwrite, res.ExitCode, wantCode, strings.TrimSpace(res.Stderr))
		}
		return fmt.Sprintf("overwrite=%t exit=%d", overwrite, res.ExitCode), nil
	})
}

// verifySize checks that the guest copy has exactly the test file's size.
// note is appended to the step detail on success.
func (r *run) verifySize(e *env, name, note string) error {
	return r.step(name, func(ctx context.Context) (string, error) {
		guestPath := path.Join(r.s.cfg.GuestStagingDir, e.file.Name)

		got, err := e.guest.FileSize(ctx, guestPath)
		if errors.Is(err, fs.ErrNotExist) {
			return "", failf(KindAssertion, err, "guest file %s is missing", guestPath)
		}
		if err != nil {
			return "", failf(KindInfrastructure, err, "size of guest file %s", guestPath)
		}
		if got != e.file.Size {
			return "", failf(KindAssertion, nil, "guest file %s is %d bytes, want %d", guestPath, got, e.file.Size)
		}
		detail := fmt.Sprintf("%s is %s", guestPath, size.Format(got))
		if note != "" {
			detail += " (" + note + ")"
		}
		return detail, nil
	})
}
