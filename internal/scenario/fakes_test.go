package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
)

const fakeVMID = "3f1c2b7e-8a64-4c2e-9d2a-6b1f0e4c5a7d"

// world simulates a Hyper-V host, one VM and its guest. Copy semantics follow
// Copy-VMFile: an existing destination is refused unless overwrite is set.
type world struct {
	mu sync.Mutex

	// knobs
	fits          bool
	enabled       bool
	createErr     error
	verifyErr     error
	daemonErr     error
	readOnly      bool
	createOutput  string
	deleteErr     error
	copyOverrides map[int]int
	sizeSkew      int64
	copyHook      func(call int)
	dropCopies    bool

	// observed
	calls       []string
	hostFiles   map[string]uint64
	guestFiles  map[string]uint64
	copies      []bool
	vmExists    bool
	running     bool
	dials       int
	openShells  int
	cleanupCtxs []error
}

func newWorld() *world {
	return &world{
		fits:       true,
		enabled:    true,
		hostFiles:  map[string]uint64{},
		guestFiles: map[string]uint64{},
	}
}

func (w *world) record(format string, args ...any) {
	w.calls = append(w.calls, fmt.Sprintf(format, args...))
}

func (w *world) called(prefix string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (w *world) deps() Deps {
	return Deps{
		VMs:       &fakeVMs{w},
		Services:  &fakeServices{w},
		Host:      &fakeHost{w},
		DialGuest: w.dial,
	}
}

// fakeVMs implements VMLifecycle
type fakeVMs struct{ w *world }

func (v *fakeVMs) FlavorFits(_ context.Context, flavorRef, imageRef string) (bool, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("fits %s %s", flavorRef, imageRef)
	return v.w.fits, nil
}

func (v *fakeVMs) Create(_ context.Context, imageRef, flavorRef string) (*hyperv.Instance, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("create %s %s", imageRef, flavorRef)
	if v.w.createErr != nil {
		return nil, v.w.createErr
	}
	v.w.vmExists, v.w.running = true, true
	return &hyperv.Instance{ID: fakeVMID, Name: "fcopy-1a2b3c4d", Address: "192.168.1.40"}, nil
}

func (v *fakeVMs) Start(_ context.Context, id string) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("start %s", id)
	v.w.running = true
	return nil
}

func (v *fakeVMs) Stop(_ context.Context, id string) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("stop %s", id)
	v.w.running = false
	return nil
}

func (v *fakeVMs) Delete(ctx context.Context, id string) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("delete %s", id)
	v.w.cleanupCtxs = append(v.w.cleanupCtxs, ctx.Err())
	if v.w.deleteErr != nil {
		return v.w.deleteErr
	}
	v.w.vmExists, v.w.running = false, false
	return nil
}

func (v *fakeVMs) Address(_ context.Context, id string) (string, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.w.record("address %s", id)
	return "192.168.1.41", nil
}

// fakeServices implements IntegrationService
type fakeServices struct{ w *world }

func (s *fakeServices) QueryStatus(_ context.Context, vmName, service string) (bool, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("query %s %s", vmName, service)
	return s.w.enabled, nil
}

func (s *fakeServices) Enable(_ context.Context, vmName, service string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("enable %s %s", vmName, service)
	if s.w.running {
		return errors.New("vm must be off to change integration services in this fake")
	}
	s.w.enabled = true
	return nil
}

func (s *fakeServices) VerifyStatus(_ context.Context, vmName, service string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("verify %s %s", vmName, service)
	if !s.w.enabled {
		return errors.New("disabled")
	}
	return s.w.verifyErr
}

func (s *fakeServices) CopyFile(_ context.Context, vmName, hostPath, guestDir string, overwrite bool) (hyperv.CopyResult, error) {
	s.w.mu.Lock()
	call := len(s.w.copies)
	s.w.copies = append(s.w.copies, overwrite)
	s.w.record("copy %s %s %s %t", vmName, hostPath, guestDir, overwrite)
	hook := s.w.copyHook
	s.w.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	s.w.mu.Lock()
	defer s.w.mu.Unlock()

	if code, ok := s.w.copyOverrides[call]; ok {
		return hyperv.CopyResult{Stderr: "overridden", ExitCode: code}, nil
	}

	n, ok := s.w.hostFiles[hostPath]
	if !ok {
		return hyperv.CopyResult{Stderr: "source not found", ExitCode: 1}, nil
	}
	dest := path.Join(guestDir, hostPath[strings.LastIndex(hostPath, `\`)+1:])
	if _, exists := s.w.guestFiles[dest]; exists && !overwrite {
		return hyperv.CopyResult{Stderr: "The file exists.", ExitCode: 1}, nil
	}
	if s.w.dropCopies {
		return hyperv.CopyResult{ExitCode: 0}, nil
	}
	s.w.guestFiles[dest] = n
	return hyperv.CopyResult{ExitCode: 0}, nil
}

// fakeHost implements HostRunner for fsutil, Remove-Item and Get-VMHost
type fakeHost struct{ w *world }

func (h *fakeHost) Output(_ context.Context, script string) (string, error) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()

	switch {
	case strings.HasPrefix(script, "(Get-VMHost)"):
		h.w.record("vhdpath")
		return `C:\VHDs` + "\r\n", nil
	case strings.HasPrefix(script, "fsutil file createnew "):
		args := strings.TrimPrefix(script, "fsutil file createnew ")
		i := strings.LastIndex(args, " ")
		p := strings.Trim(args[:i], "'")
		n, err := strconv.ParseUint(args[i+1:], 10, 64)
		if err != nil {
			return "", err
		}
		h.w.record("fsutil %s %d", p, n)
		if h.w.createOutput != "" {
			return h.w.createOutput, nil
		}
		h.w.hostFiles[p] = n
		return "File " + p + " is created\r\n", nil
	case strings.HasPrefix(script, "Remove-Item -LiteralPath "):
		rest := strings.TrimPrefix(script, "Remove-Item -LiteralPath '")
		p := rest[:strings.Index(rest, "'")]
		h.w.record("remove %s", p)
		delete(h.w.hostFiles, p)
		return "removed\r\n", nil
	default:
		return "", fmt.Errorf("unexpected host script %q", script)
	}
}

func (w *world) dial(_ context.Context, address, user string) (GuestShell, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("dial %s@%s", user, address)
	if !w.running {
		return nil, errors.New("connection refused")
	}
	w.dials++
	w.openShells++
	return &fakeShell{w: w}, nil
}

// fakeShell implements GuestShell
type fakeShell struct {
	w      *world
	closed bool
}

func (s *fakeShell) VerifyDaemon(_ context.Context, pattern string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("daemon %s", pattern)
	if s.closed {
		return errors.New("session closed")
	}
	return s.w.daemonErr
}

func (s *fakeShell) VerifyWritable(_ context.Context, dir string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("writable %s", dir)
	if s.w.readOnly {
		return fmt.Errorf("read-only filesystem: %s", dir)
	}
	return nil
}

func (s *fakeShell) FileSize(_ context.Context, path string) (uint64, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("size %s", path)
	if s.closed {
		return 0, errors.New("session closed")
	}
	n, ok := s.w.guestFiles[path]
	if !ok {
		return 0, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return uint64(int64(n) + s.w.sizeSkew), nil
}

func (s *fakeShell) Close() error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.w.openShells--
	}
	return nil
}
