package hyperv

import (
	"context"
	"strings"
	"sync"

	"github.com/kriansa/hyperv-fcopy/internal/sshexec"
)

// rule answers every script containing match
type rule struct {
	match  string
	result sshexec.Result
	err    error
	// queue, when set, is consumed one result per call before falling back to result
	queue []sshexec.Result
}

// fakeRunner plays the Hyper-V host for unit tests
type fakeRunner struct {
	mu      sync.Mutex
	rules   []*rule
	scripts []string
}

func (f *fakeRunner) on(match string, res sshexec.Result) *rule {
	r := &rule{match: match, result: res}
	f.rules = append(f.rules, r)
	return r
}

func (f *fakeRunner) Run(_ context.Context, script string) (sshexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scripts = append(f.scripts, script)
	for _, r := range f.rules {
		if !strings.Contains(script, r.match) {
			continue
		}
		if len(r.queue) > 0 {
			res := r.queue[0]
			r.queue = r.queue[1:]
			return res, nil
		}
		return r.result, r.err
	}
	return sshexec.Result{Stderr: "no rule for script", ExitCode: 1}, nil
}

func (f *fakeRunner) ran(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.scripts {
		if strings.Contains(s, match) {
			n++
		}
	}
	return n
}

func ok(stdout string) sshexec.Result {
	return sshexec.Result{Stdout: stdout}
}
