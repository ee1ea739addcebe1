package scenario

import (
	"fmt"
	"strings"
	"time"
)

// Status is the verdict of a scenario or of one of its steps
type Status int

const (
	Pass Status = iota
	Fail
	Skip
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Kind classifies why a scenario did not pass
type Kind int

const (
	KindNone Kind = iota
	// KindPrecondition means the scenario cannot run here and is skipped
	KindPrecondition
	// KindTooling means a host-side helper did not do its job
	KindTooling
	// KindAssertion means an exit code or a size did not match
	KindAssertion
	// KindInfrastructure means a collaborator call failed outright
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPrecondition:
		return "precondition"
	case KindTooling:
		return "tooling"
	case KindAssertion:
		return "assertion"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error ends a scenario with a classified reason
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func skipf(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Reason: fmt.Sprintf(format, args...)}
}

func failf(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Step records one action taken by a scenario
type Step struct {
	Name     string
	Status   Status
	Detail   string
	Duration time.Duration
}

// Outcome is the result of a scenario run
type Outcome struct {
	Scenario string
	Status   Status
	Kind     Kind
	Reason   string
	Steps    []Step
}

// Passed reports whether the scenario passed.
func (o Outcome) Passed() bool { return o.Status == Pass }

func (o Outcome) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Scenario, o.Status)
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s: %s)", o.Kind, o.Reason)
	}
	return b.String()
}
