// Package gateway executes the external tunnel and firewall commands that
// wgguard drives, and captures their exit status and output.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec. With Sudo set every command is
// run through non-interactive sudo.
type ExecRunner struct {
	Sudo bool
}

// Run executes name with args. A non-nil error is always a *Error.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	bin, argv := name, args
	if r.Sudo {
		bin = "sudo"
		argv = append([]string{"-n", name}, args...)
	}
	cmd := exec.CommandContext(ctx, bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if err != nil {
		return res, newError(name, args, res, err)
	}
	return res, nil
}

// Kind classifies a gateway failure.
type Kind int

const (
	KindExit       Kind = iota // command ran and exited non-zero
	KindNotFound               // binary missing
	KindPermission             // not permitted to run or to change the system
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindNotFound:
		return "not-found"
	case KindPermission:
		return "permission"
	default:
		return "other"
	}
}

// Error is returned for every failed external command.
type Error struct {
	Cmd      string
	Kind     Kind
	ExitCode int
	Output   string // trimmed stderr, or stdout when stderr is empty
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var permissionMarkers = []string{
	"must be run as root",
	"permission denied",
	"operation not permitted",
	"a password is required",
	"you must be root",
}

func newError(name string, args []string, res Result, err error) *Error {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	ge := &Error{
		Cmd:      strings.TrimSpace(name + " " + strings.Join(args, " ")),
		ExitCode: res.ExitCode,
		Output:   out,
		Err:      err,
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		ge.Kind = KindNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		ge.Kind = KindPermission
	case errors.As(err, &exitErr):
		ge.Kind = KindExit
		if res.ExitCode == 126 {
			ge.Kind = KindPermission
		} else if res.ExitCode == 127 {
			ge.Kind = KindNotFound
		}
		lower := strings.ToLower(out)
		for _, m := range permissionMarkers {
			if strings.Contains(lower, m) {
				ge.Kind = KindPermission
				break
			}
		}
	default:
		ge.Kind = KindOther
	}
	return ge
}

// IsNotFound reports whether err is a gateway failure caused by a missing
// binary.
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindNotFound
}
