// Package execx is the single boundary through which sanctl invokes
// external tools (iscsiadm, lsblk, parted, mount, ...). Everything above
// it consumes typed results; tests substitute a fake Runner.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Output runs the command and returns its combined output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Run runs the command, discarding output unless it fails.
	Run(ctx context.Context, name string, args ...string) error
	// RunInput runs the command with stdin attached to input.
	RunInput(ctx context.Context, input string, name string, args ...string) error
	// LookPath reports whether the named tool is installed.
	LookPath(name string) bool
}

// System is a Runner backed by os/exec.
type System struct{}

// NewSystem returns the default Runner.
func NewSystem() *System {
	return &System{}
}

func (s *System) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, &Error{Cmd: command(name, args), Output: out, Err: err}
	}
	return out, nil
}

func (s *System) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return &Error{Cmd: command(name, args), Output: out, Err: err}
	}
	return nil
}

func (s *System) RunInput(ctx context.Context, input string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &Error{Cmd: command(name, args), Output: out, Err: err}
	}
	return nil
}

func (s *System) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Error carries the failing command line and its output for diagnostics.
type Error struct {
	Cmd    string
	Output []byte
	Err    error
}

func (e *Error) Error() string {
	out := string(bytes.TrimSpace(e.Output))
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, out)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func command(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
