// Package prompt provides the interactive input used by provisioning.
// Destructive confirmations default to "no" on empty or non-tty input so
// unattended runs can never destroy data.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Terminal prompts on a tty.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal returns a Terminal on stdin/stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// Confirm asks a yes/no question. Anything but an explicit yes answers
// no, and a non-interactive stdin never gets asked.
func (t *Terminal) Confirm(question string) (bool, error) {
	if !isatty.IsTerminal(t.In.Fd()) {
		fmt.Fprintf(t.Out, "%s [y/N]: no (not a terminal)\n", question)
		return false, nil
	}
	fmt.Fprintf(t.Out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// ReadLine prompts for one required value.
func (t *Terminal) ReadLine(label string) (string, error) {
	fmt.Fprintf(t.Out, "%s: ", label)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimSpace(line), nil
}

// ReadSecret prompts without echoing when stdin is a terminal.
func (t *Terminal) ReadSecret(label string) (string, error) {
	if !isatty.IsTerminal(t.In.Fd()) {
		return t.ReadLine(label)
	}
	fmt.Fprintf(t.Out, "%s: ", label)
	secret, err := term.ReadPassword(int(t.In.Fd()))
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimSpace(string(secret)), nil
}
