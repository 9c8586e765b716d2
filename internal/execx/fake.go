package execx

import (
	"context"
	"strings"
)

// Call records one command invocation made against a Fake.
type Call struct {
	Name  string
	Args  []string
	Input string
}

// Line returns the invocation as a single command line.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is a scripted response for a Fake.
type Result struct {
	Out []byte
	Err error
}

// Fake is a Runner for tests: responses are scripted per command line
// (FIFO when several are queued) and every invocation is recorded.
type Fake struct {
	Calls     []Call
	Responses map[string][]Result
	// MissingTools makes LookPath report the named tools as absent.
	MissingTools map[string]bool
}

// NewFake returns an empty Fake; unscripted commands succeed with no
// output.
func NewFake() *Fake {
	return &Fake{Responses: make(map[string][]Result)}
}

// Respond queues a response for the exact command line.
func (f *Fake) Respond(line string, out string, err error) {
	f.Responses[line] = append(f.Responses[line], Result{Out: []byte(out), Err: err})
}

func (f *Fake) next(line string) Result {
	queue := f.Responses[line]
	if len(queue) == 0 {
		return Result{}
	}
	r := queue[0]
	if len(queue) > 1 {
		f.Responses[line] = queue[1:]
	}
	return r
}

func (f *Fake) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: args}
	f.Calls = append(f.Calls, call)
	r := f.next(call.Line())
	return r.Out, r.Err
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	call := Call{Name: name, Args: args}
	f.Calls = append(f.Calls, call)
	return f.next(call.Line()).Err
}

func (f *Fake) RunInput(ctx context.Context, input string, name string, args ...string) error {
	call := Call{Name: name, Args: args, Input: input}
	f.Calls = append(f.Calls, call)
	return f.next(call.Line()).Err
}

func (f *Fake) LookPath(name string) bool {
	return !f.MissingTools[name]
}

// CalledLines returns every recorded invocation as command lines.
func (f *Fake) CalledLines() []string {
	lines := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		lines = append(lines, c.Line())
	}
	return lines
}

// Called reports whether any recorded invocation has the given prefix.
func (f *Fake) Called(prefix string) bool {
	for _, line := range f.CalledLines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
