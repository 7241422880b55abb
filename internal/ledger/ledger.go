// Package ledger shells out to an external contract CLI to mirror gig
// lifecycle transitions onto a blockchain ledger.
package ledger

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Invocation names a contract function and its string arguments. Source,
// when set, overrides the invoker's configured signing identity for this
// call only.
type Invocation struct {
	Function string
	Args     map[string]string
	Source   string
}

// Result carries the raw CLI output plus the job id parsed from it, when
// the output contained one.
type Result struct {
	Output string
	JobID  string
}

// Invoker runs a contract function and returns its result.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// InvocationError wraps a failed CLI run, keeping whatever output the
// process produced before failing.
type InvocationError struct {
	Function string
	Output   string
	Err      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("ledger invoke %s: %v", e.Function, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Runner executes a prepared command and returns its combined output.
// Swapped out in tests.
type Runner func(ctx context.Context, command string, args []string) ([]byte, error)

func execRunner(ctx context.Context, command string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, command, args...).CombinedOutput()
}

// CLIInvoker invokes contract functions through a soroban-style CLI:
//
//	<command> contract invoke --id <contract> --source <source> --network <network> -- <function> --<arg> <value>...
type CLIInvoker struct {
	Command    string
	ContractID string
	Network    string
	Source     string
	Timeout    time.Duration

	run Runner
}

func NewCLIInvoker(command, contractID, network, source string, timeout time.Duration) *CLIInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CLIInvoker{
		Command:    command,
		ContractID: contractID,
		Network:    network,
		Source:     source,
		Timeout:    timeout,
		run:        execRunner,
	}
}

func (c *CLIInvoker) args(inv Invocation) []string {
	source := c.Source
	if inv.Source != "" {
		source = inv.Source
	}
	args := []string{
		"contract", "invoke",
		"--id", c.ContractID,
		"--source", source,
		"--network", c.Network,
		"--",
		inv.Function,
	}
	keys := make([]string, 0, len(inv.Args))
	for k := range inv.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, inv.Args[k])
	}
	return args
}

func (c *CLIInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	run := c.run
	if run == nil {
		run = execRunner
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	out, err := run(ctx, c.Command, c.args(inv))
	output := string(out)
	if err != nil {
		return Result{Output: output}, &InvocationError{Function: inv.Function, Output: output, Err: err}
	}
	return Result{Output: strings.TrimSpace(output), JobID: ParseJobID(output)}, nil
}

var jobIDPattern = regexp.MustCompile(`\d+`)

// ParseJobID extracts the first run of digits from CLI output. The
// contract returns a numeric job id but the CLI wraps it in quoting and
// log noise that varies by version.
func ParseJobID(output string) string {
	return jobIDPattern.FindString(output)
}
