package ledger

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCLIInvokerArgs(t *testing.T) {
	inv := NewCLIInvoker("soroban", "CCONTRACT", "testnet", "deployer", time.Second)
	got := inv.args(Invocation{
		Function: "create_job",
		Args: map[string]string{
			"worker": "GWORKER",
			"client": "GCLIENT",
			"amount": "250",
		},
	})
	want := []string{
		"contract", "invoke",
		"--id", "CCONTRACT",
		"--source", "deployer",
		"--network", "testnet",
		"--",
		"create_job",
		"--amount", "250",
		"--client", "GCLIENT",
		"--worker", "GWORKER",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}

func TestCLIInvokerSourceOverride(t *testing.T) {
	inv := NewCLIInvoker("soroban", "CCONTRACT", "testnet", "deployer", time.Second)
	got := inv.args(Invocation{Function: "complete_job", Source: "SCALLER"})
	want := []string{
		"contract", "invoke",
		"--id", "CCONTRACT",
		"--source", "SCALLER",
		"--network", "testnet",
		"--",
		"complete_job",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}

func TestCLIInvokerInvoke(t *testing.T) {
	inv := NewCLIInvoker("soroban", "CCONTRACT", "testnet", "deployer", time.Second)
	var gotCommand string
	var gotArgs []string
	inv.run = func(ctx context.Context, command string, args []string) ([]byte, error) {
		gotCommand = command
		gotArgs = args
		return []byte("\"42\"\n"), nil
	}

	res, err := inv.Invoke(context.Background(), Invocation{Function: "create_job", Args: map[string]string{"client": "GCLIENT"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.JobID != "42" {
		t.Fatalf("JobID = %q, want 42", res.JobID)
	}
	if res.Output != "\"42\"" {
		t.Fatalf("Output = %q", res.Output)
	}
	if gotCommand != "soroban" {
		t.Fatalf("command = %q", gotCommand)
	}
	if len(gotArgs) == 0 || gotArgs[len(gotArgs)-1] != "GCLIENT" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestCLIInvokerInvokeFailure(t *testing.T) {
	inv := NewCLIInvoker("soroban", "CCONTRACT", "testnet", "deployer", time.Second)
	inv.run = func(ctx context.Context, command string, args []string) ([]byte, error) {
		return []byte("error: simulation failed"), errors.New("exit status 1")
	}

	_, err := inv.Invoke(context.Background(), Invocation{Function: "complete_job"})
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("err = %v, want *InvocationError", err)
	}
	if invErr.Function != "complete_job" {
		t.Fatalf("Function = %q", invErr.Function)
	}
	if invErr.Output != "error: simulation failed" {
		t.Fatalf("Output = %q", invErr.Output)
	}
}

func TestCLIInvokerTimeout(t *testing.T) {
	inv := NewCLIInvoker("soroban", "CCONTRACT", "testnet", "deployer", 10*time.Millisecond)
	inv.run = func(ctx context.Context, command string, args []string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := inv.Invoke(context.Background(), Invocation{Function: "create_job"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestParseJobID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"42", "42"},
		{"\"7\"\n", "7"},
		{"submitting transaction...\nresult: 105", "105"},
		{"no digits here", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := ParseJobID(c.in); got != c.want {
			t.Errorf("ParseJobID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
