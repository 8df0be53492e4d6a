// Package exec defines the boundary between the remote execution
// framework and whatever actually runs a command. The framework treats
// commands as opaque strings; a Runner gives them meaning on the
// receiving side.
package exec

import (
	"context"
	"fmt"

	"github.com/danmuck/peerctl/internal/protocol/wire"
)

// Request is one command as delivered to the receiving peer.
type Request struct {
	Command    string
	Mode       wire.ExecMode
	Unattended bool
}

// Result is what a Runner produced for one Request. Errors preserve
// the order in which they occurred.
type Result struct {
	Success bool
	Output  string
	Errors  []string
}

// Runner executes one command on behalf of a remote peer. Implementations
// must be safe for concurrent calls; the listener dispatches each request
// on its own goroutine.
type Runner interface {
	Run(ctx context.Context, req Request) Result
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) Result

func (f RunnerFunc) Run(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// StatementRunner is the built-in Runner: it evaluates integer
// arithmetic statements so a bare peerctl node is usable end to end.
// Host applications replace it with their own interpreter binding.
type StatementRunner struct{}

func NewStatementRunner() *StatementRunner {
	return &StatementRunner{}
}

func (r *StatementRunner) Run(_ context.Context, req Request) Result {
	switch req.Mode {
	case wire.ExecuteStatement, wire.EvaluateStatement:
		out, err := EvalStatement(req.Command)
		if err != nil {
			return Result{Success: false, Errors: []string{err.Error()}}
		}
		return Result{Success: true, Output: out}
	case wire.ExecuteFile:
		return Result{
			Success: false,
			Errors:  []string{fmt.Sprintf("exec: %s not supported by the builtin runner", req.Mode)},
		}
	default:
		return Result{
			Success: false,
			Errors:  []string{fmt.Sprintf("exec: unknown exec mode %d", uint8(req.Mode))},
		}
	}
}
