// Package vm hosts the sandboxed contract runtime. Contracts are JavaScript
// programs executed on goja, with gas metering on every host-bridge call, a
// deterministic clock and random source, and a replayable call log for
// cross-node verification.
package vm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/bywise/go-bywise/params"
)

var (
	// ErrInterrupted is raised when the gas budget or the wall-clock
	// watchdog aborts an execution. The transaction reverts, fee up to the
	// failure is kept.
	ErrInterrupted = errors.New("interrupted")

	// ErrMethodNotFound is returned when invoking an undeclared method.
	ErrMethodNotFound = errors.New("method not found")

	// ErrNotPayable is returned when value is attached to a non-payable
	// method.
	ErrNotPayable = errors.New("method is not payable")

	// ErrViewWrite is returned when a view method attempts a state write.
	ErrViewWrite = errors.New("view method attempted a state write")

	// ErrCallDepth is returned when cross-contract re-entrancy exceeds the
	// bounded stack.
	ErrCallDepth = errors.New("max call depth exceeded")

	// ErrReplayMismatch marks a diverging replay: the live computation
	// asked the host something the recorded log never answered.
	ErrReplayMismatch = errors.New("replay mismatch")
)

// interruptValue is what goja surfaces when Interrupt fires.
const interruptValue = "interrupted"

// stackFrameSize is the approximate per-frame footprint used to translate the
// byte-denominated stack limit into goja's frame count.
const stackFrameSize = 160

// Result is the outcome of one contract invocation.
type Result struct {
	Value string       // JSON-encoded return value of the method
	Cost  uint64       // gas burned
	Calls []CallRecord // host-bridge call log, replayable
}

// Invocation describes one method call fed to the runtime.
type Invocation struct {
	Code     string   // contract source
	Method   string   // empty for deployment evaluation
	Inputs   []string // method arguments, passed as strings
	View     bool     // enforce the write guard
	Replay   []CallRecord
	Budget   uint64 // gas budget; 0 means params.DefaultGasBudget
	Depth    int    // current cross-contract depth
	RandSeed []byte // seeds Math.random and getRandom
	Now      int64  // deterministic clock, unix seconds
}

// Execute runs one invocation against a host. A fresh goja runtime is built
// per call; the surrounding pool recycles the expensive worker goroutines.
func Execute(inv *Invocation, host Host) (res *Result, err error) {
	if inv.Depth > params.MaxCallDepth {
		return nil, ErrCallDepth
	}
	budget := inv.Budget
	if budget == 0 {
		budget = params.DefaultGasBudget
	}

	rt := goja.New()
	rt.SetMaxCallStackSize(params.VMStackLimit / stackFrameSize)

	bridge := newBridge(host, inv, budget, rt)

	// Wall-clock watchdog: runaway scripts that never touch the host are
	// aborted here; deterministic scripts never race it.
	watchdog := time.AfterFunc(params.TxExecutionTimeoutSeconds*time.Second, func() {
		rt.Interrupt(interruptValue)
	})
	defer watchdog.Stop()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, normalizeVMError(fmt.Errorf("%v", r))
		}
	}()

	if err := bridge.install(rt); err != nil {
		return nil, err
	}
	if _, err := rt.RunString(prelude(inv)); err != nil {
		return nil, normalizeVMError(err)
	}
	if _, err := rt.RunString(inv.Code); err != nil {
		return nil, normalizeVMError(err)
	}

	// Deployment stops after evaluating the source.
	if inv.Method == "" {
		return &Result{Value: "null", Cost: bridge.gasUsed, Calls: bridge.calls}, nil
	}

	fnValue := rt.Get(inv.Method)
	if fnValue == nil || goja.IsUndefined(fnValue) {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, inv.Method)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not callable", ErrMethodNotFound, inv.Method)
	}
	args := make([]goja.Value, len(inv.Inputs))
	for i, in := range inv.Inputs {
		args[i] = rt.ToValue(in)
	}
	ret, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, normalizeVMError(err)
	}
	return &Result{
		Value: encodeReturn(rt, ret),
		Cost:  bridge.gasUsed,
		Calls: bridge.calls,
	}, nil
}

// prelude pins the non-deterministic corners of the language: Math.random
// draws from the seeded host generator and the clock returns the
// transaction timestamp.
func prelude(inv *Invocation) string {
	return fmt.Sprintf(`
Math.random = function() { return Number(blockchain.getRandom()); };
Date.now = function() { return %d * 1000; };
`, inv.Now)
}

func encodeReturn(rt *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "null"
	}
	jsonObj := rt.Get("JSON").ToObject(rt)
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return fmt.Sprintf("%q", v.String())
	}
	return out.String()
}

// normalizeVMError maps goja interrupts and thrown host errors onto the
// package sentinels so callers can dispatch on them.
func normalizeVMError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrInterrupted
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, ErrInterrupted.Error()):
		return ErrInterrupted
	case strings.Contains(msg, ErrViewWrite.Error()):
		return ErrViewWrite
	case strings.Contains(msg, ErrCallDepth.Error()):
		return ErrCallDepth
	case strings.Contains(msg, ErrReplayMismatch.Error()):
		return ErrReplayMismatch
	}
	return err
}
