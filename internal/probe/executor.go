// Package probe implements the protocol executors. Each executor is a pure
// function from (target, location, deadline) to a CheckOutcome — probe
// failures are categorized outcomes, never errors, and responseTimeMs is
// wall-clock on every path including failures.
package probe

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// Executor performs one measurement attempt against a target.
type Executor interface {
	Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target *core.Target, location string) core.CheckOutcome

func (f ExecutorFunc) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	return f(ctx, target, location)
}

// DefaultConcurrency returns the executor pool size: max(64, 2×CPU).
func DefaultConcurrency() int {
	n := 2 * runtime.NumCPU()
	if n < 64 {
		n = 64
	}
	return n
}

// Registry maps target kinds to executors and caps concurrent probes with a
// semaphore. A probe that panics is converted to a transport-kind failure.
type Registry struct {
	executors map[core.TargetKind]Executor
	sem       chan struct{}
	logger    *log.Logger
}

// NewRegistry builds a registry with the standard five executors.
// icmpEnabled switches the ping executor from HTTP HEAD to raw ICMP.
func NewRegistry(concurrency int, icmpEnabled bool) *Registry {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	r := &Registry{
		executors: make(map[core.TargetKind]Executor),
		sem:       make(chan struct{}, concurrency),
		logger:    log.New(log.Writer(), "[PROBE] ", log.LstdFlags),
	}
	httpExec := ExecutorFunc(executeHTTP)
	r.executors[core.KindHTTP] = httpExec
	r.executors[core.KindHTTPS] = httpExec
	r.executors[core.KindDNS] = ExecutorFunc(executeDNS)
	r.executors[core.KindSSL] = ExecutorFunc(executeSSL)
	r.executors[core.KindTCP] = ExecutorFunc(executeTCP)
	r.executors[core.KindPing] = newPingExecutor(icmpEnabled)
	return r
}

// Register overrides the executor for a kind. Tests use this to stub probes.
func (r *Registry) Register(kind core.TargetKind, exec Executor) {
	r.executors[kind] = exec
}

// Execute runs the probe for the target's kind under the concurrency cap and
// the target's own deadline.
func (r *Registry) Execute(ctx context.Context, target *core.Target, location string) (outcome core.CheckOutcome) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("❌ Executor panic for target %s: %v", target.ID, rec)
			outcome = failure(start, core.ErrKindTransport, fmt.Sprintf("executor panic: %v", rec))
		}
	}()

	exec, ok := r.executors[target.Kind]
	if !ok {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("no executor for kind %q", target.Kind))
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return failure(start, core.ErrKindTimeout, "probe queue wait exceeded deadline")
	}

	probeCtx, cancel := context.WithTimeout(ctx, target.Timeout())
	defer cancel()

	return exec.Execute(probeCtx, target, location)
}

// failure builds a categorized failure outcome stamped with wall-clock time.
func failure(start time.Time, kind, msg string) core.CheckOutcome {
	return core.CheckOutcome{
		Success:        false,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ErrorKind:      kind,
		ErrorMessage:   msg,
	}
}

func success(start time.Time) core.CheckOutcome {
	return core.CheckOutcome{
		Success:        true,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}
