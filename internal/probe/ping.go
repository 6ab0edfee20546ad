package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/watchmesh/backend/internal/core"
)

// newPingExecutor builds the reachability executor. The default mode is an
// HTTP HEAD request, which needs no privileges and satisfies the sub-second
// reachability contract. When icmpEnabled is set the executor sends a single
// ICMP echo instead; if the ICMP socket cannot be opened (unprivileged
// container) it falls back to HEAD for that probe.
func newPingExecutor(icmpEnabled bool) Executor {
	if !icmpEnabled {
		return ExecutorFunc(executeHead)
	}
	return ExecutorFunc(func(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
		out, ok := executeICMP(ctx, target)
		if !ok {
			return executeHead(ctx, target, location)
		}
		return out
	})
}

// executeHead issues a HEAD request; any HTTP response counts as reachable.
func executeHead(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("invalid url: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return failure(start, core.ErrKindTransport, err.Error())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return failure(start, categorizeHTTPError(err), err.Error())
	}
	resp.Body.Close()

	out := success(start)
	out.StatusCode = resp.StatusCode
	return out
}

// executeICMP sends one echo request. The second return value is false when
// ICMP is unavailable and the caller should fall back to HEAD.
func executeICMP(ctx context.Context, target *core.Target) (core.CheckOutcome, bool) {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("invalid url: %v", err)), true
	}

	pinger, err := probing.NewPinger(u.Hostname())
	if err != nil {
		return failure(start, core.ErrKindDNS, err.Error()), true
	}
	pinger.Count = 1
	pinger.SetPrivileged(true)
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		// Raw socket refused — not a target failure, fall back to HEAD.
		return core.CheckOutcome{}, false
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return failure(start, core.ErrKindTimeout, "no echo reply within deadline"), true
	}

	return success(start), true
}
