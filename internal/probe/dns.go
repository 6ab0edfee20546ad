package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// executeDNS resolves the target hostname to any address record.
// Success = at least one A/AAAA record within the deadline.
func executeDNS(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindServFail, fmt.Sprintf("invalid url: %v", err))
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, u.Hostname())
	if err != nil {
		return failure(start, categorizeDNSError(err), err.Error())
	}
	if len(addrs) == 0 {
		return failure(start, core.ErrKindNXDomain, fmt.Sprintf("no address records for %s", u.Hostname()))
	}

	return success(start)
}

func categorizeDNSError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return core.ErrKindNXDomain
		}
		if dnsErr.IsTimeout {
			return core.ErrKindTimeout
		}
		return core.ErrKindServFail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrKindTimeout
	}
	return core.ErrKindServFail
}
