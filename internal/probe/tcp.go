package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// executeTCP attempts a plain TCP connect to hostname:port.
// The port defaults to 443 for https URLs and 80 for http.
func executeTCP(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("invalid url: %v", err))
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		var netErr net.Error
		if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return failure(start, core.ErrKindTimeout, err.Error())
		}
		return failure(start, core.ErrKindTransport, err.Error())
	}
	conn.Close()

	return success(start)
}
