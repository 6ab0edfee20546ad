package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

const maxRedirects = 5

// executeHTTP issues a GET against the target URL and compares the final
// status code (after at most maxRedirects hops) to the expected one.
// Non-2xx responses are not transport failures; only a status mismatch is.
// TLS verification is always on — there is no self-signed bypass.
func executeHTTP(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("invalid url: %v", err))
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failure(start, core.ErrKindTransport, err.Error())
	}

	resp, err := client.Do(req)
	if err != nil {
		return failure(start, categorizeHTTPError(err), err.Error())
	}
	defer resp.Body.Close()

	expected := target.ExpectedStatusCode
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		out := failure(start, core.ErrKindStatusMismatch,
			fmt.Sprintf("expected status %d, got %d", expected, resp.StatusCode))
		out.StatusCode = resp.StatusCode
		return out
	}

	out := success(start)
	out.StatusCode = resp.StatusCode
	return out
}

// categorizeHTTPError maps a transport error onto the probe error taxonomy.
func categorizeHTTPError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ErrKindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrKindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return core.ErrKindDNS
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &certInvalid) || errors.As(err, &hostErr) {
		return core.ErrKindTLS
	}
	if strings.Contains(err.Error(), "tls:") {
		return core.ErrKindTLS
	}

	return core.ErrKindTransport
}
