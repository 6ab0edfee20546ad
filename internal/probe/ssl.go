package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// executeSSL performs a TLS handshake against hostname:443 (or the URL's
// explicit port) and validates the peer certificate chain.
//
// The handshake itself runs without automatic verification so that an expired
// leaf can be reported as cert_expired rather than being folded into a
// generic verification failure; expiry is checked first, then the chain is
// validated against the system roots.
func executeSSL(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	start := time.Now()

	u, err := target.ParsedURL()
	if err != nil {
		return failure(start, core.ErrKindTransport, fmt.Sprintf("invalid url: %v", err))
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, // chain is verified explicitly below
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return failure(start, categorizeHandshakeError(err), err.Error())
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return failure(start, core.ErrKindTransport, "peer presented no certificates")
	}

	leaf := state.PeerCertificates[0]
	now := time.Now()
	if now.After(leaf.NotAfter) {
		return failure(start, core.ErrKindCertExpired,
			fmt.Sprintf("certificate expired at %s", leaf.NotAfter.Format(time.RFC3339)))
	}
	if now.Before(leaf.NotBefore) {
		return failure(start, core.ErrKindCertSignature,
			fmt.Sprintf("certificate not valid until %s", leaf.NotBefore.Format(time.RFC3339)))
	}

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       host,
		Intermediates: intermediates,
	}); err != nil {
		return failure(start, categorizeVerifyError(err), err.Error())
	}

	return success(start)
}

func categorizeHandshakeError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ErrKindHandshakeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrKindHandshakeTimeout
	}
	return core.ErrKindTransport
}

func categorizeVerifyError(err error) string {
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		if certInvalid.Reason == x509.Expired {
			return core.ErrKindCertExpired
		}
		return core.ErrKindCertSignature
	}

	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return core.ErrKindCertUntrusted
	}

	return core.ErrKindCertSignature
}
