package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetKind selects the probe protocol for a monitored endpoint.
type TargetKind string

const (
	KindHTTP  TargetKind = "http"
	KindHTTPS TargetKind = "https"
	KindDNS   TargetKind = "dns"
	KindSSL   TargetKind = "ssl"
	KindTCP   TargetKind = "tcp"
	KindPing  TargetKind = "ping"
)

// KnownKinds lists every probe protocol the engine supports.
var KnownKinds = []TargetKind{KindHTTP, KindHTTPS, KindDNS, KindSSL, KindTCP, KindPing}

// Probe error kinds. A failed probe is still a valid Check; the kind
// categorizes why it failed.
const (
	ErrKindStatusMismatch   = "status_mismatch"
	ErrKindTransport        = "transport"
	ErrKindTLS              = "tls"
	ErrKindTimeout          = "timeout"
	ErrKindDNS              = "dns"
	ErrKindNXDomain         = "nxdomain"
	ErrKindServFail         = "servfail"
	ErrKindCertExpired      = "cert_expired"
	ErrKindCertUntrusted    = "cert_untrusted"
	ErrKindCertSignature    = "cert_signature"
	ErrKindHandshakeTimeout = "handshake_timeout"
	ErrKindOverrun          = "overrun"
)

// Target is a monitored endpoint: URL + probe kind + schedule.
type Target struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	OwnerEmail         string     `json:"owner_email,omitempty"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	Kind               TargetKind `json:"kind"`
	IntervalSec        int        `json:"interval_sec"`
	TimeoutMs          int        `json:"timeout_ms"`
	ExpectedStatusCode int        `json:"expected_status_code"`
	Active             bool       `json:"active"`
	Regions            []string   `json:"regions"`
	AlertThreshold     int        `json:"alert_threshold"`
	RecoveryThreshold  int        `json:"recovery_threshold"`
	AlertContacts      []string   `json:"alert_contacts,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	// Version increments on every update so scheduler snapshots can detect
	// stale definitions without locking the hot path.
	Version int64 `json:"version"`
}

// Timeout returns the per-probe deadline for this target.
func (t *Target) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Interval returns the scheduling period for this target.
func (t *Target) Interval() time.Duration {
	return time.Duration(t.IntervalSec) * time.Second
}

// Validate checks the target invariants. Violations surface as Invalid errors.
func (t *Target) Validate(intervalFloorSec int) error {
	const op = "core.Target.Validate"

	known := false
	for _, k := range KnownKinds {
		if t.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return E(Invalid, op, fmt.Errorf("unknown target kind %q", t.Kind))
	}
	if t.URL == "" {
		return E(Invalid, op, fmt.Errorf("url is required"))
	}
	u, err := url.Parse(normalizeURL(t.URL))
	if err != nil || u.Hostname() == "" {
		return E(Invalid, op, fmt.Errorf("url %q is not parseable", t.URL))
	}
	if t.IntervalSec < intervalFloorSec {
		return E(Invalid, op, fmt.Errorf("interval %ds is below the floor of %ds", t.IntervalSec, intervalFloorSec))
	}
	if t.TimeoutMs <= 0 || t.TimeoutMs >= t.IntervalSec*1000 {
		return E(Invalid, op, fmt.Errorf("timeout %dms must be positive and below the interval", t.TimeoutMs))
	}
	if len(t.Regions) == 0 {
		return E(Invalid, op, fmt.Errorf("at least one region is required"))
	}
	if t.AlertThreshold < 1 {
		return E(Invalid, op, fmt.Errorf("alert threshold must be >= 1"))
	}
	if t.RecoveryThreshold < 1 {
		return E(Invalid, op, fmt.Errorf("recovery threshold must be >= 1"))
	}
	return nil
}

// ParsedURL returns the normalized URL of the target. Bare hostnames for
// dns/ssl/tcp/ping targets are promoted to URL form first.
func (t *Target) ParsedURL() (*url.URL, error) {
	return url.Parse(normalizeURL(t.URL))
}

func normalizeURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}

// LocationDetails is the optional geographic enrichment a roaming prober
// supplies with a submission. Absent fields render as "Unknown" downstream.
type LocationDetails struct {
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	IP      string  `json:"ip,omitempty"`
}

// CheckOutcome is the raw result of one probe execution before persistence.
type CheckOutcome struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Check is the immutable persisted record of one probe outcome.
// PaymentSettled is the single allowed mutation: false → true exactly once.
type Check struct {
	ID             string           `json:"id"`
	TargetID       string           `json:"target_id"`
	OwnerID        string           `json:"owner_id"`
	Success        bool             `json:"success"`
	StatusCode     int              `json:"status_code,omitempty"`
	ResponseTimeMs int64            `json:"response_time_ms"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Location       string           `json:"location"`
	LocationInfo   *LocationDetails `json:"location_info,omitempty"`
	ProberID       string           `json:"prober_id,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	PaymentSettled bool             `json:"payment_settled"`
}

// Incident is a contiguous period during which a target is considered down.
type Incident struct {
	ID           string     `json:"id"`
	TargetID     string     `json:"target_id"`
	StartCheckID string     `json:"start_check_id"`
	EndCheckID   string     `json:"end_check_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	Reason       string     `json:"reason"`
	Region       string     `json:"region"`
}

// Open reports whether the incident is still unresolved.
func (i *Incident) Open() bool { return i.ResolvedAt == nil }

// ProberWallet accumulates micro-payments for accepted community probes.
type ProberWallet struct {
	ProberID          string    `json:"prober_id"`
	BalanceMinorUnits int64     `json:"balance_minor_units"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only credit keyed by the check it pays for.
// The checkId key is what makes crediting idempotent under redelivery.
type LedgerEntry struct {
	CheckID          string    `json:"check_id"`
	ProberID         string    `json:"prober_id"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	CreditedAt       time.Time `json:"credited_at"`
}

// ActorRole tags who triggered a probe; it drives payment eligibility.
type ActorRole string

const (
	RoleScheduler ActorRole = "scheduler"
	RoleProber    ActorRole = "prober"
	RoleOwner     ActorRole = "owner"
	RoleAdmin     ActorRole = "admin"
)

// ProbeActor identifies the initiator of a probe.
type ProbeActor struct {
	Role ActorRole `json:"role"`
	ID   string    `json:"id"`
}

// Paid reports whether a check initiated by this actor earns a wallet credit.
// Only community prober submissions pay; scheduled, owner and admin probes
// never credit.
func (a ProbeActor) Paid() bool {
	return a.Role == RoleProber && a.ID != ""
}

// NewID returns a prefixed v4 UUID, e.g. "chk-9f1c...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}
