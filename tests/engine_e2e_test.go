// Package tests exercises the monitoring engine end to end: the incident
// lifecycle through the sharded result processor, prober cooldowns, payment
// idempotence, real probe executors against live listeners, and the
// scheduler's handling of mid-flight deactivation.
package tests

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/gateway"
	"github.com/watchmesh/backend/internal/ingest"
	"github.com/watchmesh/backend/internal/notify"
	"github.com/watchmesh/backend/internal/payments"
	"github.com/watchmesh/backend/internal/probe"
	"github.com/watchmesh/backend/internal/scheduler"
	"github.com/watchmesh/backend/internal/service"
	"github.com/watchmesh/backend/internal/store"
)

// recordingEmail captures every outbound mail. Safe for the notifier's
// delivery goroutine.
type recordingEmail struct {
	mu   sync.Mutex
	sent []string // "to|subject"
}

func (r *recordingEmail) Send(ctx context.Context, to []string, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range to {
		r.sent = append(r.sent, t+"|"+subject)
	}
	return nil
}

func (r *recordingEmail) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// recordingPush captures published topics.
type recordingPush struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPush) Publish(ctx context.Context, topic string, update *core.PushUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recordingPush) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func mustTarget(t *testing.T, mem *store.Memory, tgt *core.Target) {
	t.Helper()
	if err := mem.CreateTarget(context.Background(), tgt); err != nil {
		t.Fatalf("seeding target: %v", err)
	}
}

// =============================================================================
// 1. INCIDENT LIFECYCLE — threshold crossing opens, recovery resolves
// =============================================================================

func TestIncidentLifecycleThroughProcessor(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	email := &recordingEmail{}
	push := &recordingPush{}

	notifier := notify.New(email, push, nil, nil, nil, notify.Config{
		EmailEnabled: true,
		QueueSize:    16,
		Backoff:      []time.Duration{time.Millisecond},
	})
	proc := ingest.NewProcessor(mem, mem, notifier, nil, push, nil, nil, ingest.WithShardCount(1))

	tgt := &core.Target{
		ID: "tgt-lifecycle", OwnerID: "own-1", OwnerEmail: "owner@example.com",
		Name: "Checkout", URL: "https://shop.example.com", Kind: core.KindHTTPS,
		IntervalSec: 60, TimeoutMs: 5000, Active: true,
		Regions: []string{"us-east"}, AlertThreshold: 3, RecoveryThreshold: 1,
		CreatedAt: time.Now(), Version: 1,
	}
	mustTarget(t, mem, tgt)

	base := time.Now()
	outcomes := []core.CheckOutcome{
		{Success: true, StatusCode: 200, ResponseTimeMs: 80},
		{Success: true, StatusCode: 200, ResponseTimeMs: 85},
		{Success: false, StatusCode: 503, ErrorKind: core.ErrKindStatusMismatch, ErrorMessage: "expected 200, got 503"},
		{Success: false, ErrorKind: core.ErrKindTimeout, ErrorMessage: "request deadline exceeded"},
		{Success: false, ErrorKind: core.ErrKindTimeout, ErrorMessage: "request deadline exceeded"},
		{Success: true, StatusCode: 200, ResponseTimeMs: 90},
	}
	for i := range outcomes {
		_, err := proc.Process(ctx, ingest.Result{
			Target:    tgt,
			Outcome:   &outcomes[i],
			Actor:     core.ProbeActor{Role: core.RoleScheduler},
			Region:    "us-east",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("processing result %d: %v", i, err)
		}
	}
	proc.Close()
	notifier.Shutdown()

	checks, err := mem.ListChecks(ctx, tgt.ID, time.Time{})
	if err != nil {
		t.Fatalf("listing checks: %v", err)
	}
	if len(checks) != 6 {
		t.Fatalf("expected 6 persisted checks, got %d", len(checks))
	}
	for _, c := range checks {
		if !c.Success && (c.ErrorKind == "" || c.ErrorMessage == "") {
			t.Errorf("failed check %s missing error detail: kind=%q msg=%q", c.ID, c.ErrorKind, c.ErrorMessage)
		}
	}

	incidents, err := mem.ListIncidents(ctx, tgt.ID, 0)
	if err != nil {
		t.Fatalf("listing incidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected exactly 1 incident after the full cycle, got %d", len(incidents))
	}
	inc := incidents[0]
	if inc.Open() {
		t.Errorf("incident %s should be resolved after the recovery check", inc.ID)
	}
	if inc.StartCheckID == "" || inc.EndCheckID == "" {
		t.Errorf("incident should reference both boundary checks, got start=%q end=%q", inc.StartCheckID, inc.EndCheckID)
	}

	sent := email.snapshot()
	if len(sent) != 2 {
		t.Fatalf("expected a DOWN and an UP email, got %d: %v", len(sent), sent)
	}
	if !strings.Contains(sent[0], "DOWN") {
		t.Errorf("first email should announce DOWN, got %q", sent[0])
	}
	if !strings.Contains(sent[1], "UP") {
		t.Errorf("second email should announce recovery, got %q", sent[1])
	}

	var opened, resolved bool
	for _, topic := range push.snapshot() {
		if strings.HasPrefix(topic, "incident:opened/") {
			opened = true
		}
		if strings.HasPrefix(topic, "incident:resolved/") {
			resolved = true
		}
	}
	if !opened || !resolved {
		t.Errorf("push fabric should see both incident transitions, opened=%v resolved=%v", opened, resolved)
	}
}

// =============================================================================
// 2. GATEWAY COOLDOWN — repeat submissions carry the remaining wait
// =============================================================================

type okRunner struct{}

func (okRunner) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	return core.CheckOutcome{Success: true, StatusCode: 200, ResponseTimeMs: 40}
}

type passSink struct{}

func (passSink) Process(ctx context.Context, res ingest.Result) (*core.Check, error) {
	return &core.Check{ID: core.NewID("chk"), TargetID: res.Target.ID, Success: res.Outcome.Success}, nil
}

func TestGatewayCooldownWindow(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	tgt := &core.Target{
		ID: "tgt-cool", OwnerID: "own-1", Name: "API", URL: "https://api.example.com",
		Kind: core.KindHTTPS, IntervalSec: 60, TimeoutMs: 5000, Active: true,
		Regions: []string{"eu-west"}, AlertThreshold: 3, RecoveryThreshold: 1,
		CreatedAt: time.Now(), Version: 1,
	}
	mustTarget(t, mem, tgt)

	var mu sync.Mutex
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	gw := gateway.New(mem, mem, okRunner{}, passSink{}, nil,
		gateway.WithCooldown(300*time.Second), gateway.WithClock(clock))

	if _, err := gw.SubmitProbe(ctx, "prb-1", tgt.ID, "berlin", nil); err != nil {
		t.Fatalf("first submission should be accepted: %v", err)
	}

	advance(200 * time.Second)
	_, err := gw.SubmitProbe(ctx, "prb-1", tgt.ID, "berlin", nil)
	if err == nil {
		t.Fatal("submission inside the cooldown window should be rejected")
	}
	if !core.IsKind(err, core.Conflict) {
		t.Fatalf("cooldown rejection should be a Conflict, got kind %q", core.KindOf(err))
	}
	remaining := core.RetryAfterOf(err)
	if remaining < 99*time.Second || remaining > 101*time.Second {
		t.Errorf("expected ~100s remaining cooldown, got %s", remaining)
	}

	// A different prober is not throttled by prb-1's window.
	if _, err := gw.SubmitProbe(ctx, "prb-2", tgt.ID, "paris", nil); err != nil {
		t.Errorf("other prober should not share the cooldown: %v", err)
	}

	// After the window expires the original prober can submit again.
	advance(101 * time.Second)
	if _, err := gw.SubmitProbe(ctx, "prb-1", tgt.ID, "berlin", nil); err != nil {
		t.Errorf("post-cooldown submission should be accepted: %v", err)
	}
}

// =============================================================================
// 3. PAYMENT IDEMPOTENCE — redelivered credits apply exactly once
// =============================================================================

func TestPaymentCreditIdempotentUnderRedelivery(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	check := &core.Check{
		ID: "chk-pay-1", TargetID: "tgt-pay", OwnerID: "own-1",
		Success: true, StatusCode: 200, ResponseTimeMs: 50,
		Location: "berlin", ProberID: "prb-pay", Timestamp: time.Now(),
	}
	if err := mem.SaveCheck(ctx, check); err != nil {
		t.Fatalf("seeding check: %v", err)
	}

	d := payments.NewDispatcher(mem, mem, nil, nil, nil, 2,
		payments.WithRetrySchedule([]time.Duration{time.Millisecond}))
	d.Enqueue(check, "prb-pay")
	d.Enqueue(check, "prb-pay")
	d.Enqueue(check, "prb-pay")
	d.Close()

	wallet, err := mem.GetWallet(ctx, "prb-pay")
	if err != nil {
		t.Fatalf("loading wallet: %v", err)
	}
	if wallet.BalanceMinorUnits != payments.DefaultAmountMinorUnits {
		t.Errorf("three deliveries of one check should credit once: balance %d, want %d",
			wallet.BalanceMinorUnits, payments.DefaultAmountMinorUnits)
	}

	ledger, err := mem.ListLedger(ctx, "prb-pay", 0)
	if err != nil {
		t.Fatalf("listing ledger: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(ledger))
	}
	if ledger[0].CheckID != check.ID {
		t.Errorf("ledger entry keyed by wrong check: %s", ledger[0].CheckID)
	}

	settled, err := mem.GetCheck(ctx, check.ID)
	if err != nil {
		t.Fatalf("reloading check: %v", err)
	}
	if !settled.PaymentSettled {
		t.Error("check should be flagged settled after the credit")
	}
}

// =============================================================================
// 4. HTTP EXECUTOR — status mismatch is a failed check, not an error
// =============================================================================

func TestHTTPProbeStatusMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	reg := probe.NewRegistry(4, false)
	tgt := &core.Target{
		ID: "tgt-http", OwnerID: "own-1", URL: ts.URL, Kind: core.KindHTTP,
		IntervalSec: 60, TimeoutMs: 5000, ExpectedStatusCode: 200,
		Regions: []string{"local"}, Active: true,
	}

	out := reg.Execute(context.Background(), tgt, "local")
	if out.Success {
		t.Fatal("a 503 against expected 200 must not be a success")
	}
	if out.ErrorKind != core.ErrKindStatusMismatch {
		t.Errorf("expected error kind %q, got %q", core.ErrKindStatusMismatch, out.ErrorKind)
	}
	if out.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("outcome should carry the observed status, got %d", out.StatusCode)
	}
	if out.ErrorMessage == "" {
		t.Error("status mismatch should carry a message")
	}
}

// =============================================================================
// 5. SSL EXECUTOR — expired certificate reported as cert_expired
// =============================================================================

func expiredCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-48 * time.Hour),
		NotAfter:     time.Now().Add(-24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestSSLProbeExpiredCertificate(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{expiredCert(t)}}
	ts.StartTLS()
	defer ts.Close()

	reg := probe.NewRegistry(4, false)
	tgt := &core.Target{
		ID: "tgt-ssl", OwnerID: "own-1", URL: ts.URL, Kind: core.KindSSL,
		IntervalSec: 60, TimeoutMs: 5000, Regions: []string{"local"}, Active: true,
	}

	out := reg.Execute(context.Background(), tgt, "local")
	if out.Success {
		t.Fatal("handshake against an expired certificate must fail the check")
	}
	if out.ErrorKind != core.ErrKindCertExpired {
		t.Errorf("expected error kind %q, got %q (msg %q)", core.ErrKindCertExpired, out.ErrorKind, out.ErrorMessage)
	}
}

// =============================================================================
// 6. MID-FLIGHT DEACTIVATION — in-flight result lands, no new slots fire
// =============================================================================

// blockingRunner parks until released, then reports a failure.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return core.CheckOutcome{Success: false, ErrorKind: core.ErrKindTimeout, ErrorMessage: "request deadline exceeded"}
}

func TestDeactivationWithProbeInFlight(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	var mu sync.Mutex
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	proc := ingest.NewProcessor(mem, mem, nil, nil, nil, nil, nil, ingest.WithShardCount(1))
	defer proc.Close()

	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	ticks := make(chan time.Time)
	sched := scheduler.New(mem, mem, runner, proc, nil,
		scheduler.WithClock(clock), scheduler.WithTickChannel(ticks))

	svc := service.NewTargets(mem, sched, nil, service.Defaults{})
	tgt, err := svc.Create(ctx, &core.Target{
		OwnerID: "own-1", Name: "Flaky", URL: "https://flaky.example.com",
		Kind: core.KindHTTPS, IntervalSec: 60, TimeoutMs: 5000,
		Regions: []string{"us-east"}, AlertThreshold: 1, RecoveryThreshold: 1,
	})
	if err != nil {
		t.Fatalf("creating target: %v", err)
	}

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("starting scheduler: %v", err)
	}
	defer func() {
		select {
		case <-runner.release:
		default:
			close(runner.release)
		}
		sched.Stop()
	}()

	ticks <- time.Now() // target due immediately on startup
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never fired the due probe")
	}

	// Deactivate while the probe is still blocked in the runner.
	if err := svc.Deactivate(ctx, tgt.ID, "own-1", core.RoleOwner); err != nil {
		t.Fatalf("deactivating target: %v", err)
	}

	close(runner.release)

	// The in-flight result still lands and, with threshold 1, opens an incident.
	deadline := time.Now().Add(5 * time.Second)
	var checks []*core.Check
	for time.Now().Before(deadline) {
		checks, err = mem.ListChecks(ctx, tgt.ID, time.Time{})
		if err != nil {
			t.Fatalf("listing checks: %v", err)
		}
		if len(checks) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(checks) != 1 {
		t.Fatalf("in-flight probe should persist exactly one check, got %d", len(checks))
	}

	open, err := mem.GetOpenIncident(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("loading open incident: %v", err)
	}
	if open == nil {
		t.Fatal("landing failure should have opened an incident")
	}

	// Ticks well past the old interval fire nothing for the removed target.
	for i := 0; i < 3; i++ {
		advance(2 * time.Minute)
		ticks <- time.Now()
	}
	if n := sched.PendingTargets(); n != 0 {
		t.Errorf("deactivated target should leave the schedule, %d entries remain", n)
	}

	after, err := mem.ListChecks(ctx, tgt.ID, time.Time{})
	if err != nil {
		t.Fatalf("re-listing checks: %v", err)
	}
	if len(after) != 1 {
		t.Errorf("no new probes should run after deactivation, got %d checks", len(after))
	}

	// The incident stays open: resolution requires future successes, which a
	// paused target never produces.
	still, err := mem.GetOpenIncident(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("reloading open incident: %v", err)
	}
	if still == nil {
		t.Error("incident should remain open after deactivation")
	}
}
