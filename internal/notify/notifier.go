// Package notify delivers incident transition alerts over email and the
// live push channel. Each (incident, transition) pair is delivered at most
// once no matter how often the pipeline emits it.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/events"
	"github.com/watchmesh/backend/internal/metrics"
	"github.com/watchmesh/backend/internal/monitoring"
)

// defaultBackoff spaces email delivery retries per recipient.
var defaultBackoff = []time.Duration{
	1 * time.Second,
	4 * time.Second,
	16 * time.Second,
	60 * time.Second,
}

// Config controls notifier behavior.
type Config struct {
	EmailEnabled bool
	QueueSize    int
	// Backoff overrides the retry delays; attempts = len(Backoff). Tests
	// shrink it. Nil means the default 1s/4s/16s/60s schedule.
	Backoff []time.Duration
}

type transitionJob struct {
	transition string // "down" or "up"
	target     *core.Target
	incident   *core.Incident
	check      *core.Check // threshold-crossing check, nil on "up"
}

// Notifier runs a single delivery worker behind a bounded queue. A full
// queue drops the job with a warning rather than stalling the result path.
type Notifier struct {
	email   core.EmailSender
	push    core.PushPublisher
	emitter events.EventEmitter
	metrics *metrics.Metrics
	alerts  *monitoring.AlertBook
	logger  *log.Logger

	emailEnabled bool
	backoff      []time.Duration

	mu   sync.Mutex
	seen map[string]bool // incidentID|transition

	jobs      chan transitionJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the notifier worker. email, push, emitter, m and alerts may be
// nil; a nil channel is simply skipped.
func New(email core.EmailSender, push core.PushPublisher, emitter events.EventEmitter, m *metrics.Metrics, alerts *monitoring.AlertBook, cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	n := &Notifier{
		email:        email,
		push:         push,
		emitter:      emitter,
		metrics:      m,
		alerts:       alerts,
		logger:       log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		emailEnabled: cfg.EmailEnabled,
		backoff:      cfg.Backoff,
		seen:         make(map[string]bool),
		jobs:         make(chan transitionJob, cfg.QueueSize),
	}
	if n.emitter == nil {
		n.emitter = events.NopEmitter{}
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// NotifyDown reports an opened incident. Duplicate emissions for the same
// incident are swallowed before any send.
func (n *Notifier) NotifyDown(target *core.Target, inc *core.Incident, check *core.Check) {
	n.enqueue(transitionJob{transition: "down", target: target, incident: inc, check: check})
}

// NotifyUp reports a resolved incident.
func (n *Notifier) NotifyUp(target *core.Target, inc *core.Incident) {
	n.enqueue(transitionJob{transition: "up", target: target, incident: inc})
}

// Shutdown flushes queued jobs and stops the worker.
func (n *Notifier) Shutdown() {
	n.closeOnce.Do(func() { close(n.jobs) })
	n.wg.Wait()
	n.logger.Printf("✅ Notifier drained")
}

func (n *Notifier) enqueue(j transitionJob) {
	key := j.incident.ID + "|" + j.transition
	n.mu.Lock()
	if n.seen[key] {
		n.mu.Unlock()
		n.logger.Printf("⚠️ Duplicate %s notification for incident %s swallowed", j.transition, j.incident.ID)
		return
	}
	n.seen[key] = true
	n.mu.Unlock()

	select {
	case n.jobs <- j:
		n.setQueueGauge()
	default:
		n.logger.Printf("❌ Notification queue full, dropping %s for incident %s", j.transition, j.incident.ID)
		if n.metrics != nil {
			n.metrics.RecordNotification(j.transition, "queue", "dropped")
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for j := range n.jobs {
		n.setQueueGauge()
		n.deliver(j)
	}
}

func (n *Notifier) deliver(j transitionJob) {
	n.deliverPush(j)
	if n.emailEnabled && n.email != nil {
		n.deliverEmail(j)
	}
}

func (n *Notifier) deliverPush(j transitionJob) {
	if n.push == nil {
		return
	}
	topic := "incident:opened/" + j.target.ID
	update := &core.PushUpdate{
		TargetID:  j.target.ID,
		Status:    "down",
		Region:    j.incident.Region,
		Timestamp: j.incident.StartedAt,
		Reason:    j.incident.Reason,
	}
	if j.transition == "up" {
		topic = "incident:resolved/" + j.target.ID
		update.Status = "up"
		if j.incident.ResolvedAt != nil {
			update.Timestamp = *j.incident.ResolvedAt
		}
		update.Reason = ""
	}

	if err := n.push.Publish(context.Background(), topic, update); err != nil {
		n.logger.Printf("⚠️ Push notification for incident %s failed: %v", j.incident.ID, err)
		n.record(j.transition, "push", "failed")
		return
	}
	n.record(j.transition, "push", "sent")
}

// deliverEmail sends to every recipient with per-recipient retries. An
// exhausted recipient raises an operator alert and is dropped; the job
// never re-enters the queue.
func (n *Notifier) deliverEmail(j transitionJob) {
	recipients := Recipients(j.target)
	if len(recipients) == 0 {
		return
	}
	subject := emailSubject(j)
	body := emailBody(j)

	for _, to := range recipients {
		if n.sendWithRetry(to, subject, body) {
			n.record(j.transition, "email", "sent")
			continue
		}
		n.record(j.transition, "email", "failed")
		if n.alerts != nil {
			n.alerts.Raise("notify", monitoring.SeverityWarning, "email delivery retries exhausted")
		}
		n.emitter.Emit(events.TypeNotificationFailed, "watchmesh/notify", j.target.ID, map[string]interface{}{
			"incident_id": j.incident.ID,
			"transition":  j.transition,
			"recipient":   to,
		})
	}
}

func (n *Notifier) sendWithRetry(to, subject, body string) bool {
	var lastErr error
	for attempt := 0; attempt < len(n.backoff); attempt++ {
		if attempt > 0 {
			time.Sleep(n.backoff[attempt-1])
		}
		if err := n.email.Send(context.Background(), []string{to}, subject, body); err != nil {
			lastErr = err
			n.logger.Printf("⚠️ Email attempt %d to %s failed: %v", attempt+1, to, err)
			continue
		}
		return true
	}
	n.logger.Printf("❌ Email to %s exhausted retries: %v", to, lastErr)
	return false
}

func (n *Notifier) record(transition, channel, result string) {
	if n.metrics != nil {
		n.metrics.RecordNotification(transition, channel, result)
	}
}

func (n *Notifier) setQueueGauge() {
	if n.metrics != nil {
		n.metrics.NotifyQueueDepth.Set(float64(len(n.jobs)))
	}
}

// Recipients merges the target's alert contacts with the owner email,
// deduplicated and sorted for stable delivery order.
func Recipients(target *core.Target) []string {
	set := make(map[string]bool)
	for _, c := range target.AlertContacts {
		if c != "" {
			set[c] = true
		}
	}
	if target.OwnerEmail != "" {
		set[target.OwnerEmail] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func emailSubject(j transitionJob) string {
	if j.transition == "down" {
		return fmt.Sprintf("🔴 %s is DOWN", j.target.Name)
	}
	return fmt.Sprintf("🟢 %s is back UP", j.target.Name)
}

// emailBody renders the alert. Location fields missing from the probe
// render as "Unknown" rather than being omitted.
func emailBody(j transitionJob) string {
	var b strings.Builder

	city, country, coords := "Unknown", "Unknown", "Unknown"
	region := j.incident.Region
	if region == "" {
		region = "Unknown"
	}
	var loc *core.LocationDetails
	if j.check != nil {
		loc = j.check.LocationInfo
	}
	if loc != nil {
		if loc.City != "" {
			city = loc.City
		}
		if loc.Country != "" {
			country = loc.Country
		}
		if loc.Lat != 0 || loc.Lon != 0 {
			coords = fmt.Sprintf("%.4f, %.4f", loc.Lat, loc.Lon)
		}
	}

	fmt.Fprintf(&b, "Target:    %s (%s)\n", j.target.Name, j.target.URL)
	if j.transition == "down" {
		fmt.Fprintf(&b, "Status:    DOWN\n")
		reason := j.incident.Reason
		if reason == "" {
			reason = "Unknown"
		}
		fmt.Fprintf(&b, "Reason:    %s\n", reason)
		fmt.Fprintf(&b, "Since:     %s\n", j.incident.StartedAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "Status:    UP\n")
		resolved := time.Now()
		if j.incident.ResolvedAt != nil {
			resolved = *j.incident.ResolvedAt
		}
		fmt.Fprintf(&b, "Downtime:  %s\n", time.Duration(j.incident.DurationMs)*time.Millisecond)
		fmt.Fprintf(&b, "Resolved:  %s\n", resolved.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Region:    %s\n", region)
	fmt.Fprintf(&b, "City:      %s\n", city)
	fmt.Fprintf(&b, "Country:   %s\n", country)
	fmt.Fprintf(&b, "Coords:    %s\n", coords)
	return b.String()
}
