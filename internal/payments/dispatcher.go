// Package payments settles micro-payments for accepted community probes.
// Credits are keyed by check id, so redelivery after a crash or retry can
// never double-pay a prober.
package payments

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/events"
	"github.com/watchmesh/backend/internal/metrics"
	"github.com/watchmesh/backend/internal/monitoring"
)

// DefaultAmountMinorUnits is the reward per accepted community probe.
const DefaultAmountMinorUnits = 5

// defaultRetrySchedule spaces the credit retries after store failures.
var defaultRetrySchedule = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
}

type task struct {
	check    *core.Check
	proberID string
}

// Dispatcher drains a queue of credit tasks with a small worker pool. Each
// task ends in exactly one of: credited (new ledger row + settled check),
// duplicate (ledger row already there, check settled), or exhausted (all
// retries failed, paymentSettled stays false and the operator is alerted).
type Dispatcher struct {
	wallets core.WalletStore
	checks  core.CheckStore
	emitter events.EventEmitter
	metrics *metrics.Metrics
	alerts  *monitoring.AlertBook
	logger  *log.Logger

	amount   int64
	schedule []time.Duration
	tasks    chan task
	wg       sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Option tweaks dispatcher construction.
type Option func(*Dispatcher)

// WithAmount overrides the per-probe reward in minor units.
func WithAmount(minorUnits int64) Option {
	return func(d *Dispatcher) {
		if minorUnits > 0 {
			d.amount = minorUnits
		}
	}
}

// WithRetrySchedule replaces the retry delays; tests shrink them.
func WithRetrySchedule(delays []time.Duration) Option {
	return func(d *Dispatcher) { d.schedule = delays }
}

// WithQueueSize resizes the task buffer.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.tasks = make(chan task, n)
		}
	}
}

// NewDispatcher starts the credit workers. emitter, m and alerts may be nil.
func NewDispatcher(wallets core.WalletStore, checks core.CheckStore, emitter events.EventEmitter, m *metrics.Metrics, alerts *monitoring.AlertBook, workers int, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		wallets:  wallets,
		checks:   checks,
		emitter:  emitter,
		metrics:  m,
		alerts:   alerts,
		logger:   log.New(log.Writer(), "[PAYMENTS] ", log.LstdFlags),
		amount:   DefaultAmountMinorUnits,
		schedule: defaultRetrySchedule,
		tasks:    make(chan task, 1024),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.emitter == nil {
		d.emitter = events.NopEmitter{}
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Printf("🚀 Payment dispatcher started with %d workers (%d minor units per probe)", workers, d.amount)
	return d
}

// Enqueue queues a credit for one accepted community probe. Never blocks
// the result path: a full queue drops the task and alerts instead.
func (d *Dispatcher) Enqueue(check *core.Check, proberID string) {
	select {
	case d.tasks <- task{check: check, proberID: proberID}:
	default:
		d.logger.Printf("❌ Payment queue full, dropping credit for check %s", check.ID)
		d.recordPayment("failed")
		if d.alerts != nil {
			d.alerts.Raise("payments", monitoring.SeverityCritical, "payment queue full, credits dropped")
		}
	}
}

// Close stops accepting work and drains the queue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.tasks) })
	d.wg.Wait()
	d.cancel()
	d.logger.Printf("✅ Payment dispatcher drained")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.settle(t)
	}
}

// settle runs the credit with retries. The ledger insert and balance bump
// are one atomic store operation; settling the check flag afterwards is
// safe to repeat because it is a false→true latch.
func (d *Dispatcher) settle(t task) {
	entry := &core.LedgerEntry{
		CheckID:          t.check.ID,
		ProberID:         t.proberID,
		AmountMinorUnits: d.amount,
		CreditedAt:       time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= len(d.schedule); attempt++ {
		if attempt > 0 {
			if d.metrics != nil {
				d.metrics.PaymentRetries.Inc()
			}
			select {
			case <-time.After(d.schedule[attempt-1]):
			case <-d.ctx.Done():
				return
			}
		}

		applied, err := d.wallets.Credit(d.ctx, entry)
		if err != nil {
			lastErr = err
			d.logger.Printf("⚠️ Credit attempt %d for check %s failed: %v", attempt+1, t.check.ID, err)
			continue
		}

		if err := d.checks.SettlePayment(d.ctx, t.check.ID); err != nil {
			d.logger.Printf("⚠️ Could not settle payment flag on check %s: %v", t.check.ID, err)
		}

		if !applied {
			d.logger.Printf("⚠️ Duplicate credit for check %s ignored", t.check.ID)
			d.recordPayment("duplicate")
			return
		}

		d.logger.Printf("💰 Credited %d minor units to prober %s for check %s", d.amount, t.proberID, t.check.ID)
		d.recordPayment("credited")
		d.emitter.Emit(events.TypeWalletCredited, "watchmesh/payments", t.check.TargetID, map[string]interface{}{
			"check_id":           t.check.ID,
			"prober_id":          t.proberID,
			"amount_minor_units": d.amount,
		})
		return
	}

	// Retries exhausted: the check keeps paymentSettled=false so a later
	// reconciliation can find it, and the operator hears about it now.
	d.logger.Printf("❌ Credit for check %s exhausted retries: %v", t.check.ID, lastErr)
	d.recordPayment("failed")
	if d.alerts != nil {
		d.alerts.Raise("payments", monitoring.SeverityCritical, "wallet credit retries exhausted")
	}
	d.emitter.Emit(events.TypePaymentFailed, "watchmesh/payments", t.check.TargetID, map[string]interface{}{
		"check_id":  t.check.ID,
		"prober_id": t.proberID,
		"error":     lastErr.Error(),
	})
}

func (d *Dispatcher) recordPayment(result string) {
	if d.metrics != nil {
		d.metrics.RecordPayment(result)
	}
}
