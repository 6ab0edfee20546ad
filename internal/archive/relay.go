// Package archive relays persisted checks to an external archive service
// over gRPC, fire-and-forget, and derives daily Merkle roots over the
// archived check ids for tamper-evident uptime attestations.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/watchmesh/backend/internal/circuitbreaker"
	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/pb"
)

const defaultQueueSize = 1024

// Relay ships checks to the archive without ever blocking the result
// pipeline: a full queue drops the oldest intent silently, the breaker
// sheds sends while the archive is down.
type Relay struct {
	client  pb.CheckArchiveClient
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	queue chan *core.Check
	wg    sync.WaitGroup

	cancel    context.CancelFunc
	closeOnce sync.Once

	mu   sync.Mutex
	days map[string][]string // YYYY-MM-DD -> archived check ids
}

func NewRelay(client pb.CheckArchiveClient, breaker *circuitbreaker.Breaker) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		client:  client,
		breaker: breaker,
		logger:  slog.Default().With("component", "archive"),
		queue:   make(chan *core.Check, defaultQueueSize),
		cancel:  cancel,
		days:    make(map[string][]string),
	}
	r.wg.Add(1)
	go r.run(ctx)
	return r
}

// Submit enqueues a check for archival. Never blocks; a full queue drops
// the check (the archive is best-effort, the store of record is primary).
func (r *Relay) Submit(check *core.Check) {
	select {
	case r.queue <- check:
	default:
		r.logger.Warn("archive queue full, dropping check", "check_id", check.ID)
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued.
			for {
				select {
				case check := <-r.queue:
					r.ship(context.Background(), check)
				default:
					return
				}
			}
		case check := <-r.queue:
			r.ship(ctx, check)
		}
	}
}

func (r *Relay) ship(ctx context.Context, check *core.Check) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.breaker.Do(sendCtx, func(ctx context.Context) error {
		_, err := r.client.ArchiveCheck(ctx, &pb.ArchivedCheck{
			CheckId:        check.ID,
			TargetId:       check.TargetID,
			Success:        check.Success,
			StatusCode:     int32(check.StatusCode),
			ResponseTimeMs: check.ResponseTimeMs,
			ErrorKind:      check.ErrorKind,
			Location:       check.Location,
			ProberId:       check.ProberID,
			Timestamp:      timestamppb.New(check.Timestamp),
		})
		return err
	})
	if err != nil {
		r.logger.Warn("archive send failed", "check_id", check.ID, "error", err)
		return
	}

	day := check.Timestamp.UTC().Format("2006-01-02")
	r.mu.Lock()
	r.days[day] = append(r.days[day], check.ID)
	r.mu.Unlock()
}

// DailyRoot computes the Merkle root over the ids archived on a UTC day.
// Returns empty when nothing was archived that day.
func (r *Relay) DailyRoot(day string) (string, int) {
	r.mu.Lock()
	ids := append([]string(nil), r.days[day]...)
	r.mu.Unlock()

	if len(ids) == 0 {
		return "", 0
	}
	return merkleRoot(ids), len(ids)
}

// Close stops the worker after draining the queue.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// merkleRoot hashes the sorted ids pairwise up to a single root. An odd
// node at any level is promoted unchanged.
func merkleRoot(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	level := make([][]byte, len(sorted))
	for i, id := range sorted {
		h := sha256.Sum256([]byte(id))
		level[i] = h[:]
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			h := sha256.Sum256(append(level[i], level[i+1]...))
			next = append(next, h[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}
