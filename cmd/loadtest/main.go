// loadtest drives synthetic community-prober traffic at a running engine:
// each worker lists available targets and submits probes, and the run ends
// with a latency histogram summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchmesh/backend/pkg/sdk"
)

type loadStats struct {
	Submissions uint64
	Accepted    uint64
	Cooldowns   uint64
	RateLimited uint64
	Errors      uint64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "engine base URL")
	probers := flag.Int("probers", 20, "concurrent synthetic probers")
	perProber := flag.Int("submissions", 50, "submissions attempted per prober")
	pause := flag.Duration("pause", 100*time.Millisecond, "pause between submissions per prober")
	flag.Parse()

	slog.Info("🚀 Starting watchmesh load test",
		"url", *baseURL, "probers", *probers, "submissions_per_prober", *perProber)

	stats := &loadStats{}
	var latMu sync.Mutex
	var latencies []time.Duration

	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *probers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client := sdk.NewClient(*baseURL, fmt.Sprintf("prb-load-%03d", worker))

			for n := 0; n < *perProber; n++ {
				targets, err := client.ListAvailable(ctx)
				if err != nil {
					atomic.AddUint64(&stats.Errors, 1)
					time.Sleep(*pause)
					continue
				}
				if len(targets) == 0 {
					time.Sleep(*pause)
					continue
				}

				target := targets[n%len(targets)]
				atomic.AddUint64(&stats.Submissions, 1)

				began := time.Now()
				_, err = client.Submit(ctx, target.ID, "loadtest", nil)
				elapsed := time.Since(began)

				switch {
				case err == nil:
					atomic.AddUint64(&stats.Accepted, 1)
					latMu.Lock()
					latencies = append(latencies, elapsed)
					latMu.Unlock()
				case sdk.IsCooldown(err):
					atomic.AddUint64(&stats.Cooldowns, 1)
				default:
					if apiErr, ok := err.(*sdk.APIError); ok && apiErr.StatusCode == 429 {
						atomic.AddUint64(&stats.RateLimited, 1)
					} else {
						atomic.AddUint64(&stats.Errors, 1)
					}
				}
				time.Sleep(*pause)
			}
		}(i)
	}
	wg.Wait()
	total := time.Since(start)

	fmt.Println("---------------------------------------------------------")
	fmt.Printf("Duration:       %s\n", total.Round(time.Millisecond))
	fmt.Printf("Submissions:    %d\n", stats.Submissions)
	fmt.Printf("Accepted:       %d\n", stats.Accepted)
	fmt.Printf("Cooldowns:      %d\n", stats.Cooldowns)
	fmt.Printf("Rate limited:   %d\n", stats.RateLimited)
	fmt.Printf("Errors:         %d\n", stats.Errors)
	if stats.Accepted > 0 {
		fmt.Printf("Throughput:     %.1f accepted/s\n", float64(stats.Accepted)/total.Seconds())
	}
	printLatencies(latencies)
}

func printLatencies(latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	fmt.Println("Latency:")
	fmt.Printf("  avg: %s\n", (sum / time.Duration(len(latencies))).Round(time.Millisecond))
	fmt.Printf("  p50: %s\n", percentile(latencies, 50).Round(time.Millisecond))
	fmt.Printf("  p95: %s\n", percentile(latencies, 95).Round(time.Millisecond))
	fmt.Printf("  p99: %s\n", percentile(latencies, 99).Round(time.Millisecond))
	fmt.Printf("  max: %s\n", latencies[len(latencies)-1].Round(time.Millisecond))
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
