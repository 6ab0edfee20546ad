// Package stats computes the read-side summary for a target: uptime over a
// window, response-time aggregates, per-day rollups and incident history.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// DefaultWindowDays is used when the caller does not pick a window.
const DefaultWindowDays = 7

// recentResolvedLimit caps the resolved-incident tail in a stats response.
const recentResolvedLimit = 10

// DayRollup aggregates one UTC day inside the window. Days without checks
// are omitted entirely.
type DayRollup struct {
	Date             string  `json:"date"` // YYYY-MM-DD, UTC
	TotalChecks      int     `json:"total_checks"`
	SuccessfulChecks int     `json:"successful_checks"`
	UptimePct        float64 `json:"uptime_pct"`
	AvgResponseMs    float64 `json:"avg_response_ms"`
}

// TargetStats is the full read-side view of one target.
type TargetStats struct {
	TargetID         string  `json:"target_id"`
	WindowDays       int     `json:"window_days"`
	TotalChecks      int     `json:"total_checks"`
	SuccessfulChecks int     `json:"successful_checks"`
	UptimePct        float64 `json:"uptime_pct"`

	// Response aggregates are nil when the window holds no checks.
	AvgResponseMs *float64 `json:"avg_response_ms"`
	MinResponseMs *int64   `json:"min_response_ms"`
	MaxResponseMs *int64   `json:"max_response_ms"`

	Days []DayRollup `json:"days"`

	// CurrentStatus is "up", "down" or "unknown" (no checks at all).
	CurrentStatus string `json:"current_status"`

	OpenIncident    *core.Incident   `json:"open_incident,omitempty"`
	RecentIncidents []*core.Incident `json:"recent_incidents"`
}

// View reads checks and incidents; it never writes.
type View struct {
	targets   core.TargetStore
	checks    core.CheckStore
	incidents core.IncidentStore
	now       func() time.Time
}

// NewView builds the stats reader.
func NewView(targets core.TargetStore, checks core.CheckStore, incidents core.IncidentStore) *View {
	return &View{targets: targets, checks: checks, incidents: incidents, now: time.Now}
}

// GetTargetStats summarizes the target over the past windowDays.
// windowDays <= 0 falls back to the 7-day default.
func (v *View) GetTargetStats(ctx context.Context, targetID string, windowDays int) (*TargetStats, error) {
	const op = "stats.GetTargetStats"

	if _, err := v.targets.GetTarget(ctx, targetID); err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	since := v.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	checks, err := v.checks.ListChecks(ctx, targetID, since)
	if err != nil {
		return nil, core.Ef(core.Unavailable, op, "listing checks for %s: %v", targetID, err)
	}

	stats := &TargetStats{
		TargetID:      targetID,
		WindowDays:    windowDays,
		CurrentStatus: "unknown",
		Days:          []DayRollup{},
	}
	v.aggregate(stats, checks)

	latest, err := v.checks.LatestCheck(ctx, targetID)
	if err != nil && !core.IsKind(err, core.NotFound) {
		return nil, core.Ef(core.Unavailable, op, "latest check for %s: %v", targetID, err)
	}
	if latest != nil {
		if latest.Success {
			stats.CurrentStatus = "up"
		} else {
			stats.CurrentStatus = "down"
		}
	}

	open, err := v.incidents.GetOpenIncident(ctx, targetID)
	if err != nil {
		return nil, core.Ef(core.Unavailable, op, "open incident for %s: %v", targetID, err)
	}
	stats.OpenIncident = open

	all, err := v.incidents.ListIncidents(ctx, targetID, 0)
	if err != nil {
		return nil, core.Ef(core.Unavailable, op, "incidents for %s: %v", targetID, err)
	}
	stats.RecentIncidents = make([]*core.Incident, 0, recentResolvedLimit)
	for _, inc := range all {
		if inc.Open() {
			continue
		}
		stats.RecentIncidents = append(stats.RecentIncidents, inc)
		if len(stats.RecentIncidents) == recentResolvedLimit {
			break
		}
	}
	return stats, nil
}

// ListIncidents returns incidents newest first, optionally scoped to a
// target. GetIncident fetches one by id.
func (v *View) ListIncidents(ctx context.Context, targetID string, limit int) ([]*core.Incident, error) {
	return v.incidents.ListIncidents(ctx, targetID, limit)
}

func (v *View) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	return v.incidents.GetIncident(ctx, id)
}

// aggregate fills the window totals and the per-day rollups.
func (v *View) aggregate(stats *TargetStats, checks []*core.Check) {
	if len(checks) == 0 {
		return
	}

	var (
		sum      int64
		min, max int64
		days     = make(map[string]*DayRollup)
	)
	min = checks[0].ResponseTimeMs
	max = checks[0].ResponseTimeMs

	type dayAcc struct {
		sum int64
	}
	daySums := make(map[string]*dayAcc)

	for _, c := range checks {
		stats.TotalChecks++
		if c.Success {
			stats.SuccessfulChecks++
		}
		sum += c.ResponseTimeMs
		if c.ResponseTimeMs < min {
			min = c.ResponseTimeMs
		}
		if c.ResponseTimeMs > max {
			max = c.ResponseTimeMs
		}

		date := c.Timestamp.UTC().Format("2006-01-02")
		d, ok := days[date]
		if !ok {
			d = &DayRollup{Date: date}
			days[date] = d
			daySums[date] = &dayAcc{}
		}
		d.TotalChecks++
		if c.Success {
			d.SuccessfulChecks++
		}
		daySums[date].sum += c.ResponseTimeMs
	}

	stats.UptimePct = pct(stats.SuccessfulChecks, stats.TotalChecks)
	avg := float64(sum) / float64(stats.TotalChecks)
	stats.AvgResponseMs = &avg
	stats.MinResponseMs = &min
	stats.MaxResponseMs = &max

	for date, d := range days {
		d.UptimePct = pct(d.SuccessfulChecks, d.TotalChecks)
		d.AvgResponseMs = float64(daySums[date].sum) / float64(d.TotalChecks)
		stats.Days = append(stats.Days, *d)
	}
	sort.Slice(stats.Days, func(i, j int) bool { return stats.Days[i].Date < stats.Days[j].Date })
}

func pct(ok, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total) * 100
}
