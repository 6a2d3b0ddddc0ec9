// Package aggregate folds accepted transactions into daily, hourly and
// monthly totals. Every operation returns a new snapshot and leaves its input
// untouched.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/robertlestak/contract-txcache/internal/cursor"
	"github.com/robertlestak/contract-txcache/internal/daystatus"
	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

// Engine holds the retention settings shared by every apply.
type Engine struct {
	// Window is the number of most recent UTC days, today included, that keep
	// hour-level detail and the hash index.
	Window int
	Now    func() time.Time
}

// New returns an Engine keeping hourly detail for window days.
func New(window int) *Engine {
	if window < 1 {
		window = 1
	}
	return &Engine{Window: window, Now: time.Now}
}

// Result counts what an apply did with its batch.
type Result struct {
	Applied    int
	Duplicates int
	Rejected   int
}

// Coverage describes what a live scan proved about the history.
type Coverage struct {
	// ScannedThrough is set when the scan reached the cursor without
	// truncation: everything before it has been seen.
	ScannedThrough time.Time
	// Gap is set when the scan stopped short of the cursor.
	Gap *schema.Gap
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// windowStart is the first day key that keeps hourly detail.
func (e *Engine) windowStart(now time.Time) string {
	return now.AddDate(0, 0, -(e.Window - 1)).Format(schema.DayKeyLayout)
}

// Apply folds a live batch into prev. Records at or behind the cursor, or
// whose hash is already indexed, are no-ops, so applying the same batch twice
// yields the same snapshot.
func (e *Engine) Apply(prev *schema.Snapshot, batch []schema.Transaction, cov Coverage) (*schema.Snapshot, Result) {
	l := log.WithFields(log.Fields{
		"package": "aggregate",
		"func":    "Apply",
	})
	now := e.now()
	ws := e.windowStart(now)
	next := prev.Clone()
	var res Result

	ordered := append([]schema.Transaction(nil), batch...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return cursor.Compare(ordered[i], cursor.Of(ordered[j])) < 0
	})
	for _, t := range ordered {
		if next.HasHash(t.DayKey, t.Hash) {
			res.Duplicates++
			continue
		}
		if !cursor.Accepts(next.Cursor, t) {
			res.Rejected++
			continue
		}
		next.DailyTotals[t.DayKey]++
		if t.DayKey >= ws {
			h := next.RecentHourly[t.DayKey]
			h[t.Hour]++
			next.RecentHourly[t.DayKey] = h
			next.AddHash(t.DayKey, t.Hash)
		}
		next.Cursor = cursor.Advance(next.Cursor, []schema.Transaction{t})
		res.Applied++
	}
	if !cov.ScannedThrough.IsZero() && cov.ScannedThrough.After(next.ScannedThrough) {
		next.ScannedThrough = cov.ScannedThrough.UTC()
	}
	if cov.Gap != nil {
		next.Gaps = append(next.Gaps, *cov.Gap)
		l.Warnf("recorded gap blocks %d..%d", cov.Gap.FromBlock, cov.Gap.ToBlock)
	}
	e.finish(next, now)
	l.Debugf("applied=%d duplicates=%d rejected=%d cursor=%d", res.Applied, res.Duplicates, res.Rejected, next.Cursor.LastBlockNumber)
	return next, res
}

// Override sets an operator-asserted total for day and labels it
// manual_override. Automatic transitions never touch it afterwards.
func (e *Engine) Override(prev *schema.Snapshot, day string, total int64) (*schema.Snapshot, error) {
	if _, err := schema.DayStart(day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}
	if total < 0 {
		return nil, fmt.Errorf("invalid total %d", total)
	}
	next := prev.Clone()
	next.DailyTotals[day] = total
	next.DailyStatus[day] = schema.StatusManualOverride
	e.finish(next, e.now())
	return next, nil
}

// Reconcile stores the authoritative upstream total next to the observed sum.
// Daily totals are never adjusted to match.
func (e *Engine) Reconcile(prev *schema.Snapshot, authoritative int64) *schema.Snapshot {
	now := e.now()
	next := prev.Clone()
	next.TotalTransactions = authoritative
	next.LastReconciled = now
	e.finish(next, now)
	return next
}

// finish restores every derived field of s.
func (e *Engine) finish(s *schema.Snapshot, now time.Time) {
	ws := e.windowStart(now)
	for day := range s.RecentHourly {
		if day < ws {
			delete(s.RecentHourly, day)
		}
	}
	for day := range s.RecentHashes {
		if day < ws {
			delete(s.RecentHashes, day)
		}
	}

	months := make(map[string]int64, len(s.MonthlyTotals))
	for day, n := range s.DailyTotals {
		months[schema.MonthKey(day)] += n
	}
	s.MonthlyTotals = months

	daystatus.Relabel(s, now)
	s.TotalDaysActive, s.DailyAverage, s.Insights = daystatus.Stats(s)

	s.ObservedTotal = s.SumDaily()
	if s.LastReconciled.IsZero() {
		s.TotalTransactions = s.ObservedTotal
	}
	s.Drift = s.TotalTransactions - s.ObservedTotal
	s.SchemaVersion = schema.SchemaVersion
	s.LastUpdate = now
	s.Integrity = ""
}
