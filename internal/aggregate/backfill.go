package aggregate

import (
	"fmt"
	"time"

	"github.com/robertlestak/contract-txcache/internal/daystatus"
	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

// Range is an inclusive span of UTC day keys.
type Range struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Days returns every day key in r, oldest first.
func (r Range) Days() ([]string, error) {
	from, err := schema.DayStart(r.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from %q: %w", r.From, err)
	}
	to, err := schema.DayStart(r.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to %q: %w", r.To, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range %s..%s is reversed", r.From, r.To)
	}
	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(schema.DayKeyLayout))
	}
	return days, nil
}

// Start is midnight UTC of the first day. r must have passed Days; an
// unparseable From yields the zero time.
func (r Range) Start() time.Time {
	t, _ := schema.DayStart(r.From)
	return t
}

// End is midnight UTC after the last day. r must have passed Days.
func (r Range) End() time.Time {
	t, _ := schema.DayStart(r.To)
	return t.AddDate(0, 0, 1)
}

// Backfill merges a cursor-bypassing rescan of r into prev. Inside the hourly
// window records are merged by hash; outside it a day keeps the larger of its
// stored total and the recount. A rescan never lowers a total, and
// rescanning unchanged days reproduces the same snapshot. coveredFrom is the
// earliest instant the scan is known to have seen everything after: days
// starting at or after it are labelled from the scan, earlier ones partial.
// Days under manual_override are left alone. The cursor never moves.
func (e *Engine) Backfill(prev *schema.Snapshot, records []schema.Transaction, r Range, coveredFrom time.Time) (*schema.Snapshot, Result, error) {
	l := log.WithFields(log.Fields{
		"package": "aggregate",
		"func":    "Backfill",
		"from":    r.From,
		"to":      r.To,
	})
	days, err := r.Days()
	if err != nil {
		return nil, Result{}, err
	}
	now := e.now()
	ws := e.windowStart(now)
	today := now.Format(schema.DayKeyLayout)

	type recount struct {
		total  int64
		byHash map[string]int
	}
	counts := map[string]*recount{}
	seen := map[string]bool{}
	var res Result
	for _, t := range records {
		if t.DayKey < r.From || t.DayKey > r.To {
			res.Rejected++
			continue
		}
		if seen[t.Hash] {
			res.Duplicates++
			continue
		}
		seen[t.Hash] = true
		c := counts[t.DayKey]
		if c == nil {
			c = &recount{byHash: map[string]int{}}
			counts[t.DayKey] = c
		}
		c.total++
		c.byHash[t.Hash] = t.Hour
	}

	next := prev.Clone()
	for _, day := range days {
		existingStatus, exists := next.DailyStatus[day]
		if existingStatus == schema.StatusManualOverride {
			continue
		}
		start, _ := schema.DayStart(day)
		covered := !start.Before(coveredFrom)
		elapsed := day < today
		inWindow := day >= ws
		c := counts[day]
		if c == nil {
			c = &recount{byHash: map[string]int{}}
		}

		var total int64
		if inWindow {
			total = next.DailyTotals[day]
			hourly := next.RecentHourly[day]
			for h, hour := range c.byHash {
				if next.HasHash(day, h) {
					continue
				}
				next.AddHash(day, h)
				hourly[hour]++
				total++
			}
			next.RecentHourly[day] = hourly
		} else {
			total = next.DailyTotals[day]
			if c.total > total {
				total = c.total
			}
		}

		status := daystatus.ForBackfill(existingStatus, total, covered, elapsed)
		if total == 0 && status != schema.StatusNoActivity && !exists {
			delete(next.RecentHourly, day)
			delete(next.RecentHashes, day)
			continue
		}
		if total == 0 && inWindow {
			delete(next.RecentHourly, day)
			delete(next.RecentHashes, day)
		}
		res.Applied += int(total - prev.DailyTotals[day])
		next.DailyTotals[day] = total
		next.DailyStatus[day] = status
	}

	kept := next.Gaps[:0:0]
	for _, g := range next.Gaps {
		if !g.FromTime.Before(coveredFrom) && g.ToTime.Before(r.End()) {
			l.Infof("resolved gap blocks %d..%d", g.FromBlock, g.ToBlock)
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		kept = nil
	}
	next.Gaps = kept

	e.finish(next, now)
	l.Infof("backfilled days=%d records=%d net=%d duplicates=%d outside=%d", len(days), len(seen), res.Applied, res.Duplicates, res.Rejected)
	return next, res, nil
}
