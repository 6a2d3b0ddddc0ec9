// Package daystatus derives the lifecycle label of each daily bucket.
//
//	current  -> complete         live, once the day elapsed, coverage passed its end
//	                             and no recorded gap overlaps it
//	*        -> no_activity      backfill only, zero matches on a full scan
//	*        -> partial          backfill only, coverage unproven
//	*        -> manual_override  administrative call only, never revised
package daystatus

import (
	"sort"
	"time"

	"github.com/robertlestak/contract-txcache/internal/schema"
)

// Relabel applies the automatic transitions to s in place. s must be a
// snapshot the caller owns.
func Relabel(s *schema.Snapshot, now time.Time) {
	today := now.UTC().Format(schema.DayKeyLayout)
	for day := range s.DailyTotals {
		st, ok := s.DailyStatus[day]
		if !ok || st == "" {
			st = schema.StatusCurrent
		}
		if st == schema.StatusCurrent && day < today && confirmedPast(s, day) {
			st = schema.StatusComplete
		}
		s.DailyStatus[day] = st
	}
	for day := range s.DailyStatus {
		if _, ok := s.DailyTotals[day]; !ok {
			delete(s.DailyStatus, day)
		}
	}
}

// confirmedPast reports whether the cursor or a complete live scan reached
// the start of the following day, with no recorded gap cutting through it.
func confirmedPast(s *schema.Snapshot, day string) bool {
	start, err := schema.DayStart(day)
	if err != nil {
		return false
	}
	next := start.AddDate(0, 0, 1)
	for _, g := range s.Gaps {
		// records missed by a gap lie strictly between its bounds
		if g.FromTime.Before(next) && g.ToTime.After(start) {
			return false
		}
	}
	return !s.Cursor.LastProcessedTime.Before(next) || !s.ScannedThrough.Before(next)
}

// ForBackfill returns the label a backfill assigns to a day it scanned.
func ForBackfill(existing schema.DayStatus, count int64, fullyCovered, elapsed bool) schema.DayStatus {
	switch {
	case existing == schema.StatusManualOverride:
		return existing
	case !fullyCovered:
		if existing == schema.StatusComplete {
			return existing
		}
		return schema.StatusPartial
	case !elapsed:
		return schema.StatusCurrent
	case count == 0:
		return schema.StatusNoActivity
	default:
		return schema.StatusComplete
	}
}

// Stats returns the number of days with activity, the average over complete
// days and the derived insights. The earliest complete day is dropped as a
// launch day when more than one exists.
func Stats(s *schema.Snapshot) (daysActive int, dailyAverage float64, in schema.Insights) {
	var complete []string
	for day, n := range s.DailyTotals {
		if n > 0 {
			daysActive++
		}
		if s.DailyStatus[day] == schema.StatusComplete {
			complete = append(complete, day)
		}
	}
	in.PeakHours, in.QuietHours = Hours(s.RecentHourly)
	if len(complete) == 0 {
		return daysActive, 0, in
	}
	sort.Strings(complete)
	if len(complete) > 1 {
		complete = complete[1:]
	}

	volumes := make([]int64, len(complete))
	var sum int64
	var weekday, weekend []int64
	for i, day := range complete {
		n := s.DailyTotals[day]
		volumes[i] = n
		sum += n
		if isWeekend(day) {
			weekend = append(weekend, n)
		} else {
			weekday = append(weekday, n)
		}
	}
	in.MinDaily, in.MaxDaily = volumes[0], volumes[0]
	for _, n := range volumes[1:] {
		if n < in.MinDaily {
			in.MinDaily = n
		}
		if n > in.MaxDaily {
			in.MaxDaily = n
		}
	}
	in.MovingAverage7 = trailingMean(volumes, 7)
	in.MovingAverage30 = trailingMean(volumes, 30)
	in.WeekdayAverage = mean(weekday)
	in.WeekendAverage = mean(weekend)
	if in.WeekdayAverage > 0 {
		in.WeekendRatio = in.WeekendAverage / in.WeekdayAverage
	}
	return daysActive, float64(sum) / float64(len(complete)), in
}

// Hours returns the three busiest and the three quietest hours of day summed
// over hourly, each in hour order. Both are nil when hourly holds no counts.
func Hours(hourly map[string][24]int64) (peak, quiet []int) {
	var totals [24]int64
	var any bool
	for _, h := range hourly {
		for i, n := range h {
			totals[i] += n
			if n != 0 {
				any = true
			}
		}
	}
	if !any {
		return nil, nil
	}
	order := make([]int, 24)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return totals[order[a]] > totals[order[b]] })
	peak = append([]int(nil), order[:3]...)
	sort.SliceStable(order, func(a, b int) bool {
		if totals[order[a]] != totals[order[b]] {
			return totals[order[a]] < totals[order[b]]
		}
		return order[a] < order[b]
	})
	quiet = append([]int(nil), order[:3]...)
	sort.Ints(peak)
	sort.Ints(quiet)
	return peak, quiet
}

// trailingMean averages the last n values, or all of them when fewer exist.
func trailingMean(v []int64, n int) float64 {
	if len(v) > n {
		v = v[len(v)-n:]
	}
	return mean(v)
}

func mean(v []int64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum int64
	for _, n := range v {
		sum += n
	}
	return float64(sum) / float64(len(v))
}

func isWeekend(day string) bool {
	t, err := schema.DayStart(day)
	if err != nil {
		return false
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
