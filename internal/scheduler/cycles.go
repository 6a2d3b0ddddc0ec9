package scheduler

import (
	"context"
	"time"

	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/cursor"
	"github.com/robertlestak/contract-txcache/internal/schema"
	"github.com/robertlestak/contract-txcache/internal/upstream"
	log "github.com/sirupsen/logrus"
)

// refresh scans back to the cursor and folds the new records in. Any error
// leaves the published snapshot and cursor as they were.
func (s *Scheduler) refresh(ctx context.Context, l *log.Entry) error {
	prev := s.current.Load()
	started := s.opts.Now().UTC()
	opts := upstream.ScanOptions{
		Address:        s.opts.Address,
		StopBelowBlock: prev.Cursor.LastBlockNumber,
		MaxPages:       s.opts.MaxPages,
	}
	if prev.Cursor.LastBlockNumber == 0 && s.opts.InitialLookback > 0 {
		opts.Since = started.Add(-s.opts.InitialLookback)
	}
	res, err := upstream.Scan(ctx, s.opts.Source, opts)
	if err != nil {
		return err
	}

	var cov aggregate.Coverage
	if res.Truncated {
		from := prev.Cursor.LastProcessedTime
		if from.IsZero() {
			from = opts.Since
		}
		cov.Gap = &schema.Gap{
			FromBlock: prev.Cursor.LastBlockNumber,
			ToBlock:   res.Oldest.BlockNumber,
			FromTime:  from,
			ToTime:    res.Oldest.Timestamp,
		}
	} else {
		cov.ScannedThrough = started
	}

	accepted := cursor.Filter(prev.Cursor, res.Records, cursor.ModeLive)
	next, ar := s.opts.Engine.Apply(prev, accepted, cov)
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	l.Infof("scanned=%d accepted=%d applied=%d duplicates=%d cursor=%d->%d",
		len(res.Records), len(accepted), ar.Applied, ar.Duplicates,
		prev.Cursor.LastBlockNumber, next.Cursor.LastBlockNumber)
	return nil
}

// backfill rescans r with the cursor bypassed. The scan starts at the live
// edge and pages back until it is older than the first day of r.
func (s *Scheduler) backfill(ctx context.Context, l *log.Entry, r aggregate.Range) error {
	res, err := upstream.Scan(ctx, s.opts.Source, upstream.ScanOptions{
		Address:  s.opts.Address,
		Since:    r.Start(),
		MaxPages: s.opts.BackfillMaxPages,
	})
	if err != nil {
		return err
	}
	coveredFrom := r.Start()
	if res.Truncated {
		coveredFrom = r.End()
		if res.Oldest.Hash != "" && res.Oldest.Timestamp.Before(coveredFrom) {
			coveredFrom = res.Oldest.Timestamp
		}
		l.Warnf("backfill truncated at %s, older days are partial", coveredFrom.Format(time.RFC3339))
	}

	prev := s.current.Load()
	records := cursor.Filter(prev.Cursor, res.Records, cursor.ModeBackfill)
	next, ar, err := s.opts.Engine.Backfill(prev, records, r, coveredFrom)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	l.Infof("range=%s..%s scanned=%d net=%d duplicates=%d", r.From, r.To, len(res.Records), ar.Applied, ar.Duplicates)
	return nil
}

// reconcile records the authoritative total. Divergence from the observed
// sum is logged and kept visible in the snapshot, never corrected.
func (s *Scheduler) reconcile(ctx context.Context, l *log.Entry) error {
	total, err := s.opts.Source.Counters(ctx)
	if err != nil {
		return err
	}
	next := s.opts.Engine.Reconcile(s.current.Load(), total)
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	if next.Drift != 0 {
		l.WithFields(log.Fields{
			"authoritative": next.TotalTransactions,
			"observed":      next.ObservedTotal,
			"drift":         next.Drift,
		}).Warn("reconciliation drift")
	} else {
		l.Infof("reconciled total=%d", total)
	}
	return nil
}
