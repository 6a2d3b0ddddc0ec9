package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ScanOptions bounds one pass over the paged history.
type ScanOptions struct {
	Address string
	// Since stops paging once a whole page is older than it. Zero disables.
	Since time.Time
	// StopBelowBlock stops paging once a whole page is strictly below it. Zero disables.
	StopBelowBlock int64
	// MaxPages caps the pages fetched. Zero means unlimited.
	MaxPages int
}

// ScanResult holds the normalized, address-matching records of a scan.
type ScanResult struct {
	Records   []schema.Transaction
	Pages     int
	Malformed int
	Discarded int
	// Truncated is set when MaxPages was hit before a bound or the end of
	// history was reached.
	Truncated bool
	// Oldest is the oldest record seen, matching or not.
	Oldest schema.Transaction
}

// Scan pages through src until a bound is reached. Pages are fetched one at a
// time in order; normalization of a page overlaps the fetch of the next one.
// Nothing is returned on error.
func Scan(ctx context.Context, src Source, opts ScanOptions) (*ScanResult, error) {
	l := log.WithFields(log.Fields{
		"package": "upstream",
		"func":    "Scan",
		"addr":    opts.Address,
	})
	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan RawPage, 1)
	stop := make(chan struct{})

	var hitCap bool
	g.Go(func() error {
		defer close(pages)
		token := ""
		for n := 0; ; n++ {
			if opts.MaxPages > 0 && n >= opts.MaxPages {
				hitCap = true
				return nil
			}
			select {
			case <-stop:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			page, err := src.Page(gctx, token)
			if err != nil {
				return err
			}
			select {
			case pages <- page:
			case <-stop:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
			if len(page.Items) == 0 || page.Next == "" {
				return nil
			}
			token = page.Next
		}
	})

	res := &ScanResult{}
	var reachedBound bool
	g.Go(func() error {
		defer close(stop)
		for page := range pages {
			res.Pages++
			if len(page.Items) == 0 {
				return nil
			}
			older := 0
			parsed := 0
			for _, raw := range page.Items {
				tx, ok, err := Normalize(raw, opts.Address)
				if err != nil {
					res.Malformed++
					l.Debug(err)
					continue
				}
				parsed++
				if res.Oldest.Hash == "" || tx.BlockNumber < res.Oldest.BlockNumber {
					res.Oldest = tx
				}
				if beyondBound(tx, opts) {
					older++
				}
				if !ok {
					res.Discarded++
					continue
				}
				res.Records = append(res.Records, tx)
			}
			if parsed > 0 && older == parsed {
				reachedBound = true
				return nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			l.Warnf("scan cancelled after %d pages", res.Pages)
		} else {
			l.Error(err)
		}
		return nil, err
	}
	res.Truncated = hitCap && !reachedBound
	l.Infof("scanned pages=%d records=%d malformed=%d discarded=%d truncated=%v",
		res.Pages, len(res.Records), res.Malformed, res.Discarded, res.Truncated)
	return res, nil
}

func beyondBound(tx schema.Transaction, opts ScanOptions) bool {
	if !opts.Since.IsZero() && tx.Timestamp.Before(opts.Since) {
		return true
	}
	return opts.StopBelowBlock > 0 && tx.BlockNumber < opts.StopBelowBlock
}
