// Package cursor decides which normalized records are new relative to the
// stored high-water mark.
package cursor

import (
	"github.com/robertlestak/contract-txcache/internal/schema"
)

type Mode int

const (
	// ModeLive filters against the cursor and advances it.
	ModeLive Mode = iota
	// ModeBackfill bypasses the cursor entirely.
	ModeBackfill
)

func (m Mode) String() string {
	if m == ModeBackfill {
		return "backfill"
	}
	return "live"
}

// Accepts reports whether t sorts strictly after c. Inside one block the
// tie-break is (timestamp, hash), since many same-block records share a
// timestamp.
func Accepts(c schema.Cursor, t schema.Transaction) bool {
	return Compare(t, c) > 0
}

// Compare orders a record against the cursor position: -1, 0 or 1.
func Compare(t schema.Transaction, c schema.Cursor) int {
	switch {
	case t.BlockNumber > c.LastBlockNumber:
		return 1
	case t.BlockNumber < c.LastBlockNumber:
		return -1
	}
	switch {
	case t.Timestamp.After(c.LastProcessedTime):
		return 1
	case t.Timestamp.Before(c.LastProcessedTime):
		return -1
	}
	switch {
	case t.Hash > c.LastTransactionHash:
		return 1
	case t.Hash < c.LastTransactionHash:
		return -1
	}
	return 0
}

// Filter returns the records mode accepts, in input order.
func Filter(c schema.Cursor, records []schema.Transaction, mode Mode) []schema.Transaction {
	if mode == ModeBackfill {
		return records
	}
	out := make([]schema.Transaction, 0, len(records))
	for _, t := range records {
		if Accepts(c, t) {
			out = append(out, t)
		}
	}
	return out
}

// Advance moves c to the maximum position in records. It never moves backwards.
func Advance(c schema.Cursor, records []schema.Transaction) schema.Cursor {
	for _, t := range records {
		if Compare(t, c) > 0 {
			c = Of(t)
		}
	}
	return c
}

// Of returns the cursor positioned exactly at t.
func Of(t schema.Transaction) schema.Cursor {
	return schema.Cursor{
		LastBlockNumber:     t.BlockNumber,
		LastTransactionHash: t.Hash,
		LastProcessedTime:   t.Timestamp,
	}
}
