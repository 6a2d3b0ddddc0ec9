package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/robertlestak/contract-txcache/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history() []schema.Transaction {
	return []schema.Transaction{
		tx("0x01", 1, "2025-08-10", 1),
		tx("0x02", 2, "2025-08-10", 2),
		tx("0x03", 3, "2025-08-11", 3),
		tx("0x04", 4, "2025-08-13", 4),
		tx("0x05", 5, "2025-08-14", 5),
		tx("0x06", 6, "2025-08-14", 6),
	}
}

func TestRangeDays(t *testing.T) {
	days, err := Range{From: "2025-08-30", To: "2025-09-02"}.Days()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-30", "2025-08-31", "2025-09-01", "2025-09-02"}, days)

	_, err = Range{From: "2025-09-02", To: "2025-08-30"}.Days()
	assert.Error(t, err)
	_, err = Range{From: "bad", To: "2025-08-30"}.Days()
	assert.Error(t, err)

	r := Range{From: "2025-08-30", To: "2025-09-02"}
	assert.Equal(t, at("2025-08-30", 0), r.Start())
	assert.Equal(t, at("2025-09-03", 0), r.End())
	assert.True(t, Range{From: "bad"}.Start().IsZero())
}

func TestBackfillOverCompleteDaysIsIdentical(t *testing.T) {
	e := engineAt(at("2025-08-15", 12))
	live, _ := e.Apply(schema.NewSnapshot(), history(), Coverage{ScannedThrough: at("2025-08-15", 12)})
	require.Equal(t, schema.StatusComplete, live.DailyStatus["2025-08-14"])
	require.Equal(t, schema.StatusComplete, live.DailyStatus["2025-08-10"])

	r := Range{From: "2025-08-10", To: "2025-08-14"}
	// 2025-08-12 had no activity; that determination is backfill-only
	filled, _, err := e.Backfill(live, history(), r, r.Start())
	require.NoError(t, err)
	assert.Equal(t, schema.StatusNoActivity, filled.DailyStatus["2025-08-12"])
	delete(filled.DailyTotals, "2025-08-12")
	delete(filled.DailyStatus, "2025-08-12")

	a, _ := json.Marshal(live)
	b, _ := json.Marshal(filled)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, live.Cursor, filled.Cursor)
}

func TestBackfillRepeatedIsIdentical(t *testing.T) {
	e := engineAt(at("2025-08-15", 12))
	r := Range{From: "2025-08-10", To: "2025-08-14"}
	once, _, err := e.Backfill(schema.NewSnapshot(), history(), r, r.Start())
	require.NoError(t, err)
	twice, _, err := e.Backfill(once, append(history(), history()...), r, r.Start())
	require.NoError(t, err)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	assert.JSONEq(t, string(a), string(b))
}

func TestBackfillFillsGapWithoutMovingCursor(t *testing.T) {
	e := engineAt(at("2025-08-15", 12))
	s := schema.NewSnapshot()
	s.Cursor = schema.Cursor{LastBlockNumber: 6, LastTransactionHash: "0x06", LastProcessedTime: at("2025-08-14", 6)}
	s.DailyTotals["2025-08-14"] = 2
	s.Gaps = []schema.Gap{{FromBlock: 0, ToBlock: 4, FromTime: at("2025-08-10", 0), ToTime: at("2025-08-13", 4)}}
	s, _ = e.Apply(s, nil, Coverage{})

	r := Range{From: "2025-08-10", To: "2025-08-13"}
	filled, _, err := e.Backfill(s, history(), r, r.Start())
	require.NoError(t, err)

	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-10"])
	assert.Equal(t, int64(1), filled.DailyTotals["2025-08-11"])
	assert.Equal(t, int64(1), filled.DailyTotals["2025-08-13"])
	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-14"])
	assert.Equal(t, int64(6), filled.Cursor.LastBlockNumber)
	assert.Empty(t, filled.Gaps)
	assert.Equal(t, int64(6), filled.MonthlyTotals["2025-08"])
}

func TestBackfillShortRescanKeepsCountedRecords(t *testing.T) {
	e := engineAt(at("2025-08-14", 12))
	live, _ := e.Apply(schema.NewSnapshot(), []schema.Transaction{
		tx("0x01", 1, "2025-08-10", 1),
		tx("0x02", 2, "2025-08-10", 2),
		tx("0x0a", 3, "2025-08-13", 4),
		tx("0x0b", 4, "2025-08-13", 5),
	}, Coverage{ScannedThrough: at("2025-08-14", 12)})
	require.Equal(t, int64(2), live.DailyTotals["2025-08-13"])

	// the upstream lags and returns a strict subset of what was counted
	r := Range{From: "2025-08-10", To: "2025-08-13"}
	filled, res, err := e.Backfill(live, []schema.Transaction{
		tx("0x01", 1, "2025-08-10", 1),
		tx("0x0a", 3, "2025-08-13", 4),
	}, r, r.Start())
	require.NoError(t, err)

	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-10"])
	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-13"])
	assert.Equal(t, []string{"0x0a", "0x0b"}, filled.RecentHashes["2025-08-13"])
	assert.Equal(t, int64(1), filled.RecentHourly["2025-08-13"][5])
	assert.Equal(t, live.ObservedTotal, filled.ObservedTotal)
	assert.Zero(t, res.Applied)
}

func TestBackfillCoveredDayInWindowAddsMissing(t *testing.T) {
	e := engineAt(at("2025-08-14", 12))
	live, _ := e.Apply(schema.NewSnapshot(), []schema.Transaction{tx("0x0a", 3, "2025-08-13", 4)}, Coverage{})

	r := Range{From: "2025-08-13", To: "2025-08-13"}
	filled, res, err := e.Backfill(live, []schema.Transaction{
		tx("0x0a", 3, "2025-08-13", 4),
		tx("0x0c", 2, "2025-08-13", 7),
	}, r, r.Start())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-13"])
	assert.Equal(t, int64(1), filled.RecentHourly["2025-08-13"][7])
	assert.Equal(t, schema.StatusComplete, filled.DailyStatus["2025-08-13"])
}

func TestBackfillPartialCoverage(t *testing.T) {
	e := engineAt(at("2025-08-15", 12))
	s := schema.NewSnapshot()
	s.DailyTotals["2025-08-10"] = 5
	s.Gaps = []schema.Gap{{FromTime: at("2025-08-09", 0), ToTime: at("2025-08-11", 0)}}
	s, _ = e.Apply(s, nil, Coverage{})

	r := Range{From: "2025-08-10", To: "2025-08-11"}
	// scan truncated: only saw back to 2025-08-10 02:00
	filled, _, err := e.Backfill(s, history(), r, at("2025-08-10", 2))
	require.NoError(t, err)

	// partly covered day keeps the larger figure
	assert.Equal(t, int64(5), filled.DailyTotals["2025-08-10"])
	assert.Equal(t, schema.StatusPartial, filled.DailyStatus["2025-08-10"])
	assert.Equal(t, int64(1), filled.DailyTotals["2025-08-11"])
	assert.Equal(t, schema.StatusComplete, filled.DailyStatus["2025-08-11"])
	assert.Len(t, filled.Gaps, 1)
}

func TestBackfillInWindowMergesByHash(t *testing.T) {
	e := engineAt(at("2025-08-14", 12))
	live, _ := e.Apply(schema.NewSnapshot(), []schema.Transaction{tx("0x05", 5, "2025-08-14", 5)}, Coverage{})

	r := Range{From: "2025-08-14", To: "2025-08-14"}
	filled, _, err := e.Backfill(live, history(), r, at("2025-08-14", 23))
	require.NoError(t, err)
	assert.Equal(t, int64(2), filled.DailyTotals["2025-08-14"])
	assert.Equal(t, int64(1), filled.RecentHourly["2025-08-14"][6])
	assert.Equal(t, schema.StatusPartial, filled.DailyStatus["2025-08-14"])
}

func TestBackfillSkipsManualOverride(t *testing.T) {
	e := engineAt(at("2025-08-15", 12))
	s, err := e.Override(schema.NewSnapshot(), "2025-08-10", 99)
	require.NoError(t, err)

	r := Range{From: "2025-08-10", To: "2025-08-10"}
	filled, _, err := e.Backfill(s, history(), r, r.Start())
	require.NoError(t, err)
	assert.Equal(t, int64(99), filled.DailyTotals["2025-08-10"])
	assert.Equal(t, schema.StatusManualOverride, filled.DailyStatus["2025-08-10"])

	// live relabel leaves it alone too
	after, _ := e.Apply(filled, nil, Coverage{ScannedThrough: at("2025-08-15", 12)})
	assert.Equal(t, schema.StatusManualOverride, after.DailyStatus["2025-08-10"])
}

func TestBackfillRejectsBadRange(t *testing.T) {
	e := engineAt(time.Now())
	_, _, err := e.Backfill(schema.NewSnapshot(), nil, Range{From: "x", To: "y"}, time.Time{})
	assert.Error(t, err)
}
