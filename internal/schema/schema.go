package schema

import (
	"sort"
	"time"
)

const (
	// SchemaVersion is bumped whenever the persisted layout changes.
	SchemaVersion = 2

	DayKeyLayout   = "2006-01-02"
	MonthKeyLayout = "2006-01"
)

// Transaction is a normalized upstream record addressed to the monitored contract.
type Transaction struct {
	Hash        string    `json:"hash"`
	BlockNumber int64     `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	To          string    `json:"to"`
	DayKey      string    `json:"dayKey"`
	Hour        int       `json:"hour"`
}

// NewTransaction fills in the derived day key and hour from ts.
func NewTransaction(hash string, block int64, ts time.Time, to string) Transaction {
	ts = ts.UTC()
	return Transaction{
		Hash:        hash,
		BlockNumber: block,
		Timestamp:   ts,
		To:          to,
		DayKey:      ts.Format(DayKeyLayout),
		Hour:        ts.Hour(),
	}
}

// Cursor is the high-water mark already folded into the aggregates.
type Cursor struct {
	LastBlockNumber     int64     `json:"lastBlockNumber"`
	LastTransactionHash string    `json:"lastTransactionHash"`
	LastProcessedTime   time.Time `json:"lastProcessedTime"`
}

type DayStatus string

const (
	StatusCurrent        DayStatus = "current"
	StatusComplete       DayStatus = "complete"
	StatusNoActivity     DayStatus = "no_activity"
	StatusPartial        DayStatus = "partial"
	StatusManualOverride DayStatus = "manual_override"
)

// Valid reports whether s is a known status.
func (s DayStatus) Valid() bool {
	switch s {
	case StatusCurrent, StatusComplete, StatusNoActivity, StatusPartial, StatusManualOverride:
		return true
	}
	return false
}

// Gap is a block range a truncated live scan skipped over.
type Gap struct {
	FromBlock int64     `json:"fromBlock"`
	ToBlock   int64     `json:"toBlock"`
	FromTime  time.Time `json:"fromTime"`
	ToTime    time.Time `json:"toTime"`
}

// Insights are volume statistics derived from the daily and hourly buckets.
// Daily figures use the same complete days as DailyAverage; hour figures use
// the trailing hourly window.
type Insights struct {
	MinDaily        int64   `json:"minDaily"`
	MaxDaily        int64   `json:"maxDaily"`
	MovingAverage7  float64 `json:"movingAverage7"`
	MovingAverage30 float64 `json:"movingAverage30"`
	WeekdayAverage  float64 `json:"weekdayAverage"`
	WeekendAverage  float64 `json:"weekendAverage"`
	WeekendRatio    float64 `json:"weekendRatio"`
	PeakHours       []int   `json:"peakHours,omitempty"`
	QuietHours      []int   `json:"quietHours,omitempty"`
}

// Snapshot is the full persisted cache structure. Snapshots are treated as
// immutable once published; mutate a Clone.
type Snapshot struct {
	SchemaVersion int `json:"schemaVersion"`

	DailyTotals   map[string]int64     `json:"dailyTotals"`
	DailyStatus   map[string]DayStatus `json:"dailyStatus"`
	RecentHourly  map[string][24]int64 `json:"recentHourly"`
	RecentHashes  map[string][]string  `json:"recentHashes"`
	MonthlyTotals map[string]int64     `json:"monthlyTotals"`

	Cursor Cursor `json:"cursor"`

	TotalTransactions int64     `json:"totalTransactions"`
	ObservedTotal     int64     `json:"observedTotal"`
	Drift             int64     `json:"drift"`
	TotalDaysActive   int       `json:"totalDaysActive"`
	DailyAverage      float64   `json:"dailyAverage"`
	LastReconciled    time.Time `json:"lastReconciled"`
	Insights          Insights  `json:"insights"`

	ScannedThrough time.Time `json:"scannedThrough"`
	Gaps           []Gap     `json:"gaps,omitempty"`

	LastUpdate time.Time `json:"lastUpdate"`
	Integrity  string    `json:"integrity"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		DailyTotals:   map[string]int64{},
		DailyStatus:   map[string]DayStatus{},
		RecentHourly:  map[string][24]int64{},
		RecentHashes:  map[string][]string{},
		MonthlyTotals: map[string]int64{},
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	c := *s
	c.DailyTotals = make(map[string]int64, len(s.DailyTotals))
	for k, v := range s.DailyTotals {
		c.DailyTotals[k] = v
	}
	c.DailyStatus = make(map[string]DayStatus, len(s.DailyStatus))
	for k, v := range s.DailyStatus {
		c.DailyStatus[k] = v
	}
	c.RecentHourly = make(map[string][24]int64, len(s.RecentHourly))
	for k, v := range s.RecentHourly {
		c.RecentHourly[k] = v
	}
	c.RecentHashes = make(map[string][]string, len(s.RecentHashes))
	for k, v := range s.RecentHashes {
		c.RecentHashes[k] = append([]string(nil), v...)
	}
	c.MonthlyTotals = make(map[string]int64, len(s.MonthlyTotals))
	for k, v := range s.MonthlyTotals {
		c.MonthlyTotals[k] = v
	}
	if s.Gaps != nil {
		c.Gaps = append([]Gap(nil), s.Gaps...)
	}
	c.Insights.PeakHours = append([]int(nil), s.Insights.PeakHours...)
	c.Insights.QuietHours = append([]int(nil), s.Insights.QuietHours...)
	return &c
}

// SumDaily is the locally observed total.
func (s *Snapshot) SumDaily() int64 {
	var n int64
	for _, v := range s.DailyTotals {
		n += v
	}
	return n
}

// DayKeys returns the daily bucket keys in chronological order.
func (s *Snapshot) DayKeys() []string {
	keys := make([]string, 0, len(s.DailyTotals))
	for k := range s.DailyTotals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasHash reports whether hash is indexed for day.
func (s *Snapshot) HasHash(day, hash string) bool {
	hs := s.RecentHashes[day]
	i := sort.SearchStrings(hs, hash)
	return i < len(hs) && hs[i] == hash
}

// AddHash inserts hash into the sorted index for day.
func (s *Snapshot) AddHash(day, hash string) {
	hs := s.RecentHashes[day]
	i := sort.SearchStrings(hs, hash)
	if i < len(hs) && hs[i] == hash {
		return
	}
	hs = append(hs, "")
	copy(hs[i+1:], hs[i:])
	hs[i] = hash
	s.RecentHashes[day] = hs
}

// MonthKey returns the month key for a day key.
func MonthKey(day string) string {
	if len(day) < 7 {
		return day
	}
	return day[:7]
}

// DayStart parses a day key as midnight UTC.
func DayStart(day string) (time.Time, error) {
	return time.ParseInLocation(DayKeyLayout, day, time.UTC)
}
