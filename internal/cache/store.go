package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

// ErrIntegrityMismatch is returned by Load, alongside a fresh empty snapshot,
// when the stored content hash or schema version does not check out.
var ErrIntegrityMismatch = errors.New("integrity mismatch")

// Store persists whole snapshots. Save is atomic: readers of the backend
// observe either the previous snapshot or the new one.
type Store interface {
	Load(ctx context.Context) (*schema.Snapshot, error)
	Save(ctx context.Context, s *schema.Snapshot) error
}

type integrityView struct {
	DailyTotals   map[string]int64 `json:"dailyTotals"`
	MonthlyTotals map[string]int64 `json:"monthlyTotals"`
	Cursor        schema.Cursor    `json:"cursor"`
}

// Integrity returns the content hash over daily totals, monthly totals and
// the cursor. Map keys marshal sorted, so equal content hashes equally.
func Integrity(s *schema.Snapshot) string {
	v := integrityView{
		DailyTotals:   s.DailyTotals,
		MonthlyTotals: s.MonthlyTotals,
		Cursor:        s.Cursor,
	}
	if v.DailyTotals == nil {
		v.DailyTotals = map[string]int64{}
	}
	if v.MonthlyTotals == nil {
		v.MonthlyTotals = map[string]int64{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		// only maps of strings and ints, cannot fail
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// encode stamps the integrity tag on s and serializes it.
func encode(s *schema.Snapshot) ([]byte, error) {
	s.SchemaVersion = schema.SchemaVersion
	s.Integrity = Integrity(s)
	return json.Marshal(s)
}

// decode verifies and returns a stored snapshot. A nil or empty payload
// yields an empty snapshot.
func decode(data []byte) (*schema.Snapshot, error) {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "decode",
	})
	if len(data) == 0 {
		return schema.NewSnapshot(), nil
	}
	s := schema.NewSnapshot()
	if err := json.Unmarshal(data, s); err != nil {
		l.Error(err)
		return schema.NewSnapshot(), fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if s.SchemaVersion != schema.SchemaVersion {
		l.Errorf("schema version %d, want %d", s.SchemaVersion, schema.SchemaVersion)
		return schema.NewSnapshot(), fmt.Errorf("%w: schema version %d", ErrIntegrityMismatch, s.SchemaVersion)
	}
	if got := Integrity(s); got != s.Integrity {
		l.Errorf("stored %s, computed %s", s.Integrity, got)
		return schema.NewSnapshot(), fmt.Errorf("%w: stored %s computed %s", ErrIntegrityMismatch, s.Integrity, got)
	}
	normalize(s)
	return s, nil
}

// normalize replaces nil maps left by sparse payloads.
func normalize(s *schema.Snapshot) {
	if s.DailyTotals == nil {
		s.DailyTotals = map[string]int64{}
	}
	if s.DailyStatus == nil {
		s.DailyStatus = map[string]schema.DayStatus{}
	}
	if s.RecentHourly == nil {
		s.RecentHourly = map[string][24]int64{}
	}
	if s.RecentHashes == nil {
		s.RecentHashes = map[string][]string{}
	}
	if s.MonthlyTotals == nil {
		s.MonthlyTotals = map[string]int64{}
	}
}
