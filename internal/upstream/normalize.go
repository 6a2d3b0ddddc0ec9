package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robertlestak/contract-txcache/internal/schema"
)

// ErrMalformedRecord marks a record that could not be normalized. It is
// counted and skipped, never fatal to a cycle.
var ErrMalformedRecord = errors.New("malformed record")

type rawTx struct {
	Hash        string          `json:"hash"`
	BlockNumber json.RawMessage `json:"block_number"`
	Block       json.RawMessage `json:"block"`
	Timestamp   string          `json:"timestamp"`
	To          json.RawMessage `json:"to"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Normalize turns one upstream record into a Transaction. ok is false when the
// record is well formed but not addressed to address; the returned
// Transaction still carries block and timestamp so callers can use it for
// scan bounds.
func Normalize(raw json.RawMessage, address string) (tx schema.Transaction, ok bool, err error) {
	var r rawTx
	if err := json.Unmarshal(raw, &r); err != nil {
		return tx, false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if r.Hash == "" {
		return tx, false, fmt.Errorf("%w: missing hash", ErrMalformedRecord)
	}
	blockRaw := r.BlockNumber
	if len(blockRaw) == 0 || string(blockRaw) == "null" {
		blockRaw = r.Block
	}
	block, err := parseBlock(blockRaw)
	if err != nil {
		return tx, false, fmt.Errorf("%w: tx %s: %v", ErrMalformedRecord, r.Hash, err)
	}
	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return tx, false, fmt.Errorf("%w: tx %s: %v", ErrMalformedRecord, r.Hash, err)
	}
	to := strings.ToLower(recipient(r.To))
	tx = schema.NewTransaction(r.Hash, block, ts, to)
	return tx, to != "" && strings.EqualFold(to, address), nil
}

func parseBlock(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing block number")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}

// ParseTimestamp accepts RFC3339 and the "date space time" variant. Values
// without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// recipient extracts an address from either a plain string or an object
// exposing hash, address or id. Unknown shapes yield "".
func recipient(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, k := range []string{"hash", "address", "id"} {
		v, ok := obj[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
