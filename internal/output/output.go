package output

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

func dailyRowHeader() []string {
	return []string{"day", "month", "total", "status"}
}

func dailyToRows(s *schema.Snapshot) [][]string {
	var rows [][]string
	for _, day := range s.DayKeys() {
		rows = append(rows, []string{
			day,
			schema.MonthKey(day),
			strconv.FormatInt(s.DailyTotals[day], 10),
			string(s.DailyStatus[day]),
		})
	}
	return rows
}

// WriteDailyCSV writes one row per daily bucket, oldest first.
func WriteDailyCSV(w io.Writer, s *schema.Snapshot) error {
	l := log.WithFields(log.Fields{
		"package": "output",
		"func":    "WriteDailyCSV",
		"days":    len(s.DailyTotals),
	})
	cw := csv.NewWriter(w)
	if err := cw.Write(dailyRowHeader()); err != nil {
		l.Error(err)
		return err
	}
	if err := cw.WriteAll(dailyToRows(s)); err != nil {
		l.Error(err)
		return err
	}
	return nil
}

// WriteHourlyCSV writes the trailing-window hourly detail as day,hour,count.
func WriteHourlyCSV(w io.Writer, s *schema.Snapshot) error {
	l := log.WithFields(log.Fields{
		"package": "output",
		"func":    "WriteHourlyCSV",
	})
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"day", "hour", "count"}); err != nil {
		l.Error(err)
		return err
	}
	for _, day := range s.DayKeys() {
		hours, ok := s.RecentHourly[day]
		if !ok {
			continue
		}
		for h, n := range hours {
			if err := cw.Write([]string{day, strconv.Itoa(h), strconv.FormatInt(n, 10)}); err != nil {
				l.Error(err)
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the full snapshot.
func WriteJSON(w io.Writer, s *schema.Snapshot) error {
	l := log.WithFields(log.Fields{
		"package": "output",
		"func":    "WriteJSON",
	})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		l.Error(err)
		return err
	}
	return nil
}

// Write renders s in format: json (default), csv, or hourly.
func Write(w io.Writer, s *schema.Snapshot, format string) error {
	switch format {
	case "csv":
		return WriteDailyCSV(w, s)
	case "hourly":
		return WriteHourlyCSV(w, s)
	default:
		return WriteJSON(w, s)
	}
}
