package tracker

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportCSV writes the snapshot history as CSV, oldest row first.
func (t *Tracker) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp", "current_bytes", "peak_bytes", "live_count", "total_allocs", "total_frees"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, snap := range t.History() {
		row := []string{
			snap.At.Format(time.RFC3339Nano),
			strconv.FormatInt(snap.CurrentBytes, 10),
			strconv.FormatInt(snap.PeakBytes, 10),
			strconv.Itoa(snap.LiveCount),
			strconv.FormatUint(snap.TotalAllocs, 10),
			strconv.FormatUint(snap.TotalFrees, 10),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
