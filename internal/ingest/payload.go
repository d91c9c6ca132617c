package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is ISO-8601 UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Record is one ingested row.
type Record map[string]any

// Payload encodes a single-record array stamped with TimeGenerated and
// Computer. fields may not override either stamp.
func Payload(now time.Time, computer string, fields map[string]any) ([]byte, error) {
	rec := Record{}
	for k, v := range fields {
		rec[k] = v
	}
	rec["TimeGenerated"] = FormatTime(now)
	rec["Computer"] = computer

	data, err := json.Marshal([]Record{rec})
	if err != nil {
		return nil, fmt.Errorf("encode ingestion payload: %w", err)
	}
	return data, nil
}
