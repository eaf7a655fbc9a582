// Package archive writes run transcripts (the event buffer's logs and
// output) as JSONL to local or S3 destinations.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Record types.
const (
	TypeHeader = "header"
	TypeLog    = "log"
	TypeOutput = "output"
)

// Header is the first JSONL record written by ExportJSONL.
type Header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	Timestamp   time.Time `json:"timestamp"`
	LogCount    int       `json:"log_count"`
	OutputCount int       `json:"output_count"`
}

// Record wraps a single JSONL line with a type discriminator.
type Record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes a header followed by every log entry and output chunk
// to w. The two streams are merged by timestamp; on a tie the log entry
// comes first. Order within each stream is preserved.
func ExportJSONL(w io.Writer, runID string, logs []model.LogEntry, output []model.OutputEvent) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(Header{
		Version:     "1",
		Type:        TypeHeader,
		RunID:       runID,
		Timestamp:   time.Now().UTC(),
		LogCount:    len(logs),
		OutputCount: len(output),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	i, j := 0, 0
	for i < len(logs) || j < len(output) {
		var rec Record
		if j >= len(output) || (i < len(logs) && !output[j].Timestamp.Before(logs[i].Timestamp)) {
			rec = Record{Type: TypeLog, Data: logs[i]}
			i++
		} else {
			rec = Record{Type: TypeOutput, Data: output[j]}
			j++
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s record: %w", rec.Type, err)
		}
	}
	return nil
}
