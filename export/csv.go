// Package export writes pending drafts out for offline review.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PipeOpsHQ/airgen-go/pipeline"
	"github.com/PipeOpsHQ/airgen-go/types"
)

const DefaultOriginalField = "Description"

var header = []string{"Record ID", "Original Description", "AI Verified Description", "Sources"}

// FileName is the conventional name of an export written on day t.
func FileName(t time.Time) string {
	return fmt.Sprintf("airgen_batch_%s.csv", t.UTC().Format("2006-01-02"))
}

// Rows lists one row per pending draft. Drafts for records in the projection
// come first in record order; drafts for unknown records follow in staging
// order with an empty original.
func Rows(records []types.Record, status pipeline.RunStatus, originalField string) [][]string {
	if originalField == "" {
		originalField = DefaultOriginalField
	}
	rows := make([][]string, 0, status.PendingUpdates.Len())
	seen := map[string]bool{}
	for _, rec := range records {
		u, ok := status.Pending(rec.ID)
		if !ok {
			continue
		}
		seen[rec.ID] = true
		original, _ := rec.Fields.Get(originalField)
		rows = append(rows, row(rec.ID, original.String(), u))
	}
	for _, id := range status.PendingIDs() {
		if seen[id] {
			continue
		}
		u, _ := status.Pending(id)
		rows = append(rows, row(id, "", u))
	}
	return rows
}

func row(id, original string, u pipeline.PendingUpdate) []string {
	uris := make([]string, 0, len(u.Sources))
	for _, s := range u.Sources {
		uris = append(uris, s.URI)
	}
	return []string{id, original, u.Text, strings.Join(uris, "; ")}
}

// WriteCSV writes the header and Rows to w and returns the number of drafts
// written. Nothing is written when there are no drafts.
func WriteCSV(w io.Writer, records []types.Record, status pipeline.RunStatus, originalField string) (int, error) {
	rows := Rows(records, status, originalField)
	if len(rows) == 0 {
		return 0, nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("failed to write csv rows: %w", err)
	}
	return len(rows), nil
}
