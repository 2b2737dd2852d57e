package describe

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

const dataMarker = "\n### Data ###\n"

const promptPreamble = `Here is an example description of a chart selection.

Life expectancy rose steadily in every region between 1960 and 2010. Women outlive men by five to ten years almost everywhere. Low income countries are widely scattered while high income countries cluster tightly, and the gap between the two groups narrows only slowly over the period.

Write a description in this style for the rows below. Describe trends or patterns, not the query that selected them. Use at most 50 words and round numbers to two decimal places.
`

// Table renders rows as CSV with one column per declared field, formatting
// values the way they are spoken. At most maxRows rows are included when
// maxRows is positive.
func Table(rows []data.Row, fields spec.Fields, maxRows int) (string, error) {
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields.Names()); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(fields))
	for _, row := range rows {
		for i, def := range fields {
			record[i] = format.Value(row[def.Name], def)
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return buf.String(), nil
}

// Prompt wraps a CSV table in the description instructions.
func Prompt(table string) string {
	return promptPreamble + dataMarker + table
}
