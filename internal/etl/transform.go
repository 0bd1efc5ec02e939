package etl

import (
	"fmt"
	"time"

	"datalake/internal/catalog"
)

// Transform appends dl_creation_date and truncates ObservationDate to a
// calendar date. The creation date is the UTC calendar date of now, the same
// for every row. It also resolves the partition column, so a bad
// PARTITION_COLUMN fails here, before staging is touched.
func Transform(raw *Batch, now time.Time, partitionColumn string) (*EnrichedBatch, error) {
	part, err := resolvePartitionColumn(raw, partitionColumn)
	if err != nil {
		return nil, err
	}

	creation := truncateToDate(now.UTC())

	cols := make([]string, 0, len(raw.Columns)+1)
	for _, c := range raw.Columns {
		if c != CreationDateColumn {
			cols = append(cols, c)
		}
	}
	cols = append(cols, CreationDateColumn)

	rows := make([]Row, len(raw.Rows))
	for i, r := range raw.Rows {
		out := Row{Fields: r.Fields, CreationDate: creation}
		if _, clash := r.Fields[CreationDateColumn]; clash {
			// A source column of the same name is replaced, not kept alongside.
			out.Fields = make(map[string]string, len(r.Fields))
			for k, v := range r.Fields {
				if k != CreationDateColumn {
					out.Fields[k] = v
				}
			}
		}
		if r.ObservationDate != nil {
			d := truncateToDate(*r.ObservationDate)
			out.ObservationDate = &d
		}
		rows[i] = out
	}

	return &EnrichedBatch{
		Columns:         cols,
		Rows:            rows,
		Sources:         raw.Sources,
		PartitionColumn: part,
		CreationDate:    creation,
	}, nil
}

// truncateToDate keeps the calendar date t has in its own location and
// returns it as midnight UTC.
func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// resolvePartitionColumn accepts either the source header or its sanitized
// catalog name, e.g. "Region" or "region".
func resolvePartitionColumn(raw *Batch, name string) (string, error) {
	if name == CreationDateColumn || raw.hasColumn(name) {
		return name, nil
	}
	want := catalog.SanitizeColumnName(name)
	if want == CreationDateColumn {
		return CreationDateColumn, nil
	}
	for _, c := range raw.Columns {
		if catalog.SanitizeColumnName(c) == want {
			return c, nil
		}
	}
	return "", &InputError{Op: "transform", Err: fmt.Errorf("partition column %q not found in staged data", name)}
}
