package etl

import (
	"strings"
	"time"
)

const (
	ObservationDateColumn = "ObservationDate"
	CreationDateColumn    = "dl_creation_date"

	dateLayout = "2006-01-02"
)

// Row is one CSV record. Missing values are absent from Fields.
// ObservationDate is kept out of Fields once parsed.
type Row struct {
	Fields          map[string]string
	ObservationDate *time.Time
	CreationDate    time.Time // zero until Transform
}

// Batch holds every row read from staging in one run.
type Batch struct {
	Columns []string // source headers, in first-seen order
	Rows    []Row
	Sources []string // staged object keys that were read
}

func (b *Batch) hasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

func (b *Batch) addColumns(header []string) {
	for _, h := range header {
		if !b.hasColumn(h) {
			b.Columns = append(b.Columns, h)
		}
	}
}

// EnrichedBatch is a Batch after Transform: dl_creation_date appended and
// ObservationDate truncated to a calendar date.
type EnrichedBatch struct {
	Columns         []string // source headers plus CreationDateColumn
	Rows            []Row
	Sources         []string
	PartitionColumn string // source header the dataset is partitioned by
	CreationDate    time.Time
}

// Value returns the textual form of column col in r. Date columns are
// rendered as YYYY-MM-DD.
func (r Row) Value(col string) (string, bool) {
	switch col {
	case ObservationDateColumn:
		if r.ObservationDate == nil {
			return "", false
		}
		return r.ObservationDate.Format(dateLayout), true
	case CreationDateColumn:
		if r.CreationDate.IsZero() {
			return "", false
		}
		return r.CreationDate.Format(dateLayout), true
	}
	v, ok := r.Fields[col]
	return v, ok
}

// date returns column col of r as a calendar date. Columns other than the
// two date columns are parsed from their text.
func (r Row) date(col string) (time.Time, bool, error) {
	switch col {
	case ObservationDateColumn:
		if r.ObservationDate == nil {
			return time.Time{}, false, nil
		}
		return *r.ObservationDate, true, nil
	case CreationDateColumn:
		if r.CreationDate.IsZero() {
			return time.Time{}, false, nil
		}
		return r.CreationDate, true, nil
	}
	v, ok := r.Fields[col]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := ParseObservationDate(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return truncateToDate(t), true, nil
}

// NullMatcher decides which raw CSV values count as missing.
type NullMatcher struct {
	values        map[string]struct{}
	caseSensitive bool
}

func NewNullMatcher(values []string, caseSensitive bool) NullMatcher {
	m := NullMatcher{values: make(map[string]struct{}, len(values)), caseSensitive: caseSensitive}
	for _, v := range values {
		if !caseSensitive {
			v = strings.ToLower(v)
		}
		m.values[v] = struct{}{}
	}
	return m
}

// IsNull reports whether v is empty or one of the configured null markers.
func (m NullMatcher) IsNull(v string) bool {
	if v == "" {
		return true
	}
	if !m.caseSensitive {
		v = strings.ToLower(v)
	}
	_, ok := m.values[v]
	return ok
}
