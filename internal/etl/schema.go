package etl

import (
	"fmt"
	"strconv"
	"strings"

	"datalake/internal/catalog"
)

type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeBigint ColumnType = "bigint"
	TypeDouble ColumnType = "double"
	TypeDate   ColumnType = "date"
)

// Column maps a source header to its dataset name and inferred type.
type Column struct {
	Source string
	Name   string
	Type   ColumnType
}

// Layout is the physical shape of the dataset written for one batch.
type Layout struct {
	Columns   []Column // stored inside the Parquet files
	Partition Column   // stored in the object path only
}

func (l Layout) catalogColumns() []catalog.Column {
	out := make([]catalog.Column, 0, len(l.Columns))
	for _, c := range l.Columns {
		out = append(out, catalog.Column{Name: c.Name, Type: string(c.Type)})
	}
	return out
}

// InferLayout names and types every column of b. A column is bigint if every
// present value parses as int64, double if every value parses as float64,
// string otherwise. Columns with no values at all are strings.
func InferLayout(b *EnrichedBatch) (Layout, error) {
	var layout Layout
	seen := make(map[string]string, len(b.Columns))

	for _, src := range b.Columns {
		name := catalog.SanitizeColumnName(src)
		if name == "" {
			return Layout{}, &InputError{Op: "schema", Err: fmt.Errorf("column %q has no usable name", src)}
		}
		if prev, dup := seen[name]; dup {
			return Layout{}, &InputError{Op: "schema", Err: fmt.Errorf("columns %q and %q both map to %q", prev, src, name)}
		}
		seen[name] = src

		col := Column{Source: src, Name: name, Type: inferType(b.Rows, src)}
		if src == b.PartitionColumn {
			layout.Partition = col
			continue
		}
		layout.Columns = append(layout.Columns, col)
	}

	if layout.Partition.Source == "" {
		return Layout{}, &InputError{Op: "schema", Err: fmt.Errorf("partition column %q not in batch", b.PartitionColumn)}
	}
	return layout, nil
}

// ApplyCatalogTypes makes layout agree with a table that already exists:
// every column the catalog knows keeps its catalog type, and every value of
// such a column must convert to it. existing may be nil for a new table.
func ApplyCatalogTypes(layout Layout, existing *catalog.TableSchema, rows []Row) (Layout, error) {
	if existing == nil {
		return layout, nil
	}
	known := make(map[string]string, len(existing.Columns)+len(existing.Partitions))
	for _, c := range existing.Columns {
		known[strings.ToLower(c.Name)] = c.Type
	}
	for _, c := range existing.Partitions {
		known[strings.ToLower(c.Name)] = c.Type
	}

	out := Layout{Columns: make([]Column, 0, len(layout.Columns))}
	for _, col := range layout.Columns {
		c, err := applyCatalogType(col, known, rows)
		if err != nil {
			return Layout{}, err
		}
		out.Columns = append(out.Columns, c)
	}
	part, err := applyCatalogType(layout.Partition, known, rows)
	if err != nil {
		return Layout{}, err
	}
	out.Partition = part
	return out, nil
}

func applyCatalogType(col Column, known map[string]string, rows []Row) (Column, error) {
	glueType, ok := known[col.Name]
	if !ok || glueType == string(col.Type) {
		return col, nil
	}
	t, err := columnTypeOf(glueType)
	if err != nil {
		return Column{}, &InputError{Op: "schema", Err: fmt.Errorf("column %s: %w", col.Name, err)}
	}
	col.Type = t
	for i, r := range rows {
		if _, err := parquetValue(col, r); err != nil {
			return Column{}, &InputError{
				Op:  "schema",
				Err: fmt.Errorf("column %s is %s in the catalog, row %d does not convert: %w", col.Name, t, i+1, err),
			}
		}
	}
	return col, nil
}

// columnTypeOf maps a catalog type onto one this pipeline writes.
func columnTypeOf(glueType string) (ColumnType, error) {
	switch {
	case glueType == "string", strings.HasPrefix(glueType, "varchar"), strings.HasPrefix(glueType, "char"):
		return TypeString, nil
	case glueType == "bigint":
		return TypeBigint, nil
	case glueType == "double":
		return TypeDouble, nil
	case glueType == "date":
		return TypeDate, nil
	}
	return "", fmt.Errorf("catalog type %q is not written by this pipeline", glueType)
}

func inferType(rows []Row, col string) ColumnType {
	if col == ObservationDateColumn || col == CreationDateColumn {
		return TypeDate
	}

	allInt, allFloat, present := true, true, false
	for _, r := range rows {
		v, ok := r.Fields[col]
		if !ok {
			continue
		}
		present = true
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allFloat = false
			}
		}
		if !allInt && !allFloat {
			break
		}
	}

	switch {
	case !present:
		return TypeString
	case allInt:
		return TypeBigint
	case allFloat:
		return TypeDouble
	}
	return TypeString
}
