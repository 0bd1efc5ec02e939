// Package catalog registers the dataset's schema and partitions in the Glue
// Data Catalog so Athena can query newly written objects.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
)

const (
	parquetInputFormat  = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"
	parquetOutputFormat = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetOutputFormat"
	parquetSerDe        = "org.apache.hadoop.hive.ql.io.parquet.serde.ParquetHiveSerDe"

	// Glue accepts at most 100 partitions per BatchCreatePartition call.
	partitionBatchSize = 100
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error)
	UpdateTable(ctx context.Context, params *glue.UpdateTableInput, optFns ...func(*glue.Options)) (*glue.UpdateTableOutput, error)
	BatchCreatePartition(ctx context.Context, params *glue.BatchCreatePartitionInput, optFns ...func(*glue.Options)) (*glue.BatchCreatePartitionOutput, error)
}

// CatalogError reports a failed schema or partition registration. Data may
// already be written when it is returned.
type CatalogError struct {
	Op    string
	Table string
	Err   error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

type Column struct {
	Name string
	Type string
}

// TableSchema is the subset of a Glue table this package reads and writes.
type TableSchema struct {
	Database   string
	Table      string
	Location   string
	Columns    []Column
	Partitions []Column
}

func (s *TableSchema) qualified() string { return s.Database + "." + s.Table }

// Partition is one hive partition: its key values and its s3:// location.
type Partition struct {
	Values   []string
	Location string
}

type Registrar struct {
	glue GlueClient
}

func NewRegistrar(c GlueClient) *Registrar {
	return &Registrar{glue: c}
}

// LoadTableSchema returns (nil, nil) when the table does not exist.
func (r *Registrar) LoadTableSchema(ctx context.Context, database, table string) (*TableSchema, error) {
	out, err := r.glue.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err != nil {
		var nf *gluetypes.EntityNotFoundException
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, &CatalogError{Op: "GetTable", Table: database + "." + table, Err: err}
	}

	ti := out.Table
	schema := &TableSchema{
		Database: database,
		Table:    aws.ToString(ti.Name),
	}
	if sd := ti.StorageDescriptor; sd != nil {
		schema.Location = aws.ToString(sd.Location)
		for _, col := range sd.Columns {
			schema.Columns = append(schema.Columns, Column{
				Name: aws.ToString(col.Name),
				Type: NormalizeGlueType(aws.ToString(col.Type)),
			})
		}
	}
	for _, p := range ti.PartitionKeys {
		schema.Partitions = append(schema.Partitions, Column{
			Name: aws.ToString(p.Name),
			Type: NormalizeGlueType(aws.ToString(p.Type)),
		})
	}
	return schema, nil
}

// EnsureTable creates the table, or widens an existing one with any columns
// it does not have yet. Existing column types are kept.
func (r *Registrar) EnsureTable(ctx context.Context, want TableSchema) error {
	existing, err := r.LoadTableSchema(ctx, want.Database, want.Table)
	if err != nil {
		return err
	}

	if existing == nil {
		_, err := r.glue.CreateTable(ctx, &glue.CreateTableInput{
			DatabaseName: aws.String(want.Database),
			TableInput:   tableInput(want),
		})
		if err == nil {
			log.WithField("schema", CompactSchemaText(&want)).Info("catalog table created")
			return nil
		}
		if apiErrorCode(err) != "AlreadyExistsException" {
			return &CatalogError{Op: "CreateTable", Table: want.qualified(), Err: err}
		}
		// Lost a race with a concurrent run; widen its table instead.
		if existing, err = r.LoadTableSchema(ctx, want.Database, want.Table); err != nil {
			return err
		}
		if existing == nil {
			return &CatalogError{Op: "CreateTable", Table: want.qualified(), Err: errors.New("table reported as existing but not found")}
		}
	}

	merged, changed := MergeColumns(existing.Columns, want.Columns)
	if !changed && existing.Location == want.Location {
		return nil
	}
	want.Columns = merged
	if len(existing.Partitions) > 0 {
		want.Partitions = existing.Partitions
	}
	_, err = r.glue.UpdateTable(ctx, &glue.UpdateTableInput{
		DatabaseName: aws.String(want.Database),
		TableInput:   tableInput(want),
	})
	if err != nil {
		return &CatalogError{Op: "UpdateTable", Table: want.qualified(), Err: err}
	}
	log.WithField("schema", CompactSchemaText(&want)).Info("catalog table updated")
	return nil
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// AddPartitions registers partitions, ignoring ones that already exist.
func (r *Registrar) AddPartitions(ctx context.Context, schema TableSchema, parts []Partition) error {
	for start := 0; start < len(parts); start += partitionBatchSize {
		end := start + partitionBatchSize
		if end > len(parts) {
			end = len(parts)
		}

		inputs := make([]gluetypes.PartitionInput, 0, end-start)
		for _, p := range parts[start:end] {
			inputs = append(inputs, gluetypes.PartitionInput{
				Values:            p.Values,
				StorageDescriptor: storageDescriptor(schema.Columns, p.Location),
			})
		}

		out, err := r.glue.BatchCreatePartition(ctx, &glue.BatchCreatePartitionInput{
			DatabaseName:       aws.String(schema.Database),
			TableName:          aws.String(schema.Table),
			PartitionInputList: inputs,
		})
		if err != nil {
			return &CatalogError{Op: "BatchCreatePartition", Table: schema.qualified(), Err: err}
		}

		var failed []string
		for _, pe := range out.Errors {
			if pe.ErrorDetail != nil && aws.ToString(pe.ErrorDetail.ErrorCode) == "AlreadyExistsException" {
				continue
			}
			msg := ""
			if pe.ErrorDetail != nil {
				msg = aws.ToString(pe.ErrorDetail.ErrorCode) + ": " + aws.ToString(pe.ErrorDetail.ErrorMessage)
			}
			failed = append(failed, fmt.Sprintf("%s (%s)", strings.Join(pe.PartitionValues, "/"), msg))
		}
		if len(failed) > 0 {
			return &CatalogError{
				Op:    "BatchCreatePartition",
				Table: schema.qualified(),
				Err:   fmt.Errorf("%d partitions rejected: %s", len(failed), strings.Join(failed, "; ")),
			}
		}
	}
	return nil
}

// MergeColumns appends the columns of add missing from base. The second
// result reports whether anything was appended.
func MergeColumns(base, add []Column) ([]Column, bool) {
	seen := make(map[string]bool, len(base))
	out := make([]Column, 0, len(base)+len(add))
	for _, c := range base {
		seen[strings.ToLower(c.Name)] = true
		out = append(out, c)
	}
	changed := false
	for _, c := range add {
		if seen[strings.ToLower(c.Name)] {
			continue
		}
		seen[strings.ToLower(c.Name)] = true
		out = append(out, c)
		changed = true
	}
	return out, changed
}

func tableInput(s TableSchema) *gluetypes.TableInput {
	keys := make([]gluetypes.Column, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		keys = append(keys, gluetypes.Column{Name: aws.String(p.Name), Type: aws.String(p.Type)})
	}
	return &gluetypes.TableInput{
		Name:      aws.String(s.Table),
		TableType: aws.String("EXTERNAL_TABLE"),
		Parameters: map[string]string{
			"classification":  "parquet",
			"compressionType": "snappy",
			"EXTERNAL":        "TRUE",
		},
		PartitionKeys:     keys,
		StorageDescriptor: storageDescriptor(s.Columns, s.Location),
	}
}

func storageDescriptor(cols []Column, location string) *gluetypes.StorageDescriptor {
	gc := make([]gluetypes.Column, 0, len(cols))
	for _, c := range cols {
		gc = append(gc, gluetypes.Column{Name: aws.String(c.Name), Type: aws.String(c.Type)})
	}
	return &gluetypes.StorageDescriptor{
		Columns:      gc,
		Location:     aws.String(location),
		InputFormat:  aws.String(parquetInputFormat),
		OutputFormat: aws.String(parquetOutputFormat),
		SerdeInfo: &gluetypes.SerDeInfo{
			SerializationLibrary: aws.String(parquetSerDe),
			Parameters:           map[string]string{"serialization.format": "1"},
		},
	}
}

func NormalizeGlueType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// CompactSchemaText renders a schema for logs, e.g.:
//
// TABLE weather.observations (site_name string, observation_date date)
// PARTITIONED BY (observation_date date)
func CompactSchemaText(s *TableSchema) string {
	var b strings.Builder

	cols := append([]Column(nil), s.Columns...)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	b.WriteString(fmt.Sprintf("TABLE %s (", s.qualified()))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name + " " + c.Type)
	}
	b.WriteString(")")

	if len(s.Partitions) > 0 {
		b.WriteString(" PARTITIONED BY (")
		for i, p := range s.Partitions {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.Name + " " + p.Type)
		}
		b.WriteString(")")
	}
	if s.Location != "" {
		b.WriteString(" LOCATION " + s.Location)
	}
	return b.String()
}
