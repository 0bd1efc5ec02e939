package etl

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"

	"datalake/internal/catalog"
	"datalake/internal/journal"
)

// memS3 is a single-bucket in-memory object store.
type memS3 struct {
	objects map[string][]byte
	failOn  map[string]failure // keyed by operation name

	gets, puts, copies, deletes int
}

type failure struct {
	key string // only fail for keys containing this; "" fails every call
	err error
}

func newMemS3(objects map[string]string) *memS3 {
	m := &memS3{objects: map[string][]byte{}, failOn: map[string]failure{}}
	for k, v := range objects {
		m.objects[k] = []byte(v)
	}
	return m
}

func (m *memS3) fail(op, key string, err error) { m.failOn[op] = failure{key: key, err: err} }

func (m *memS3) check(op, key string) error {
	f, ok := m.failOn[op]
	if ok && strings.Contains(key, f.key) {
		return f.err
	}
	return nil
}

func (m *memS3) keys(prefix string) []string {
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *memS3) snapshot() map[string]string {
	out := make(map[string]string, len(m.objects))
	for k, v := range m.objects {
		out[k] = string(v)
	}
	return out
}

func (m *memS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	if err := m.check("ListObjectsV2", prefix); err != nil {
		return nil, err
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range m.keys(prefix) {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (m *memS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	m.gets++
	if err := m.check("GetObject", key); err != nil {
		return nil, err
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String(key)}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	m.puts++
	if err := m.check("PutObject", key); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[key] = b
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.copies++
	src := aws.ToString(params.CopySource)
	src = src[strings.Index(src, "/")+1:]
	src, err := url.PathUnescape(src)
	if err != nil {
		return nil, err
	}
	if err := m.check("CopyObject", src); err != nil {
		return nil, err
	}
	b, ok := m.objects[src]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String(src)}
	}
	m.objects[aws.ToString(params.Key)] = append([]byte(nil), b...)
	return &s3.CopyObjectOutput{}, nil
}

func (m *memS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.deletes++
	out := &s3.DeleteObjectsOutput{}
	for _, id := range params.Delete.Objects {
		key := aws.ToString(id.Key)
		if err := m.check("DeleteObjects", key); err != nil {
			out.Errors = append(out.Errors, s3types.Error{Key: id.Key, Code: aws.String("AccessDenied"), Message: aws.String(err.Error())})
			continue
		}
		delete(m.objects, key)
		out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: id.Key})
	}
	return out, nil
}

type mockCatalog struct {
	existing   *catalog.TableSchema
	loadErr    error
	schemas    []catalog.TableSchema
	partitions []catalog.Partition
	err        error
}

func (m *mockCatalog) LoadTableSchema(ctx context.Context, database, table string) (*catalog.TableSchema, error) {
	return m.existing, m.loadErr
}

func (m *mockCatalog) EnsureTable(ctx context.Context, schema catalog.TableSchema) error {
	if m.err != nil {
		return m.err
	}
	m.schemas = append(m.schemas, schema)
	return nil
}

func (m *mockCatalog) AddPartitions(ctx context.Context, schema catalog.TableSchema, parts []catalog.Partition) error {
	m.partitions = append(m.partitions, parts...)
	return nil
}

type mockJournal struct {
	statuses []journal.Status
	last     journal.RunRecord
	runs     map[string]journal.RunRecord
}

func (m *mockJournal) Record(ctx context.Context, rec journal.RunRecord) error {
	m.statuses = append(m.statuses, rec.Status)
	m.last = rec
	if m.runs == nil {
		m.runs = map[string]journal.RunRecord{}
	}
	m.runs[rec.RunID] = rec
	return nil
}

func (m *mockJournal) Get(ctx context.Context, runID string) (*journal.RunRecord, error) {
	rec, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// memGlue keeps tables across calls so catalog.Registrar sees what earlier
// runs registered.
type memGlue struct {
	tables     map[string]*gluetypes.TableInput
	partitions map[string]*gluetypes.PartitionInput
}

func newMemGlue() *memGlue {
	return &memGlue{tables: map[string]*gluetypes.TableInput{}, partitions: map[string]*gluetypes.PartitionInput{}}
}

func (m *memGlue) GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	ti, ok := m.tables[aws.ToString(params.Name)]
	if !ok {
		return nil, &gluetypes.EntityNotFoundException{Message: aws.String("table not found")}
	}
	return &glue.GetTableOutput{Table: &gluetypes.Table{
		Name:              ti.Name,
		DatabaseName:      params.DatabaseName,
		StorageDescriptor: ti.StorageDescriptor,
		PartitionKeys:     ti.PartitionKeys,
	}}, nil
}

func (m *memGlue) CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error) {
	m.tables[aws.ToString(params.TableInput.Name)] = params.TableInput
	return &glue.CreateTableOutput{}, nil
}

func (m *memGlue) UpdateTable(ctx context.Context, params *glue.UpdateTableInput, optFns ...func(*glue.Options)) (*glue.UpdateTableOutput, error) {
	m.tables[aws.ToString(params.TableInput.Name)] = params.TableInput
	return &glue.UpdateTableOutput{}, nil
}

func (m *memGlue) BatchCreatePartition(ctx context.Context, params *glue.BatchCreatePartitionInput, optFns ...func(*glue.Options)) (*glue.BatchCreatePartitionOutput, error) {
	out := &glue.BatchCreatePartitionOutput{}
	for i := range params.PartitionInputList {
		p := params.PartitionInputList[i]
		key := strings.Join(p.Values, "/")
		if _, ok := m.partitions[key]; ok {
			out.Errors = append(out.Errors, gluetypes.PartitionError{
				PartitionValues: p.Values,
				ErrorDetail:     &gluetypes.ErrorDetail{ErrorCode: aws.String("AlreadyExistsException")},
			})
			continue
		}
		m.partitions[key] = &p
	}
	return out, nil
}

func (m *memGlue) columnType(table, column string) string {
	for _, c := range m.tables[table].StorageDescriptor.Columns {
		if aws.ToString(c.Name) == column {
			return aws.ToString(c.Type)
		}
	}
	return ""
}

type mockNotifier struct {
	events []string
	bodies []any
}

func (m *mockNotifier) Publish(ctx context.Context, eventType string, v any) (string, error) {
	m.events = append(m.events, eventType)
	m.bodies = append(m.bodies, v)
	return "msg-1", nil
}

// leafType returns the physical type of the named leaf. The reader reports
// leaf names in its own capitalisation, so names compare case-insensitively.
func leafType(t *testing.T, leaves []*parquet.SchemaElement, name string) parquet.Type {
	t.Helper()
	for _, el := range leaves {
		if strings.EqualFold(el.GetName(), name) {
			return el.GetType()
		}
	}
	t.Fatalf("no leaf %q in parquet schema", name)
	return 0
}

// leafNames lists the leaves lower-cased.
func leafNames(leaves []*parquet.SchemaElement) []string {
	names := make([]string, 0, len(leaves))
	for _, el := range leaves {
		names = append(names, strings.ToLower(el.GetName()))
	}
	return names
}

// parquetRows writes b to a temp file and returns the row count and the
// leaf schema elements of the Parquet footer.
func parquetRows(t *testing.T, b []byte) (int64, []*parquet.SchemaElement) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.parquet")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	return pr.GetNumRows(), pr.Footer.Schema[1:]
}
