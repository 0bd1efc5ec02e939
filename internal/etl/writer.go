package etl

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"datalake/internal/catalog"
)

// PartitionFile is one encoded Parquet object, ready to upload.
type PartitionFile struct {
	Value   string // raw partition value, "" when missing
	Missing bool
	Dir     string // dataset/{col}={escaped}/
	Key     string
	Rows    int
	Body    []byte
}

// DatasetWriter writes partitioned Parquet under the dataset prefix with
// overwrite-partitions semantics.
type DatasetWriter struct {
	store  ObjectStore
	bucket string
	prefix string
}

func NewDatasetWriter(store ObjectStore, bucket, prefix string) *DatasetWriter {
	return &DatasetWriter{store: store, bucket: bucket, prefix: prefix}
}

// Prepare groups rows by partition value and encodes one Parquet object per
// group. It does no I/O against S3, so it runs before staging is archived.
func (w *DatasetWriter) Prepare(runID string, layout Layout, b *EnrichedBatch) ([]PartitionFile, error) {
	type group struct {
		value   string
		missing bool
		rows    []Row
	}
	groups := map[string]*group{}
	for _, r := range b.Rows {
		v, ok := r.Value(layout.Partition.Source)
		dir := w.partitionDir(layout.Partition.Name, v, ok)
		g, exists := groups[dir]
		if !exists {
			g = &group{value: v, missing: !ok}
			groups[dir] = g
		}
		g.rows = append(g.rows, r)
	}

	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	files := make([]PartitionFile, 0, len(dirs))
	for _, dir := range dirs {
		g := groups[dir]
		body, err := encodeParquet(layout.Columns, g.rows)
		if err != nil {
			return nil, &InputError{Op: "encode " + dir, Err: err}
		}
		files = append(files, PartitionFile{
			Value:   g.value,
			Missing: g.missing,
			Dir:     dir,
			Key:     fmt.Sprintf("%s%s.snappy.parquet", dir, runID),
			Rows:    len(g.rows),
			Body:    body,
		})
	}
	return files, nil
}

func (w *DatasetWriter) partitionDir(col, value string, ok bool) string {
	if !ok {
		value = ""
	}
	return fmt.Sprintf("%s%s=%s/", w.prefix, col, catalog.EscapePartitionValue(value))
}

// Commit uploads each file, then removes whatever else was in that
// partition's folder. Partitions not in files are never listed or touched.
func (w *DatasetWriter) Commit(ctx context.Context, files []PartitionFile) error {
	for _, f := range files {
		_, err := w.store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(f.Key),
			Body:        bytes.NewReader(f.Body),
			ContentType: aws.String("application/octet-stream"),
			ACL:         s3types.ObjectCannedACLPrivate,
		})
		if err != nil {
			return &StorageError{Op: "put", Key: f.Key, Err: err}
		}

		existing, err := listKeys(ctx, w.store, w.bucket, f.Dir)
		if err != nil {
			return err
		}
		stale := make([]string, 0, len(existing))
		for _, k := range existing {
			if k != f.Key {
				stale = append(stale, k)
			}
		}
		if err := deleteKeys(ctx, w.store, w.bucket, stale); err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"partition": f.Dir,
			"rows":      f.Rows,
			"replaced":  len(stale),
		}).Info("partition written")
	}
	return nil
}

// Location is the s3:// URI of a partition folder.
func (w *DatasetWriter) Location(f PartitionFile) string {
	return s3URI(w.bucket, f.Dir)
}
