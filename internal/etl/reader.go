package etl

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// observationLayouts are tried in order. Layouts without a zone parse as UTC.
var observationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	dateLayout,
}

// Reader loads every CSV object under a staging prefix into one Batch.
type Reader struct {
	store  ObjectStore
	bucket string
	prefix string
	nulls  NullMatcher
}

func NewReader(store ObjectStore, bucket, prefix string, nulls NullMatcher) *Reader {
	return &Reader{store: store, bucket: bucket, prefix: prefix, nulls: nulls}
}

// Read lists the staging prefix once and parses each listed object. The
// returned Batch.Sources is exactly the set of keys that were read.
func (r *Reader) Read(ctx context.Context) (*Batch, error) {
	keys, err := listKeys(ctx, r.store, r.bucket, r.prefix)
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	for _, key := range keys {
		out, err := r.store.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, &InputError{Key: key, Op: "get", Err: err}
		}
		body, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return nil, &InputError{Key: key, Op: "get", Err: err}
		}

		n, err := r.parse(key, body, batch)
		if err != nil {
			return nil, err
		}
		batch.Sources = append(batch.Sources, key)

		log.WithFields(log.Fields{"key": key, "rows": n}).Debug("staged object parsed")
	}
	return batch, nil
}

func (r *Reader) parse(key string, body []byte, batch *Batch) (int, error) {
	cr := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)))

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		// Empty object: nothing to load, but it is still archived.
		return 0, nil
	}
	if err != nil {
		return 0, &InputError{Key: key, Op: "parse header", Err: err}
	}

	obsIdx := -1
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		if seen[h] {
			return 0, &InputError{Key: key, Op: "parse header", Err: fmt.Errorf("duplicate column %q", h)}
		}
		seen[h] = true
		if h == ObservationDateColumn {
			obsIdx = i
		}
	}
	if obsIdx < 0 {
		return 0, &InputError{Key: key, Op: "parse header", Err: fmt.Errorf("missing column %q", ObservationDateColumn)}
	}
	batch.addColumns(header)

	n := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, &InputError{Key: key, Op: "parse", Err: err}
		}
		line, _ := cr.FieldPos(0)

		row := Row{Fields: make(map[string]string, len(rec))}
		for i, v := range rec {
			if r.nulls.IsNull(v) {
				continue
			}
			if i == obsIdx {
				ts, err := ParseObservationDate(v)
				if err != nil {
					return n, &InputError{Key: key, Op: fmt.Sprintf("parse line %d", line), Err: err}
				}
				row.ObservationDate = &ts
				continue
			}
			row.Fields[header[i]] = v
		}
		batch.Rows = append(batch.Rows, row)
		n++
	}
	return n, nil
}

// ParseObservationDate accepts ISO-8601 timestamps with or without a zone,
// a space separator, optional fractional seconds, or a bare date.
func ParseObservationDate(v string) (time.Time, error) {
	for _, layout := range observationLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s %q is not a date/time", ObservationDateColumn, v)
}
