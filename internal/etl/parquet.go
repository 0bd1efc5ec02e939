package etl

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const secondsPerDay = 24 * 60 * 60

// parquetMetadata is the CSV-writer schema for cols. Every column is
// OPTIONAL so missing values are written as nulls.
func parquetMetadata(cols []Column) []string {
	md := make([]string, 0, len(cols))
	for _, c := range cols {
		var physical string
		switch c.Type {
		case TypeDate:
			physical = "type=INT32, convertedtype=DATE"
		case TypeBigint:
			physical = "type=INT64"
		case TypeDouble:
			physical = "type=DOUBLE"
		default:
			physical = "type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"
		}
		md = append(md, fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, physical))
	}
	return md
}

// parquetRecord converts r into the Go values the writer expects for cols,
// in column order. nil marks a null.
func parquetRecord(cols []Column, r Row) ([]interface{}, error) {
	rec := make([]interface{}, len(cols))
	for i, c := range cols {
		v, err := parquetValue(c, r)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		rec[i] = v
	}
	return rec, nil
}

// parquetValue converts the value of column c in r to c.Type. A missing
// value is (nil, nil).
func parquetValue(c Column, r Row) (interface{}, error) {
	if c.Type == TypeDate {
		d, ok, err := r.date(c.Source)
		if err != nil || !ok {
			return nil, err
		}
		return daysSinceEpoch(d), nil
	}

	v, ok := r.Value(c.Source)
	if !ok {
		return nil, nil
	}
	switch c.Type {
	case TypeBigint:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case TypeDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return v, nil
}

// daysSinceEpoch is the Parquet DATE encoding of a midnight-UTC date.
func daysSinceEpoch(d time.Time) int32 {
	return int32(truncateToDate(d).Unix() / secondsPerDay)
}

// encodeParquet writes rows to a temporary local file and returns its bytes.
func encodeParquet(cols []Column, rows []Row) ([]byte, error) {
	localPath := filepath.Join(os.TempDir(), "ingest_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewCSVWriter(parquetMetadata(cols), fw, 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		rec, err := parquetRecord(cols, r)
		if err == nil {
			err = pw.Write(rec)
		}
		if err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
