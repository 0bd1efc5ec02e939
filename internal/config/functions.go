package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ETL configures the CSV to Parquet ingest lambda.
//
// Env:
// - BUCKET_NAME, DATABASE_NAME, TABLE_NAME, PARTITION_COLUMN (required)
// - INCOMING_PREFIX (default "incoming/")
// - PROCESSED_PREFIX (default "processed/")
// - DATASET_PREFIX (default "dataset/")
// - NULL_VALUES (default "null,none")
// - NULL_VALUES_CASE_SENSITIVE (default false)
// - ETL_JOURNAL_TABLE, ETL_JOURNAL_TTL (default 720h)
// - ETL_NOTIFY_TOPIC_ARN
type ETL struct {
	Bucket          string
	Database        string
	Table           string
	PartitionColumn string

	IncomingPrefix  string
	ProcessedPrefix string
	DatasetPrefix   string

	NullValues        []string
	NullCaseSensitive bool

	JournalTable   string
	JournalTTL     time.Duration
	NotifyTopicARN string
}

// DatasetLocation is the s3:// URI registered as the table location.
func (c ETL) DatasetLocation() string {
	return fmt.Sprintf("s3://%s/%s", c.Bucket, c.DatasetPrefix)
}

func LoadETL(ctx context.Context, s *Source) (ETL, error) {
	var (
		cfg ETL
		err error
	)
	if cfg.Bucket, err = s.required(ctx, "BUCKET_NAME"); err != nil {
		return ETL{}, err
	}
	if cfg.Database, err = s.required(ctx, "DATABASE_NAME"); err != nil {
		return ETL{}, err
	}
	if cfg.Table, err = s.required(ctx, "TABLE_NAME"); err != nil {
		return ETL{}, err
	}
	if cfg.PartitionColumn, err = s.required(ctx, "PARTITION_COLUMN"); err != nil {
		return ETL{}, err
	}

	if cfg.IncomingPrefix, err = s.optional(ctx, "INCOMING_PREFIX", "incoming/"); err != nil {
		return ETL{}, err
	}
	if cfg.ProcessedPrefix, err = s.optional(ctx, "PROCESSED_PREFIX", "processed/"); err != nil {
		return ETL{}, err
	}
	if cfg.DatasetPrefix, err = s.optional(ctx, "DATASET_PREFIX", "dataset/"); err != nil {
		return ETL{}, err
	}
	cfg.IncomingPrefix = ensureTrailingSlash(cfg.IncomingPrefix)
	cfg.ProcessedPrefix = ensureTrailingSlash(cfg.ProcessedPrefix)
	cfg.DatasetPrefix = ensureTrailingSlash(cfg.DatasetPrefix)

	nulls, err := s.optional(ctx, "NULL_VALUES", "null,none")
	if err != nil {
		return ETL{}, err
	}
	for _, v := range strings.Split(nulls, ",") {
		if v = strings.TrimSpace(v); v != "" {
			cfg.NullValues = append(cfg.NullValues, v)
		}
	}
	if cfg.NullCaseSensitive, err = s.boolean(ctx, "NULL_VALUES_CASE_SENSITIVE", false); err != nil {
		return ETL{}, err
	}

	if cfg.JournalTable, err = s.optional(ctx, "ETL_JOURNAL_TABLE", ""); err != nil {
		return ETL{}, err
	}
	if cfg.JournalTTL, err = s.duration(ctx, "ETL_JOURNAL_TTL", 30*24*time.Hour); err != nil {
		return ETL{}, err
	}
	if cfg.NotifyTopicARN, err = s.optional(ctx, "ETL_NOTIFY_TOPIC_ARN", ""); err != nil {
		return ETL{}, err
	}
	return cfg, nil
}

// Query configures the hottest-day Athena lambda.
type Query struct {
	Bucket         string
	Database       string
	Table          string
	Workgroup      string
	OutputLocation string // s3://bucket/query-results/
	PollInterval   time.Duration
	MaxWait        time.Duration

	CacheTable string
	CacheTTL   time.Duration
}

func LoadQuery(ctx context.Context, s *Source) (Query, error) {
	var (
		cfg Query
		err error
	)
	if cfg.Bucket, err = s.required(ctx, "BUCKET_NAME"); err != nil {
		return Query{}, err
	}
	if cfg.Database, err = s.required(ctx, "DATABASE_NAME"); err != nil {
		return Query{}, err
	}
	if cfg.Table, err = s.required(ctx, "TABLE_NAME"); err != nil {
		return Query{}, err
	}
	// The table name is interpolated into SQL.
	if err := identifier("TABLE_NAME", cfg.Table); err != nil {
		return Query{}, err
	}

	if cfg.Workgroup, err = s.optional(ctx, "ATHENA_WORKGROUP", "primary"); err != nil {
		return Query{}, err
	}
	cfg.OutputLocation = fmt.Sprintf("s3://%s/query-results/", cfg.Bucket)
	if cfg.PollInterval, err = s.duration(ctx, "ATHENA_POLL_INTERVAL", 700*time.Millisecond); err != nil {
		return Query{}, err
	}
	if cfg.MaxWait, err = s.duration(ctx, "ATHENA_MAX_WAIT", 60*time.Second); err != nil {
		return Query{}, err
	}

	if cfg.CacheTable, err = s.optional(ctx, "QUERY_CACHE_TABLE", ""); err != nil {
		return Query{}, err
	}
	if cfg.CacheTTL, err = s.duration(ctx, "QUERY_CACHE_TTL", 10*time.Minute); err != nil {
		return Query{}, err
	}
	return cfg, nil
}

// Fanout configures the SNS to Step Functions lambda.
type Fanout struct {
	StateMachineARN string
}

func LoadFanout(ctx context.Context, s *Source) (Fanout, error) {
	arn, err := s.required(ctx, "STATE_MACHINE_ARN")
	if err != nil {
		return Fanout{}, err
	}
	return Fanout{StateMachineARN: arn}, nil
}
