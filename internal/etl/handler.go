package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"datalake/internal/catalog"
	"datalake/internal/config"
	"datalake/internal/journal"
)

// Catalog registers the dataset table and its partitions.
type Catalog interface {
	LoadTableSchema(ctx context.Context, database, table string) (*catalog.TableSchema, error)
	EnsureTable(ctx context.Context, schema catalog.TableSchema) error
	AddPartitions(ctx context.Context, schema catalog.TableSchema, parts []catalog.Partition) error
}

type RunJournal interface {
	Record(ctx context.Context, rec journal.RunRecord) error
	Get(ctx context.Context, runID string) (*journal.RunRecord, error)
}

type Notifier interface {
	Publish(ctx context.Context, eventType string, v any) (string, error)
}

// Summary is returned to the Lambda runtime and published on completion.
type Summary struct {
	RunID         string   `json:"run_id"`
	Objects       int      `json:"objects"`
	Rows          int      `json:"rows"`
	Partitions    []string `json:"partitions,omitempty"`
	ArchivePrefix string   `json:"archive_prefix,omitempty"`
	Table         string   `json:"table"`
}

// Handler is the CSV to Parquet ingest lambda.
//
// Steps, in order: Read staging, Transform, Prepare Parquet, Archive and clear
// staging, Commit the dataset, register the catalog. Everything before
// Archive is side-effect free, so any error up to that point leaves staging
// exactly as it was.
type Handler struct {
	cfg      config.ETL
	reader   *Reader
	archiver *Archiver
	writer   *DatasetWriter
	catalog  Catalog
	journal  RunJournal
	notifier Notifier

	now      func() time.Time
	newRunID func() string
}

func NewHandler(cfg config.ETL, store ObjectStore, cat Catalog) *Handler {
	return &Handler{
		cfg:      cfg,
		reader:   NewReader(store, cfg.Bucket, cfg.IncomingPrefix, NewNullMatcher(cfg.NullValues, cfg.NullCaseSensitive)),
		archiver: NewArchiver(store, cfg.Bucket, cfg.IncomingPrefix, cfg.ProcessedPrefix),
		writer:   NewDatasetWriter(store, cfg.Bucket, cfg.DatasetPrefix),
		catalog:  cat,
		now:      time.Now,
		newRunID: func() string { return uuid.NewString() },
	}
}

// WithJournal enables the DynamoDB run journal. A nil *journal.Journal is
// accepted and records nothing.
func (h *Handler) WithJournal(j *journal.Journal) *Handler {
	if j != nil {
		h.journal = j
	}
	return h
}

func (h *Handler) WithNotifier(n Notifier) *Handler {
	h.notifier = n
	return h
}

// ReplayRequest is the one payload Handle reads. Any other payload, such as
// an S3 event, a schedule or an SNS envelope, means "process whatever is
// staged".
type ReplayRequest struct {
	ReplayRunID string `json:"replay_run_id"`
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (Summary, error) {
	var req ReplayRequest
	if len(payload) > 0 && json.Unmarshal(payload, &req) == nil && req.ReplayRunID != "" {
		return h.Replay(ctx, req.ReplayRunID)
	}
	return h.Run(ctx)
}

// Replay restores the staged objects of a run that archived them but never
// committed, then runs the pipeline over staging again. The old run is marked
// REPLAYED first so it cannot be restored twice.
func (h *Handler) Replay(ctx context.Context, runID string) (Summary, error) {
	logger := log.WithFields(log.Fields{"replay_run_id": runID, "bucket": h.cfg.Bucket})
	if h.journal == nil {
		return Summary{}, fmt.Errorf("replay %s: run journal not configured", runID)
	}
	rec, err := h.journal.Get(ctx, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("replay %s: %w", runID, err)
	}
	if rec == nil {
		return Summary{}, fmt.Errorf("replay %s: run not found", runID)
	}
	switch rec.Status {
	case journal.StatusWriting, journal.StatusFailed:
	default:
		return Summary{}, fmt.Errorf("replay %s: run is %s", runID, rec.Status)
	}

	restored, err := h.archiver.Restore(ctx, rec.StagedKeys, rec.ArchivePrefix)
	if err != nil {
		logger.WithError(err).Error("restore from archive failed")
		return Summary{}, err
	}
	if err := h.record(ctx, *rec, journal.StatusReplayed, nil); err != nil {
		return Summary{}, err
	}
	logger.WithFields(log.Fields{"objects": restored, "archive": rec.ArchivePrefix}).Info("archived batch restored to staging")
	return h.Run(ctx)
}

func (h *Handler) Run(ctx context.Context) (Summary, error) {
	started := h.now().UTC()
	runID := h.newRunID()
	logger := log.WithFields(log.Fields{"run_id": runID, "bucket": h.cfg.Bucket})
	sum := Summary{RunID: runID, Table: h.cfg.Database + "." + h.cfg.Table}

	raw, err := h.reader.Read(ctx)
	if err != nil {
		logger.WithError(err).Error("read staging failed, staging left untouched")
		return sum, err
	}
	sum.Objects = len(raw.Sources)
	if len(raw.Sources) == 0 {
		logger.Info("staging empty, nothing to do")
		return sum, nil
	}

	enriched, err := Transform(raw, started, h.cfg.PartitionColumn)
	if err != nil {
		logger.WithError(err).Error("transform failed, staging left untouched")
		return sum, err
	}
	sum.Rows = len(enriched.Rows)

	layout, err := InferLayout(enriched)
	if err != nil {
		logger.WithError(err).Error("schema inference failed, staging left untouched")
		return sum, err
	}
	existing, err := h.catalog.LoadTableSchema(ctx, h.cfg.Database, h.cfg.Table)
	if err != nil {
		logger.WithError(err).Error("catalog lookup failed, staging left untouched")
		return sum, err
	}
	if layout, err = ApplyCatalogTypes(layout, existing, enriched.Rows); err != nil {
		logger.WithError(err).Error("batch does not fit the catalog schema, staging left untouched")
		return sum, err
	}
	files, err := h.writer.Prepare(runID, layout, enriched)
	if err != nil {
		logger.WithError(err).Error("parquet encoding failed, staging left untouched")
		return sum, err
	}
	for _, f := range files {
		sum.Partitions = append(sum.Partitions, f.Dir)
	}
	logger.WithFields(log.Fields{"objects": sum.Objects, "rows": sum.Rows, "partitions": len(files)}).Info("batch prepared")

	stamp := RunStamp(started)
	sum.ArchivePrefix = h.archiver.Prefix(stamp)
	rec := journal.RunRecord{
		RunID:         runID,
		ArchivePrefix: sum.ArchivePrefix,
		StagedKeys:    raw.Sources,
		Rows:          sum.Rows,
		Partitions:    sum.Partitions,
		StartedAt:     started.Format(time.RFC3339),
	}
	if err := h.record(ctx, rec, journal.StatusArchiving, nil); err != nil {
		// Nothing destructive has run yet.
		return sum, err
	}

	if err := h.archiver.Archive(ctx, raw.Sources, stamp); err != nil {
		logger.WithError(err).Error("archive failed")
		_ = h.record(ctx, rec, journal.StatusFailed, err)
		return sum, err
	}

	_ = h.record(ctx, rec, journal.StatusWriting, nil)
	if err := h.writer.Commit(ctx, files); err != nil {
		logger.WithError(err).WithField("archive", sum.ArchivePrefix).Error("dataset write failed after staging was cleared")
		_ = h.record(ctx, rec, journal.StatusFailed, err)
		return sum, err
	}

	if err := h.register(ctx, layout, files); err != nil {
		logger.WithError(err).Error("catalog registration failed, data written without catalog visibility")
		_ = h.record(ctx, rec, journal.StatusFailed, err)
		return sum, err
	}

	_ = h.record(ctx, rec, journal.StatusCommitted, nil)
	logger.WithFields(log.Fields{"rows": sum.Rows, "partitions": len(files), "duration_ms": time.Since(started).Milliseconds()}).Info("ingest committed")

	if h.notifier != nil {
		if _, err := h.notifier.Publish(ctx, "ingest.completed", sum); err != nil {
			logger.WithError(err).Warn("completion notification not sent")
		}
	}
	return sum, nil
}

func (h *Handler) register(ctx context.Context, layout Layout, files []PartitionFile) error {
	schema := catalog.TableSchema{
		Database:   h.cfg.Database,
		Table:      h.cfg.Table,
		Location:   h.cfg.DatasetLocation(),
		Columns:    layout.catalogColumns(),
		Partitions: []catalog.Column{{Name: layout.Partition.Name, Type: string(layout.Partition.Type)}},
	}
	if err := h.catalog.EnsureTable(ctx, schema); err != nil {
		return err
	}

	parts := make([]catalog.Partition, 0, len(files))
	for _, f := range files {
		v := f.Value
		if f.Missing {
			v = catalog.HiveDefaultPartition
		}
		parts = append(parts, catalog.Partition{Values: []string{v}, Location: h.writer.Location(f)})
	}
	return h.catalog.AddPartitions(ctx, schema, parts)
}

// record writes a journal transition. Failures after the archive step are
// logged by callers and never mask the pipeline's own error.
func (h *Handler) record(ctx context.Context, rec journal.RunRecord, status journal.Status, cause error) error {
	if h.journal == nil {
		return nil
	}
	rec.Status = status
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := h.journal.Record(ctx, rec); err != nil {
		log.WithError(err).WithFields(log.Fields{"run_id": rec.RunID, "status": status}).Warn("run journal not updated")
		return err
	}
	return nil
}
