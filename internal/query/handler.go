// Package query answers the fixed "hottest day" question against the
// curated dataset through Athena.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"datalake/internal/athena"
	"datalake/internal/config"
)

// HottestDaySQL selects every observation at the table-wide maximum
// screen temperature. table must already be a validated identifier.
func HottestDaySQL(table string) string {
	return fmt.Sprintf(
		"SELECT site_name, region, country, cast(observation_date as varchar) as observation_date "+
			"FROM %s where screen_temperature = (SELECT max(screen_temperature) FROM %s)",
		table, table)
}

type Handler struct {
	cfg    config.Query
	athena athena.Client
	cache  *Cache
	now    func() time.Time
}

func NewHandler(cfg config.Query, client athena.Client) *Handler {
	return &Handler{cfg: cfg, athena: client, now: time.Now}
}

// WithCache enables result caching; a nil cache disables it.
func (h *Handler) WithCache(c *Cache) *Handler {
	h.cache = c
	return h
}

// Handle ignores its payload and returns one row per hottest observation:
// site_name, region, country, observation_date.
func (h *Handler) Handle(ctx context.Context, _ json.RawMessage) ([][]any, error) {
	sql := HottestDaySQL(h.cfg.Table)
	key := CacheKey{
		Database: h.cfg.Database,
		Table:    h.cfg.Table,
		SQL:      sql,
		DateISO:  h.now().UTC().Format("2006-01-02"),
	}
	logger := log.WithFields(log.Fields{"database": h.cfg.Database, "table": h.cfg.Table})

	cached, hit, err := h.cache.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("query cache read failed")
	}
	if hit {
		logger.WithField("query_id", cached.QueryID).Info("query served from cache")
		return nonNil(cached.Rows), nil
	}

	res, err := athena.Run(ctx, h.athena, sql, athena.RunOptions{
		Database:       h.cfg.Database,
		Workgroup:      h.cfg.Workgroup,
		OutputLocation: h.cfg.OutputLocation,
		MaxWait:        h.cfg.MaxWait,
		PollInterval:   h.cfg.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Error("hottest day query failed")
		return nil, err
	}
	logger.WithFields(log.Fields{
		"query_id":      res.QueryExecutionID,
		"rows":          len(res.Rows),
		"scanned_bytes": res.ScannedBytes,
		"exec_ms":       res.ExecutionMs,
	}).Info("hottest day query finished")

	if err := h.cache.Put(ctx, key, CachedResult{
		Columns:      res.Columns,
		Rows:         res.Rows,
		QueryID:      res.QueryExecutionID,
		ScannedBytes: res.ScannedBytes,
	}); err != nil {
		logger.WithError(err).Warn("query cache write failed")
	}
	return nonNil(res.Rows), nil
}

func nonNil(rows [][]any) [][]any {
	if rows == nil {
		return [][]any{}
	}
	return rows
}
