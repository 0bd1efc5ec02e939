// Package athena runs a single SQL statement through Athena and collects
// its result set.
package athena

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	log "github.com/sirupsen/logrus"
)

type Client interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

type RunOptions struct {
	Database       string
	Workgroup      string
	OutputLocation string // s3://.../query-results/
	MaxWait        time.Duration
	PollInterval   time.Duration
	MaxResultRows  int
}

type Result struct {
	QueryExecutionID string
	Columns          []string
	Rows             [][]any // in column order, header row removed
	ScannedBytes     int64
	ExecutionMs      int64
}

// Error is a query that reached FAILED or CANCELLED, or never finished.
type Error struct {
	State            string
	Reason           string
	QueryExecutionID string
}

func (e *Error) Error() string {
	if e.QueryExecutionID != "" {
		return fmt.Sprintf("athena %s: %s (qid=%s)", e.State, e.Reason, e.QueryExecutionID)
	}
	return fmt.Sprintf("athena %s: %s", e.State, e.Reason)
}

func Run(ctx context.Context, c Client, sql string, opt RunOptions) (*Result, error) {
	if strings.TrimSpace(opt.Database) == "" {
		return nil, fmt.Errorf("missing athena database")
	}
	if strings.TrimSpace(opt.Workgroup) == "" {
		return nil, fmt.Errorf("missing athena workgroup")
	}
	if strings.TrimSpace(opt.OutputLocation) == "" {
		return nil, fmt.Errorf("missing athena output location")
	}
	if opt.MaxWait == 0 {
		opt.MaxWait = 60 * time.Second
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = 700 * time.Millisecond
	}
	if opt.MaxResultRows == 0 {
		opt.MaxResultRows = 10000
	}

	startOut, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(opt.Database),
		},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(opt.OutputLocation),
		},
		WorkGroup: aws.String(opt.Workgroup),
	})
	if err != nil {
		return nil, fmt.Errorf("athena StartQueryExecution: %w", err)
	}
	qid := aws.ToString(startOut.QueryExecutionId)
	log.WithFields(log.Fields{"query_id": qid, "database": opt.Database, "workgroup": opt.Workgroup}).Debug("athena query started")

	exec, err := waitForQuery(ctx, c, qid, opt)
	if err != nil {
		return nil, err
	}

	cols, rows, err := fetchResults(ctx, c, qid, opt.MaxResultRows)
	if err != nil {
		return nil, err
	}

	res := &Result{QueryExecutionID: qid, Columns: cols, Rows: rows}
	if exec.Statistics != nil {
		res.ScannedBytes = aws.ToInt64(exec.Statistics.DataScannedInBytes)
		res.ExecutionMs = aws.ToInt64(exec.Statistics.EngineExecutionTimeInMillis)
	}
	return res, nil
}

func waitForQuery(ctx context.Context, c Client, qid string, opt RunOptions) (*athenatypes.QueryExecution, error) {
	deadline := time.Now().Add(opt.MaxWait)
	for {
		if time.Now().After(deadline) {
			return nil, &Error{State: "TIMEOUT", Reason: "query timed out", QueryExecutionID: qid}
		}
		getOut, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return nil, fmt.Errorf("athena GetQueryExecution: %w", err)
		}
		exec := getOut.QueryExecution
		if exec == nil || exec.Status == nil {
			return nil, fmt.Errorf("athena GetQueryExecution: no status for qid=%s", qid)
		}

		switch exec.Status.State {
		case athenatypes.QueryExecutionStateSucceeded:
			return exec, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			reason := aws.ToString(exec.Status.StateChangeReason)
			return nil, &Error{State: string(exec.Status.State), Reason: reason, QueryExecutionID: qid}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opt.PollInterval):
		}
	}
}

func fetchResults(ctx context.Context, c Client, qid string, maxRows int) ([]string, [][]any, error) {
	var (
		nextToken *string
		allRows   []athenatypes.Row
		colInfo   []athenatypes.ColumnInfo
	)

	for {
		resOut, err := c.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(qid),
			NextToken:        nextToken,
			MaxResults:       aws.Int32(1000),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("athena GetQueryResults: %w", err)
		}
		if resOut.ResultSet == nil {
			break
		}
		if colInfo == nil && resOut.ResultSet.ResultSetMetadata != nil {
			colInfo = resOut.ResultSet.ResultSetMetadata.ColumnInfo
		}
		allRows = append(allRows, resOut.ResultSet.Rows...)
		if aws.ToString(resOut.NextToken) == "" {
			break
		}
		nextToken = resOut.NextToken

		if len(allRows) > maxRows {
			break
		}
	}

	cols := make([]string, 0, len(colInfo))
	for _, ci := range colInfo {
		cols = append(cols, aws.ToString(ci.Name))
	}

	// Athena returns the header as the first row.
	out := make([][]any, 0, len(allRows))
	for i, r := range allRows {
		if i == 0 {
			continue
		}
		if len(out) >= maxRows {
			break
		}
		vals := make([]any, len(cols))
		for ci, d := range r.Data {
			if ci >= len(cols) {
				continue
			}
			vals[ci] = coerceScalar(d.VarCharValue, typeOf(colInfo, ci))
		}
		out = append(out, vals)
	}
	return cols, out, nil
}

func typeOf(cols []athenatypes.ColumnInfo, i int) string {
	if i >= len(cols) {
		return ""
	}
	return strings.ToLower(aws.ToString(cols[i].Type))
}

// coerceScalar converts numeric Athena columns to Go numbers. Text columns
// stay strings even when they look numeric. NULL cells have no VarCharValue.
func coerceScalar(v *string, athenaType string) any {
	if v == nil {
		return nil
	}
	s := *v
	switch athenaType {
	case "tinyint", "smallint", "integer", "bigint":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	case "float", "real", "double", "decimal":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return s
}
