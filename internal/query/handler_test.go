package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datalake/internal/athena"
	"datalake/internal/config"
)

type fakeAthena struct {
	state   athenatypes.QueryExecutionState
	rows    [][]string
	starts  int
	lastSQL string
	input   *awsathena.StartQueryExecutionInput
}

func (f *fakeAthena) StartQueryExecution(ctx context.Context, params *awsathena.StartQueryExecutionInput, optFns ...func(*awsathena.Options)) (*awsathena.StartQueryExecutionOutput, error) {
	f.starts++
	f.lastSQL = aws.ToString(params.QueryString)
	f.input = params
	return &awsathena.StartQueryExecutionOutput{QueryExecutionId: aws.String("qid-7")}, nil
}

func (f *fakeAthena) GetQueryExecution(ctx context.Context, params *awsathena.GetQueryExecutionInput, optFns ...func(*awsathena.Options)) (*awsathena.GetQueryExecutionOutput, error) {
	return &awsathena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		QueryExecutionId: params.QueryExecutionId,
		Status: &athenatypes.QueryExecutionStatus{
			State:             f.state,
			StateChangeReason: aws.String("TABLE_NOT_FOUND: line 1:73"),
		},
	}}, nil
}

func (f *fakeAthena) GetQueryResults(ctx context.Context, params *awsathena.GetQueryResultsInput, optFns ...func(*awsathena.Options)) (*awsathena.GetQueryResultsOutput, error) {
	header := []string{"site_name", "region", "country", "observation_date"}
	var meta []athenatypes.ColumnInfo
	for _, h := range header {
		meta = append(meta, athenatypes.ColumnInfo{Name: aws.String(h), Type: aws.String("varchar")})
	}
	rows := []athenatypes.Row{toRow(header)}
	for _, r := range f.rows {
		rows = append(rows, toRow(r))
	}
	return &awsathena.GetQueryResultsOutput{ResultSet: &athenatypes.ResultSet{
		ResultSetMetadata: &athenatypes.ResultSetMetadata{ColumnInfo: meta},
		Rows:              rows,
	}}, nil
}

func toRow(vals []string) athenatypes.Row {
	var r athenatypes.Row
	for _, v := range vals {
		r.Data = append(r.Data, athenatypes.Datum{VarCharValue: aws.String(v)})
	}
	return r
}

type fakeDynamo struct {
	items  map[string]map[string]ddbtypes.AttributeValue
	getErr error
	puts   int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func itemKey(key map[string]ddbtypes.AttributeValue) string {
	pk := key["PK"].(*ddbtypes.AttributeValueMemberS).Value
	sk := key["SK"].(*ddbtypes.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(params.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts++
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

var testQuery = config.Query{
	Bucket:         "lake",
	Database:       "weather",
	Table:          "observations",
	Workgroup:      "primary",
	OutputLocation: "s3://lake/query-results/",
	PollInterval:   time.Millisecond,
	MaxWait:        time.Second,
}

var hottest = [][]string{
	{"SOUTH UIST RANGE", "Western Isles", "SCOTLAND", "2016-03-17"},
	{"LERWICK", "Orkney & Shetland", "SCOTLAND", "2016-03-17"},
}

func TestHottestDaySQL(t *testing.T) {
	want := "SELECT site_name, region, country, cast(observation_date as varchar) as observation_date " +
		"FROM observations where screen_temperature = (SELECT max(screen_temperature) FROM observations)"
	assert.Equal(t, want, HottestDaySQL("observations"))
}

func TestHandleRunsQuery(t *testing.T) {
	fa := &fakeAthena{state: athenatypes.QueryExecutionStateSucceeded, rows: hottest}
	h := NewHandler(testQuery, fa)

	rows, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)

	want := [][]any{
		{"SOUTH UIST RANGE", "Western Isles", "SCOTLAND", "2016-03-17"},
		{"LERWICK", "Orkney & Shetland", "SCOTLAND", "2016-03-17"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, HottestDaySQL("observations"), fa.lastSQL)
	assert.Equal(t, "weather", aws.ToString(fa.input.QueryExecutionContext.Database))
	assert.Equal(t, "s3://lake/query-results/", aws.ToString(fa.input.ResultConfiguration.OutputLocation))
	assert.Equal(t, "primary", aws.ToString(fa.input.WorkGroup))
}

func TestHandleEmptyTable(t *testing.T) {
	fa := &fakeAthena{state: athenatypes.QueryExecutionStateSucceeded}

	rows, err := NewHandler(testQuery, fa).Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestHandleQueryFailed(t *testing.T) {
	fa := &fakeAthena{state: athenatypes.QueryExecutionStateFailed}

	_, err := NewHandler(testQuery, fa).Handle(context.Background(), nil)
	var aerr *athena.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "FAILED", aerr.State)
	assert.Equal(t, "qid-7", aerr.QueryExecutionID)
	assert.True(t, strings.HasPrefix(aerr.Reason, "TABLE_NOT_FOUND"))
}

func TestHandleUsesCache(t *testing.T) {
	fa := &fakeAthena{state: athenatypes.QueryExecutionStateSucceeded, rows: hottest}
	ddb := newFakeDynamo()
	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	cache := NewCache(ddb, "query-cache", 10*time.Minute)
	cache.now = func() time.Time { return clock }
	h := NewHandler(testQuery, fa).WithCache(cache)
	h.now = func() time.Time { return clock }

	first, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)
	second, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, fa.starts)
	assert.Equal(t, 1, ddb.puts)
	assert.Equal(t, first, second)

	// Past the TTL the item is ignored even if DynamoDB still returns it.
	clock = clock.Add(11 * time.Minute)
	_, err = h.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fa.starts)
}

func TestHandleCacheReadErrorFallsThrough(t *testing.T) {
	fa := &fakeAthena{state: athenatypes.QueryExecutionStateSucceeded, rows: hottest}
	ddb := newFakeDynamo()
	ddb.getErr = errors.New("ProvisionedThroughputExceededException")

	rows, err := NewHandler(testQuery, fa).WithCache(NewCache(ddb, "query-cache", 0)).Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 1, fa.starts)
}

func TestCacheKeyIsPerDay(t *testing.T) {
	k := CacheKey{Database: "weather", Table: "observations", SQL: HottestDaySQL("observations"), DateISO: "2026-10-19"}
	next := k
	next.DateISO = "2026-10-20"
	spaced := k
	spaced.SQL = strings.ReplaceAll(k.SQL, " ", "  ")

	assert.Equal(t, "TABLE#weather.observations", MakeCachePK(k))
	assert.NotEqual(t, MakeCacheSK(k), MakeCacheSK(next))
	assert.Equal(t, MakeCacheSK(k), MakeCacheSK(spaced))
	assert.Nil(t, NewCache(newFakeDynamo(), " ", time.Minute))
}
