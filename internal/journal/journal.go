// Package journal records the progress of each ingest run in DynamoDB.
//
// Archiving staging objects and committing the dataset write are not atomic.
// A run that dies between them leaves a record in ARCHIVING or WRITING whose
// ArchivePrefix still holds the raw files. Invoking the ingest lambda with
// {"replay_run_id": "<id>"} copies them back to staging and runs again.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type Status string

const (
	StatusArchiving Status = "ARCHIVING"
	StatusWriting   Status = "WRITING"
	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
	StatusReplayed  Status = "REPLAYED"
)

type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// RunRecord is one item per run id; each status change overwrites it.
type RunRecord struct {
	PK            string   `dynamodbav:"PK"`
	RunID         string   `dynamodbav:"RunId"`
	Status        Status   `dynamodbav:"Status"`
	ArchivePrefix string   `dynamodbav:"ArchivePrefix"`
	StagedKeys    []string `dynamodbav:"StagedKeys,omitempty"`
	Rows          int      `dynamodbav:"Rows"`
	Partitions    []string `dynamodbav:"Partitions,omitempty"`
	Error         string   `dynamodbav:"Error,omitempty"`
	StartedAt     string   `dynamodbav:"StartedAt"`
	UpdatedAt     string   `dynamodbav:"UpdatedAt"`
	ExpiresAt     int64    `dynamodbav:"ExpiresAt"`
}

type Journal struct {
	ddb   DynamoClient
	table string
	ttl   time.Duration
	now   func() time.Time
}

// New returns nil when table is empty; a nil *Journal records nothing.
func New(ddb DynamoClient, table string, ttl time.Duration) *Journal {
	if table == "" {
		return nil
	}
	return &Journal{ddb: ddb, table: table, ttl: ttl, now: time.Now}
}

func RunPK(runID string) string {
	return "RUN#" + runID
}

func (j *Journal) Record(ctx context.Context, rec RunRecord) error {
	if j == nil {
		return nil
	}
	now := j.now().UTC()
	rec.PK = RunPK(rec.RunID)
	rec.UpdatedAt = now.Format(time.RFC3339)
	if rec.StartedAt == "" {
		rec.StartedAt = rec.UpdatedAt
	}
	if j.ttl > 0 {
		rec.ExpiresAt = now.Add(j.ttl).Unix()
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	_, err = j.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(j.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("journal PutItem %s: %w", rec.PK, err)
	}
	return nil
}

// Get returns (nil, nil) when the run has no record.
func (j *Journal) Get(ctx context.Context, runID string) (*RunRecord, error) {
	if j == nil {
		return nil, nil
	}
	out, err := j.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(j.table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: RunPK(runID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("journal GetItem: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec RunRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run record: %w", err)
	}
	return &rec, nil
}
