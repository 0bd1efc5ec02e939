package query

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type CacheClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type CacheKey struct {
	Database string
	Table    string
	SQL      string
	DateISO  string // UTC day the result was computed for
}

type CachedResult struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	QueryID      string   `json:"query_id"`
	ScannedBytes int64    `json:"scanned_bytes"`
}

// Cache keeps query results in DynamoDB for a short TTL. A nil *Cache is
// valid and never hits.
type Cache struct {
	ddb   CacheClient
	table string
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(ddb CacheClient, table string, ttl time.Duration) *Cache {
	if strings.TrimSpace(table) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{ddb: ddb, table: table, ttl: ttl, now: time.Now}
}

func HashKeyMaterial(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func MakeCachePK(k CacheKey) string {
	return "TABLE#" + k.Database + "." + k.Table
}

func MakeCacheSK(k CacheKey) string {
	sql := strings.Join(strings.Fields(k.SQL), " ")
	material := strings.Join([]string{
		"date=" + k.DateISO,
		"sql=" + sql,
	}, "|")
	return "QUERY#" + HashKeyMaterial(material)
}

// Get returns (nil, false, nil) on a miss. Items past ExpiresAt count as
// misses even before DynamoDB's TTL sweeper removes them.
func (c *Cache) Get(ctx context.Context, key CacheKey) (*CachedResult, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: MakeCachePK(key)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: MakeCacheSK(key)},
		},
		ConsistentRead: aws.Bool(false),
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache GetItem: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	if exp, ok := out.Item["ExpiresAt"].(*ddbtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(exp.Value, 10, 64)
		if err == nil && n <= c.now().UTC().Unix() {
			return nil, false, nil
		}
	}

	payload, ok := out.Item["Payload"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return nil, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(payload.Value)))
	dec.UseNumber()
	var res CachedResult
	if err := dec.Decode(&res); err != nil {
		return nil, false, nil
	}
	return &res, true, nil
}

func (c *Cache) Put(ctx context.Context, key CacheKey, res CachedResult) error {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}

	now := c.now().UTC().Unix()
	exp := now + int64(c.ttl/time.Second)

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]ddbtypes.AttributeValue{
			"PK":        &ddbtypes.AttributeValueMemberS{Value: MakeCachePK(key)},
			"SK":        &ddbtypes.AttributeValueMemberS{Value: MakeCacheSK(key)},
			"ExpiresAt": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
			"Payload":   &ddbtypes.AttributeValueMemberS{Value: string(b)},
			"CreatedAt": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
		},
	})
	if err != nil {
		return fmt.Errorf("cache PutItem: %w", err)
	}
	return nil
}
