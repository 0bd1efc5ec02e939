package etl

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the part of the S3 API the ingest pipeline uses.
type ObjectStore interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// listKeys returns every object key under prefix, skipping folder markers.
func listKeys(ctx context.Context, store ObjectStore, bucket, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(store, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, &StorageError{Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == "" || strings.HasSuffix(k, "/") {
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// copySource builds the URL-encoded "bucket/key" CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func s3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// S3 DeleteObjects accepts at most 1000 keys per request.
const deleteBatchSize = 1000

// deleteKeys removes keys in batches. Per-key failures reported in the
// response are errors too.
func deleteKeys(ctx context.Context, store ObjectStore, bucket string, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := store.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &StorageError{Op: "delete", Key: keys[start], Err: err}
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return &StorageError{
				Op:  "delete",
				Key: aws.ToString(first.Key),
				Err: fmt.Errorf("%d of %d keys not deleted: %s %s", len(out.Errors), len(ids), aws.ToString(first.Code), aws.ToString(first.Message)),
			}
		}
	}
	return nil
}
