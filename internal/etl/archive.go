package etl

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
)

// runStampLayout names the archive folder of one invocation. Microseconds
// keep two runs in the same second apart.
const runStampLayout = "20060102T150405.000000Z"

func RunStamp(t time.Time) string {
	return t.UTC().Format(runStampLayout)
}

// Archiver moves staged objects to processed/{stamp}/ and clears them
// from staging.
type Archiver struct {
	store           ObjectStore
	bucket          string
	stagingPrefix   string
	processedPrefix string
}

func NewArchiver(store ObjectStore, bucket, stagingPrefix, processedPrefix string) *Archiver {
	return &Archiver{
		store:           store,
		bucket:          bucket,
		stagingPrefix:   stagingPrefix,
		processedPrefix: processedPrefix,
	}
}

// Prefix is the archive folder for a run stamp.
func (a *Archiver) Prefix(stamp string) string {
	return a.processedPrefix + stamp + "/"
}

// Archive copies every key, and only when all copies succeeded deletes the
// originals. Keys keep their path relative to the staging prefix.
func (a *Archiver) Archive(ctx context.Context, keys []string, stamp string) error {
	dest := a.Prefix(stamp)
	for _, key := range keys {
		target := dest + strings.TrimPrefix(key, a.stagingPrefix)
		_, err := a.store.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(a.bucket),
			CopySource: aws.String(copySource(a.bucket, key)),
			Key:        aws.String(target),
		})
		if err != nil {
			return &StorageError{Op: "copy", Key: key, Err: err}
		}
	}
	log.WithFields(log.Fields{"objects": len(keys), "archive": s3URI(a.bucket, dest)}).Info("staged objects archived")

	if err := deleteKeys(ctx, a.store, a.bucket, keys); err != nil {
		return err
	}
	log.WithFields(log.Fields{"objects": len(keys), "staging": s3URI(a.bucket, a.stagingPrefix)}).Info("staging cleared")
	return nil
}

// Restore copies archived objects under archivePrefix back to their staging
// keys. A key with no archived copy was never archived, so it is skipped.
func (a *Archiver) Restore(ctx context.Context, keys []string, archivePrefix string) (int, error) {
	restored := 0
	for _, key := range keys {
		src := archivePrefix + strings.TrimPrefix(key, a.stagingPrefix)
		_, err := a.store.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(a.bucket),
			CopySource: aws.String(copySource(a.bucket, src)),
			Key:        aws.String(key),
		})
		if err != nil {
			var ae smithy.APIError
			if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchKey" {
				log.WithField("key", src).Warn("no archived copy, skipped")
				continue
			}
			return restored, &StorageError{Op: "restore", Key: src, Err: err}
		}
		restored++
	}
	return restored, nil
}
