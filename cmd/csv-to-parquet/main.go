package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"

	"datalake/internal/catalog"
	"datalake/internal/config"
	"datalake/internal/etl"
	"datalake/internal/journal"
	"datalake/internal/logging"
	"datalake/internal/notify"
)

func main() {
	ctx := context.Background()
	logger := logging.Setup("csv-to-parquet")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	cfg, err := config.LoadETL(ctx, config.FromEnvironment(ssm.NewFromConfig(awsCfg)))
	if err != nil {
		log.Fatalf("load etl config: %v", err)
	}

	h := etl.NewHandler(cfg, s3.NewFromConfig(awsCfg), catalog.NewRegistrar(glue.NewFromConfig(awsCfg))).
		WithJournal(journal.New(dynamodb.NewFromConfig(awsCfg), cfg.JournalTable, cfg.JournalTTL))
	if p := notify.NewPublisher(sns.NewFromConfig(awsCfg), cfg.NotifyTopicARN); p != nil {
		h = h.WithNotifier(p)
	}

	logger.WithFields(log.Fields{
		"bucket":    cfg.Bucket,
		"table":     cfg.Database + "." + cfg.Table,
		"partition": cfg.PartitionColumn,
		"journal":   cfg.JournalTable != "",
	}).Info("ingest lambda ready")
	lambda.Start(h.Handle)
}
