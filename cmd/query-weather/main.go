package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"

	"datalake/internal/config"
	"datalake/internal/logging"
	"datalake/internal/query"
)

func main() {
	ctx := context.Background()
	logger := logging.Setup("query-weather")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	cfg, err := config.LoadQuery(ctx, config.FromEnvironment(ssm.NewFromConfig(awsCfg)))
	if err != nil {
		log.Fatalf("load query config: %v", err)
	}

	h := query.NewHandler(cfg, awsathena.NewFromConfig(awsCfg)).
		WithCache(query.NewCache(dynamodb.NewFromConfig(awsCfg), cfg.CacheTable, cfg.CacheTTL))

	logger.WithFields(log.Fields{"table": cfg.Database + "." + cfg.Table, "workgroup": cfg.Workgroup}).Info("query lambda ready")
	lambda.Start(h.Handle)
}
