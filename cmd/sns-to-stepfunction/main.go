package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"

	"datalake/internal/config"
	"datalake/internal/fanout"
	"datalake/internal/logging"
)

func main() {
	ctx := context.Background()
	logging.Setup("sns-to-stepfunction")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	cfg, err := config.LoadFanout(ctx, config.FromEnvironment(ssm.NewFromConfig(awsCfg)))
	if err != nil {
		log.Fatalf("load fanout config: %v", err)
	}

	h := fanout.NewHandler(sfn.NewFromConfig(awsCfg), cfg.StateMachineARN)
	lambda.Start(h.Handle)
}
