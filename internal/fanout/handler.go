// Package fanout starts one Step Functions execution per SNS record.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type StepFunctions interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

type Handler struct {
	sfn             StepFunctions
	stateMachineARN string
	newName         func() string
}

func NewHandler(client StepFunctions, stateMachineARN string) *Handler {
	return &Handler{
		sfn:             client,
		stateMachineARN: stateMachineARN,
		newName:         func() string { return uuid.NewString() },
	}
}

// Handle starts executions in record order and stops at the first failure.
// Executions started before the failure are left running.
func (h *Handler) Handle(ctx context.Context, event events.SNSEvent) ([]string, error) {
	arns := make([]string, 0, len(event.Records))
	for i, rec := range event.Records {
		input, err := json.Marshal(rec)
		if err != nil {
			return arns, fmt.Errorf("marshal sns record %d: %w", i, err)
		}

		name := h.newName()
		out, err := h.sfn.StartExecution(ctx, &sfn.StartExecutionInput{
			StateMachineArn: aws.String(h.stateMachineARN),
			Name:            aws.String(name),
			Input:           aws.String(string(input)),
		})
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"message_id": rec.SNS.MessageID,
				"started":    len(arns),
			}).Error("start execution failed")
			return arns, fmt.Errorf("sfn StartExecution %s: %w", name, err)
		}

		arn := aws.ToString(out.ExecutionArn)
		log.WithFields(log.Fields{
			"message_id":    rec.SNS.MessageID,
			"topic":         rec.SNS.TopicArn,
			"execution_arn": arn,
		}).Info("execution started")
		arns = append(arns, arn)
	}
	return arns, nil
}
