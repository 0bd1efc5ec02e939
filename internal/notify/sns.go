// Package notify publishes JSON summaries to an SNS topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Publisher struct {
	sns      SNSClient
	topicArn string
}

// NewPublisher returns nil when topicArn is empty; a nil *Publisher drops messages.
func NewPublisher(c SNSClient, topicArn string) *Publisher {
	if topicArn == "" {
		return nil
	}
	return &Publisher{sns: c, topicArn: topicArn}
}

// Publish sends v as a JSON message and returns the SNS message id.
// eventType is also set as a message attribute for subscription filters.
func (p *Publisher) Publish(ctx context.Context, eventType string, v any) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", eventType, err)
	}

	out, err := p.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Subject:  aws.String(eventType),
		Message:  aws.String(string(b)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sns publish %s: %w", eventType, err)
	}
	return aws.ToString(out.MessageId), nil
}
