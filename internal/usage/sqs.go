package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"deptgate/internal/domain"
)

// SQSSink forwards usage events to a queue for the analytics pipeline.
// Typically wrapped in a MultiSink behind the durable Postgres sink.
type SQSSink struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSSinkWithConfig(cfg, queueURL), nil
}

func NewSQSSinkWithConfig(cfg aws.Config, queueURL string) *SQSSink {
	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (s *SQSSink) Append(ctx context.Context, event domain.UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"DepartmentID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.DepartmentID),
			},
			"EventID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ID),
			},
		},
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}
