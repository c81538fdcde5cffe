package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type Notification struct {
	Type         string         `json:"type"`
	DepartmentID string         `json:"department_id,omitempty"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// SNSNotifier publishes budget notifications to an SNS topic so finance and
// department owners can subscribe via email or chat integrations.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notification.Type),
			},
		},
	}

	if notification.DepartmentID != "" {
		input.MessageAttributes["DepartmentID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.DepartmentID),
		}
	}

	_, err = n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"department_id", notification.DepartmentID,
	)

	return nil
}

// NotifyHandler adapts a Notifier into a Monitor handler.
func NotifyHandler(notifier Notifier) Handler {
	return func(alert Alert) {
		n := Notification{
			Type:         "budget_" + string(alert.Level),
			DepartmentID: alert.DepartmentID,
			Message: fmt.Sprintf("department %s has used %.1f%% of its $%.2f monthly budget",
				alert.DepartmentID, alert.Percentage, alert.BudgetUSD),
			Data: map[string]any{
				"budget_usd":  alert.BudgetUSD,
				"current_usd": alert.CurrentUSD,
				"percentage":  alert.Percentage,
			},
		}
		if err := notifier.Send(context.Background(), n); err != nil {
			slog.Error("failed to send budget notification",
				"department_id", alert.DepartmentID,
				"error", err,
			)
		}
	}
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
