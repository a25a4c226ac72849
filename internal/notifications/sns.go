// Package notifications publishes provider health events.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown       NotificationType = "provider_down"
	NotificationProviderUp         NotificationType = "provider_up"
	NotificationProviderAuthFailed NotificationType = "provider_auth_failed"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	Provider string           `json:"provider"`
	Message  string           `json:"message"`
	Time     time.Time        `json:"time"`
	Data     map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// Publisher is the part of the SNS client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   Publisher
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn), nil
}

func NewSNSNotifierWithClient(client Publisher, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.Time.IsZero() {
		notification.Time = time.Now().UTC()
	}

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
				StringValue: aws.String(string(notification.Type)),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notification.Provider),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"provider", notification.Provider,
	)
	return nil
}

// LogNotifier only logs. It is used when no topic is configured.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, notification Notification) error {
	slog.Warn("provider event",
		"type", notification.Type,
		"provider", notification.Provider,
		"message", notification.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}
