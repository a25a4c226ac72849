package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type mockPublisher struct {
	PublishFunc func(ctx context.Context, in *sns.PublishInput) (*sns.PublishOutput, error)
}

func (m *mockPublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, in)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	n := NewSNSNotifierWithClient(&mockPublisher{
		PublishFunc: func(_ context.Context, in *sns.PublishInput) (*sns.PublishOutput, error) {
			got = in
			return &sns.PublishOutput{}, nil
		},
	}, "arn:aws:sns:us-east-1:123:gateway")

	err := n.Send(context.Background(), Notification{
		Type:     NotificationProviderDown,
		Provider: "openai",
		Message:  "health check failed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if aws.ToString(got.TopicArn) != "arn:aws:sns:us-east-1:123:gateway" {
		t.Errorf("unexpected topic %s", aws.ToString(got.TopicArn))
	}
	if aws.ToString(got.MessageAttributes["Type"].StringValue) != "provider_down" {
		t.Errorf("unexpected type attribute %+v", got.MessageAttributes["Type"])
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(got.Message)), &body); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if body.Provider != "openai" || body.Time.IsZero() {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	n := NewSNSNotifierWithClient(&mockPublisher{
		PublishFunc: func(context.Context, *sns.PublishInput) (*sns.PublishOutput, error) {
			return nil, errors.New("throttled")
		},
	}, "arn")

	if err := n.Send(context.Background(), Notification{Type: NotificationProviderUp}); err == nil {
		t.Error("expected error")
	}
}

func TestInMemoryNotifier(t *testing.T) {
	n := NewInMemoryNotifier()
	n.Send(context.Background(), Notification{Type: NotificationProviderDown, Provider: "a"})
	n.Send(context.Background(), Notification{Type: NotificationProviderUp, Provider: "a"})

	got := n.Notifications()
	if len(got) != 2 || got[1].Type != NotificationProviderUp {
		t.Errorf("unexpected notifications %+v", got)
	}
}
