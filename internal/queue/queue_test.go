package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/processor"
)

type mockSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	messages []types.Message
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("m1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: m.messages}
	m.messages = nil
	return out, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type mockProcessor struct {
	ProcessFunc func(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

func (m *mockProcessor) Process(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	return m.ProcessFunc(ctx, req)
}

func asyncRequest(id string) AsyncRequest {
	return AsyncRequest{
		ID:       id,
		TenantID: "t1",
		Request: &domain.Request{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSQSQueue_SendRequest(t *testing.T) {
	client := &mockSQS{}
	q := NewSQSQueueWithClient(client, "https://sqs/requests", "https://sqs/responses")

	if err := q.SendRequest(context.Background(), asyncRequest("r1")); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(client.sent))
	}
	in := client.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs/requests" {
		t.Errorf("QueueUrl = %q", aws.ToString(in.QueueUrl))
	}
	if got := aws.ToString(in.MessageAttributes["TenantID"].StringValue); got != "t1" {
		t.Errorf("TenantID attribute = %q", got)
	}

	var decoded AsyncRequest
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded.ID != "r1" || decoded.Request == nil {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSQSQueue_ReceiveRequests(t *testing.T) {
	body, _ := json.Marshal(asyncRequest("r1"))
	client := &mockSQS{messages: []types.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("rh-1"), Body: aws.String(string(body))},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("rh-2"), Body: aws.String("not json")},
	}}
	q := NewSQSQueueWithClient(client, "req", "resp")

	reqs, err := q.ReceiveRequests(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveRequests() error = %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].ReceiptHandle != "rh-1" {
		t.Errorf("ReceiptHandle = %q, want rh-1", reqs[0].ReceiptHandle)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-2" {
		t.Errorf("deleted = %v, want [rh-2]", client.deleted)
	}
}

func TestInMemoryQueue_InFlightUntilDeleted(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	q.SendRequest(ctx, asyncRequest("a"))
	q.SendRequest(ctx, asyncRequest("b"))

	reqs, _ := q.ReceiveRequests(ctx, 1)
	if len(reqs) != 1 || reqs[0].ID != "a" {
		t.Fatalf("received %+v", reqs)
	}
	if q.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", q.InFlight())
	}
	q.DeleteRequest(ctx, reqs[0].ReceiptHandle)
	if q.InFlight() != 0 {
		t.Errorf("InFlight after delete = %d, want 0", q.InFlight())
	}
}

func TestWorker_ProcessesAndResponds(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.SendRequest(ctx, asyncRequest("ok"))
	q.SendRequest(ctx, asyncRequest("bad"))

	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if req.TenantID != "t1" {
			t.Errorf("TenantID = %q, want t1", req.TenantID)
		}
		if processor.RequestID(ctx) == "bad" {
			return nil, domain.InvalidRequest("messages", "rejected")
		}
		return &domain.Response{ID: "resp-1", Provider: "p1"}, nil
	}}

	w := NewWorker(q, proc, WithConcurrency(2), WithPollInterval(5*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(q.Responses()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	byID := map[string]AsyncResponse{}
	for _, r := range q.Responses() {
		byID[r.RequestID] = r
	}
	if r := byID["ok"]; r.Response == nil || r.Response.ID != "resp-1" || r.Error != nil {
		t.Errorf("ok response = %+v", r)
	}
	if r := byID["bad"]; r.Error == nil || r.Error.Code != domain.KindInvalidRequest || r.Error.Param != "messages" {
		t.Errorf("bad response = %+v", r)
	}
	if q.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", q.InFlight())
	}
}

type failingResponses struct {
	*InMemoryQueue
}

func (f failingResponses) SendResponse(ctx context.Context, resp AsyncResponse) error {
	return errors.New("response queue down")
}

func TestWorker_KeepsRequestWhenResponseFails(t *testing.T) {
	q := failingResponses{NewInMemoryQueue()}
	q.SendRequest(context.Background(), asyncRequest("r1"))

	w := NewWorker(q, &mockProcessor{ProcessFunc: func(context.Context, *domain.Request) (*domain.Response, error) {
		return &domain.Response{ID: "x"}, nil
	}})

	reqs, _ := q.ReceiveRequests(context.Background(), 1)
	w.handle(context.Background(), reqs[0])

	if q.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1 so the request is redelivered", q.InFlight())
	}
}
