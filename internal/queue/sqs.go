// Package queue carries asynchronous generation requests over SQS and posts
// their results to a response queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/habitusnet/llmgateway/internal/domain"
)

type AsyncRequest struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Request   *domain.Request `json:"request"`
	CreatedAt time.Time       `json:"created_at"`

	// ReceiptHandle identifies a received message for deletion. It is not
	// part of the message body.
	ReceiptHandle string `json:"-"`
}

// ErrorBody is the error shape used in async responses, matching the
// synchronous API's error object.
type ErrorBody struct {
	Code    domain.ErrorKind `json:"code"`
	Message string           `json:"message"`
	Param   string           `json:"param,omitempty"`
}

type AsyncResponse struct {
	RequestID string           `json:"request_id"`
	TenantID  string           `json:"tenant_id"`
	Response  *domain.Response `json:"response,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type Queue interface {
	SendRequest(ctx context.Context, req AsyncRequest) error
	ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error)
	DeleteRequest(ctx context.Context, receiptHandle string) error
	SendResponse(ctx context.Context, resp AsyncResponse) error
}

// API is the part of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client           API
	requestQueueURL  string
	responseQueueURL string
	waitSeconds      int32
}

func NewSQSQueue(ctx context.Context, region, requestQueueURL, responseQueueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), requestQueueURL, responseQueueURL), nil
}

func NewSQSQueueWithClient(client API, requestQueueURL, responseQueueURL string) *SQSQueue {
	return &SQSQueue{
		client:           client,
		requestQueueURL:  requestQueueURL,
		responseQueueURL: responseQueueURL,
		waitSeconds:      20,
	}
}

func attributes(tenantID, requestID string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"TenantID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(tenantID),
		},
		"RequestID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(requestID),
		},
	}
}

func (q *SQSQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.requestQueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(req.TenantID, req.ID),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ReceiveRequests long-polls the request queue. Messages that cannot be
// decoded are deleted so they do not come back forever.
func (q *SQSQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.requestQueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitSeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	requests := make([]AsyncRequest, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var req AsyncRequest
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &req); err != nil || req.Request == nil {
			slog.Warn("dropping undecodable queue message",
				"message_id", aws.ToString(msg.MessageId),
				"error", err,
			)
			if err := q.DeleteRequest(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
				slog.Warn("failed to delete undecodable message", "error", err)
			}
			continue
		}
		req.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		requests = append(requests, req)
	}
	return requests, nil
}

func (q *SQSQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.requestQueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.responseQueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(resp.TenantID, resp.RequestID),
	})
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// InMemoryQueue backs tests and single-process development. Received
// requests stay in flight until deleted.
type InMemoryQueue struct {
	mu        sync.Mutex
	requests  []AsyncRequest
	inFlight  map[string]AsyncRequest
	responses []AsyncResponse
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{inFlight: make(map[string]AsyncRequest)}
}

func (q *InMemoryQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *InMemoryQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.requests))
	result := make([]AsyncRequest, count)
	for i, req := range q.requests[:count] {
		req.ReceiptHandle = req.ID
		q.inFlight[req.ID] = req
		result[i] = req
	}
	q.requests = q.requests[count:]
	return result, nil
}

func (q *InMemoryQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, receiptHandle)
	return nil
}

func (q *InMemoryQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, resp)
	return nil
}

func (q *InMemoryQueue) Responses() []AsyncResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]AsyncResponse(nil), q.responses...)
}

// InFlight counts received requests not yet deleted.
func (q *InMemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
