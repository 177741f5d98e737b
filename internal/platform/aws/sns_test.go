package aws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

type mockPublishAPI struct {
	mu     sync.Mutex
	inputs []*sns.PublishInput
	err    error
}

func (m *mockPublishAPI) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{}, nil
}

func (m *mockPublishAPI) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func TestSNSClient_PublishMarshalsMessage(t *testing.T) {
	api := &mockPublishAPI{}
	client := NewSNSClient(SNSClientConfig{Client: api})

	msg := map[string]any{"post_id": 7}
	if err := client.Publish(context.Background(), "arn:topic", msg, map[string]string{"type": "POST_FEATURED_WEEKLY"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if api.calls() != 1 {
		t.Fatalf("Expected 1 publish, got %d", api.calls())
	}
	in := api.inputs[0]
	if *in.TopicArn != "arn:topic" {
		t.Errorf("Expected topic arn:topic, got %s", *in.TopicArn)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(*in.Message), &decoded); err != nil || decoded["post_id"].(float64) != 7 {
		t.Errorf("Expected JSON body with post_id 7, got %s", *in.Message)
	}
	if attr := in.MessageAttributes["type"]; *attr.StringValue != "POST_FEATURED_WEEKLY" || *attr.DataType != "String" {
		t.Errorf("Unexpected attribute: %+v", attr)
	}

	t.Log("✓ SNS publish sends JSON body and string attributes")
}

func TestSNSClient_SingleAttemptAndBreaker(t *testing.T) {
	api := &mockPublishAPI{err: errors.New("throttled")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "sns-test",
		FailureThreshold: 2,
		CoolDown:         time.Hour,
	})
	client := NewSNSClient(SNSClientConfig{Client: api, CircuitBreaker: cb})

	for i := 0; i < 2; i++ {
		if err := client.Publish(context.Background(), "arn:topic", "x", nil); err == nil {
			t.Fatal("Expected publish error")
		}
	}
	if api.calls() != 2 {
		t.Errorf("Expected exactly one attempt per publish, got %d calls", api.calls())
	}

	err := client.Publish(context.Background(), "arn:topic", "x", nil)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if client.CircuitBreakerState() != resilience.StateOpen {
		t.Errorf("Expected breaker open, got %s", client.CircuitBreakerState())
	}

	client.ResetCircuitBreaker()
	if client.CircuitBreakerState() != resilience.StateClosed {
		t.Errorf("Expected breaker closed after reset")
	}

	t.Log("✓ Failed publishes are not retried and trip the breaker")
}
