package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

// PublishAPI is the subset of the SNS client used here
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient wraps the AWS SNS client with a circuit breaker. Publishes are
// single attempt: a failed notification is logged and dropped.
type SNSClient struct {
	client         PublishAPI
	circuitBreaker *resilience.CircuitBreaker
	logger         *observability.Logger
	metrics        *observability.Metrics
}

// SNSClientConfig holds SNS client configuration
type SNSClientConfig struct {
	AWSConfig aws.Config
	// Client overrides the SDK client built from AWSConfig
	Client         PublishAPI
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	CircuitBreaker *resilience.CircuitBreaker
}

// NewSNSClient creates a new SNS client
func NewSNSClient(cfg SNSClientConfig) *SNSClient {
	client := cfg.Client
	if client == nil {
		client = sns.NewFromConfig(cfg.AWSConfig)
	}

	circuitBreaker := cfg.CircuitBreaker
	if circuitBreaker == nil {
		circuitBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sns",
			FailureThreshold: 5,
			SuccessThreshold: 1,
			CoolDown:         30 * time.Second,
			OnStateChange: func(from, to resilience.State) {
				if cfg.Logger != nil {
					cfg.Logger.Info("SNS circuit breaker state changed",
						"from", from.String(),
						"to", to.String(),
					)
				}
				cfg.Metrics.SetCircuitBreakerState(context.Background(), "sns", int64(to))
			},
		})
	}

	return &SNSClient{
		client:         client,
		circuitBreaker: circuitBreaker,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// Publish marshals message to JSON and publishes it to topicARN once
func (s *SNSClient) Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) error {
	start := time.Now()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return s.publishOnce(ctx, topicARN, string(messageJSON), attributes)
	})

	if err != nil && s.logger != nil {
		s.logger.LogError(ctx, "SNS publish failed", err,
			"topic_arn", topicARN,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return err
}

func (s *SNSClient) publishOnce(ctx context.Context, topicARN, message string, attributes map[string]string) error {
	messageAttributes := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		messageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(message),
		MessageAttributes: messageAttributes,
	}

	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("SNS publish failed: %w", err)
	}
	return nil
}

// CircuitBreakerState returns current circuit breaker state
func (s *SNSClient) CircuitBreakerState() resilience.State {
	return s.circuitBreaker.State()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (s *SNSClient) ResetCircuitBreaker() {
	s.circuitBreaker.Reset()
}
