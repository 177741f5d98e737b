// Package notification delivers featured-post events to members.
package notification

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
)

// TopicPublisher sends a message to an SNS-like topic. *aws.SNSClient satisfies it.
type TopicPublisher interface {
	Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) error
}

// Publisher publishes featured events to SNS
type Publisher struct {
	snsClient TopicPublisher
	topicARN  string
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient TopicPublisher
	TopicARN  string
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
}

// NewPublisher creates a new featured event publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}, nil
}

// Publish sends one featured event. Implements feed.EventSink.
func (p *Publisher) Publish(ctx context.Context, event feed.FeaturedEvent) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.Publish",
		observability.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("event_type", string(event.Type)),
			attribute.Int64("post_id", event.PostID),
		),
	)
	defer span.End()

	// Attributes let subscribers filter by event type and tier
	attributes := map[string]string{
		"type":     string(event.Type),
		"tier":     event.Tier.String(),
		"memberId": fmt.Sprintf("%d", event.MemberID),
	}

	if err := p.snsClient.Publish(ctx, p.topicARN, event, attributes); err != nil {
		span.NoticeError(err)
		p.metrics.RecordEvent(ctx, string(event.Type), "error")
		return fmt.Errorf("publish featured event %s: %w", event.ID, err)
	}

	p.metrics.RecordEvent(ctx, string(event.Type), "published")
	if p.logger != nil {
		p.logger.LogDebug(ctx, "published featured event",
			"event_id", event.ID,
			"type", event.Type,
			"post_id", event.PostID,
			"member_id", event.MemberID,
		)
	}

	return nil
}
