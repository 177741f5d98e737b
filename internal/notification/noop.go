package notification

import (
	"context"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
)

// NoOpPublisher logs featured events instead of publishing them.
// Used when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewNoOpPublisher creates a publisher that only logs events.
func NewNoOpPublisher(logger *observability.Logger, metrics *observability.Metrics) *NoOpPublisher {
	return &NoOpPublisher{logger: logger, metrics: metrics}
}

// Publish implements feed.EventSink.
func (p *NoOpPublisher) Publish(ctx context.Context, event feed.FeaturedEvent) error {
	if p.logger != nil {
		p.logger.LogInfo(ctx, "featured event (SNS disabled)",
			"event_id", event.ID,
			"type", event.Type,
			"post_id", event.PostID,
			"member_id", event.MemberID,
			"message", event.Message,
		)
	}
	p.metrics.RecordEvent(ctx, string(event.Type), "logged")
	return nil
}
