package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/infrastructure/config"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/sony/gobreaker/v2"
)

// BreakerChannel guards a Channel with a circuit breaker. Terminal errors describe the
// recipient rather than the provider and do not count as breaker failures.
type BreakerChannel struct {
	next    Channel
	breaker *gobreaker.CircuitBreaker[struct{}]
	metrics *observability.Metrics
}

func NewBreakerChannel(next Channel, threshold int, timeout time.Duration, metrics *observability.Metrics) *BreakerChannel {
	if threshold <= 0 {
		threshold = 5
	}
	trip := uint32(threshold)

	bc := &BreakerChannel{next: next, metrics: metrics}
	bc.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domainErrors.IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	if metrics != nil {
		metrics.CircuitBreakerState.WithLabelValues(next.Name()).Set(float64(gobreaker.StateClosed))
	}
	return bc
}

func (c *BreakerChannel) Name() string { return c.next.Name() }

func (c *BreakerChannel) State() gobreaker.State { return c.breaker.State() }

func (c *BreakerChannel) Send(ctx context.Context, email Email) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.next.Send(ctx, email)
	})

	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
		err = domainErrors.NewTransientDeliveryError(fmt.Errorf("%w: %s: %v", domainErrors.ErrChannelUnavailable, c.Name(), err))
	case err != nil:
		result = "failure"
	}
	if c.metrics != nil {
		c.metrics.CircuitBreakerRequests.WithLabelValues(c.Name(), result).Inc()
	}
	return err
}

// NewChannel builds the configured delivery channel wrapped in a circuit breaker.
func NewChannel(ctx context.Context, cfg config.EmailConfig, metrics *observability.Metrics) (*BreakerChannel, error) {
	var ch Channel
	switch cfg.Channel {
	case "postmark":
		ch = NewPostmarkClient(cfg.BaseURL, cfg.Sender, cfg.AuthorizationToken, cfg.Timeout)
	case "sqs":
		client, err := NewSQSClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		ch = NewSQSChannel(client, cfg.SQSQueueURL, cfg.Sender)
	case "mock":
		ch = NewMockChannel("mock", WithLatency(20*time.Millisecond))
	default:
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrUnknownChannel, cfg.Channel)
	}
	return NewBreakerChannel(ch, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, metrics), nil
}
