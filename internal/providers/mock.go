package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
)

// MockChannel simulates a mail provider for local runs and load tests.
type MockChannel struct {
	name         string
	failureRate  float64 // 0.0 to 1.0, transient
	rejectRate   float64 // 0.0 to 1.0, terminal
	latency      time.Duration
	mu           sync.Mutex
	sent         []Email
	recordedSize int
}

type MockChannelOption func(*MockChannel)

func WithFailureRate(rate float64) MockChannelOption {
	return func(c *MockChannel) { c.failureRate = rate }
}

func WithRejectRate(rate float64) MockChannelOption {
	return func(c *MockChannel) { c.rejectRate = rate }
}

func WithLatency(d time.Duration) MockChannelOption {
	return func(c *MockChannel) { c.latency = d }
}

// WithRecording keeps up to n sent emails for inspection.
func WithRecording(n int) MockChannelOption {
	return func(c *MockChannel) { c.recordedSize = n }
}

func NewMockChannel(name string, opts ...MockChannelOption) *MockChannel {
	c := &MockChannel{
		name:    name,
		latency: 50 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *MockChannel) Name() string { return c.name }

func (c *MockChannel) Send(ctx context.Context, email Email) error {
	// Simulate latency
	select {
	case <-time.After(c.latency):
	case <-ctx.Done():
		return domainErrors.NewTransientDeliveryError(ctx.Err())
	}

	if rand.Float64() < c.rejectRate {
		return domainErrors.NewTerminalDeliveryError(
			fmt.Errorf("%s: simulated rejection for %s", c.name, email.To))
	}
	if rand.Float64() < c.failureRate {
		return domainErrors.NewTransientDeliveryError(
			errors.New(c.name + ": simulated provider outage"))
	}

	c.mu.Lock()
	if len(c.sent) < c.recordedSize {
		c.sent = append(c.sent, email)
	}
	c.mu.Unlock()
	return nil
}

// Sent returns the recorded emails.
func (c *MockChannel) Sent() []Email {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Email, len(c.sent))
	copy(out, c.sent)
	return out
}
