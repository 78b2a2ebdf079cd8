package runtime

import (
	"fmt"
	"time"
)

// Options configures an Engine. The zero value is never used directly;
// NewEngine applies DefaultOptions first, then any Option overrides, the
// same functional-options shape the teacher uses for its Engine.
type Options struct {
	MaxConcurrent         int
	NodeReadyPollInterval time.Duration
	CancelGracePeriod     time.Duration
	DefaultNodeTimeout    time.Duration
	FailFast              bool
	Metrics               *Metrics
	CostTracker           *CostTracker
}

// DefaultOptions returns the environment/config defaults from §6:
// MAX_CONCURRENT=10, NODE_READY_POLL_INTERVAL=10ms, CANCEL_GRACE_PERIOD=5s.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:         10,
		NodeReadyPollInterval: 10 * time.Millisecond,
		CancelGracePeriod:     5 * time.Second,
		FailFast:              true,
	}
}

// Option mutates an Options in place, returning an error for invalid input.
type Option func(*Options) error

func WithMaxConcurrent(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("runtime: MaxConcurrent must be positive, got %d", n)
		}
		o.MaxConcurrent = n
		return nil
	}
}

func WithNodeReadyPollInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("runtime: NodeReadyPollInterval must be positive, got %s", d)
		}
		o.NodeReadyPollInterval = d
		return nil
	}
}

func WithCancelGracePeriod(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("runtime: CancelGracePeriod must not be negative, got %s", d)
		}
		o.CancelGracePeriod = d
		return nil
	}
}

func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("runtime: DefaultNodeTimeout must not be negative, got %s", d)
		}
		o.DefaultNodeTimeout = d
		return nil
	}
}

func WithFailFast(v bool) Option {
	return func(o *Options) error {
		o.FailFast = v
		return nil
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

func WithCostTracker(c *CostTracker) Option {
	return func(o *Options) error {
		o.CostTracker = c
		return nil
	}
}
