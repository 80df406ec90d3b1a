package network

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	DefaultMinLatencyMs    = 5
	DefaultMaxLatencyMs    = 50
	DefaultMessageLossRate = 0.05
	DefaultPollInterval    = 5 * time.Millisecond

	// upper bound Shutdown waits for the delivery loop and in-flight deliveries
	shutdownWait = time.Second
)

var (
	ErrInvalidLatency  = errors.New("network: invalid latency range")
	ErrInvalidLossRate = errors.New("network: loss rate outside [0, 1]")
	ErrNilLogger       = errors.New("network: nil logger")
)

type Options struct {
	MinLatencyMs    int
	MaxLatencyMs    int
	MessageLossRate float64

	// how often the delivery loop looks at the head of the queue
	PollInterval time.Duration

	// source for latency draws, jitter and loss, seeded from the clock when nil
	Rand *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		MinLatencyMs:    DefaultMinLatencyMs,
		MaxLatencyMs:    DefaultMaxLatencyMs,
		MessageLossRate: DefaultMessageLossRate,
		PollInterval:    DefaultPollInterval,
	}
}

func (o Options) validate() error {
	if o.MinLatencyMs < 0 || o.MaxLatencyMs < o.MinLatencyMs {
		return fmt.Errorf("%w: [%d, %d] ms", ErrInvalidLatency, o.MinLatencyMs, o.MaxLatencyMs)
	}
	if o.MessageLossRate < 0 || o.MessageLossRate > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidLossRate, o.MessageLossRate)
	}
	return nil
}
