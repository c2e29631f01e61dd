package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/spilink/internal/protocol"
)

// PollConfig is the retry policy an application applies to operations that
// report protocol.ErrNoData. The engine never retries on its own.
type PollConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       bool
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     250 * time.Millisecond,
		MaxAttempts:  0,
		Jitter:       true,
	}
}

// Delay returns the wait after the given failed attempt (1-based): the
// initial delay grown geometrically, capped, then jittered.
func (c PollConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	return c.jitter(c.capped(c.grown(attempt)), rng)
}

func (c PollConfig) grown(attempt int) float64 {
	if c.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return float64(c.InitialDelay)
	}
	return float64(c.InitialDelay) * math.Pow(max(c.Multiplier, 1), float64(attempt-1))
}

func (c PollConfig) capped(d float64) float64 {
	if c.MaxDelay > 0 {
		return min(d, float64(c.MaxDelay))
	}
	return d
}

// jitter scales d into [0.5d, 1.5d); a nil rng picks the low end.
func (c PollConfig) jitter(d float64, rng *rand.Rand) time.Duration {
	if !c.Jitter || d == 0 {
		return time.Duration(d)
	}
	f := 0.5
	if rng != nil {
		f += rng.Float64()
	}
	return time.Duration(d * f)
}

// Poll calls fn until it stops failing with protocol.ErrNoData, the attempt
// budget runs out (MaxAttempts 0 is unbounded), or ctx ends. Any other
// error is returned immediately.
func Poll(ctx context.Context, cfg PollConfig, fn func() error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, protocol.ErrNoData) {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		timer := time.NewTimer(cfg.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
