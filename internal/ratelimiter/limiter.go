package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per channel type.
// Each limiter enforces a steady-state rate (e.g. 100 tokens/sec).
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second for every
// channel. overrides sets a different rate for individual channels.
func New(ratePerSec int, overrides map[domain.Channel]int) *ChannelLimiters {
	cl := &ChannelLimiters{limiters: make(map[domain.Channel]*rate.Limiter, len(domain.Channels))}
	for _, ch := range domain.Channels {
		r := ratePerSec
		if o, ok := overrides[ch]; ok && o > 0 {
			r = o
		}
		cl.limiters[ch] = newLimiter(r)
	}
	return cl
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec) // burst == rate: prevents any "saved up" burst above the limit
}

// Wait blocks until the channel's limiter grants a token.
// Called by the notification driver immediately before sending.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
