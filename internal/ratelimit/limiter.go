package ratelimit

import (
	"context"

	"github.com/kursadbilgin/dispatch-worker/internal/domain"
)

// RateLimiter throttles outbound gateway calls per channel.
type RateLimiter interface {
	Allow(ctx context.Context, channel domain.Channel) (bool, error)
	Wait(ctx context.Context, channel domain.Channel) error
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, domain.Channel) (bool, error) { return true, nil }

func (Unlimited) Wait(context.Context, domain.Channel) error { return nil }
