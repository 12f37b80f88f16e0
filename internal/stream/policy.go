package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/auth"
	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/pkg/retry"
)

// DefaultRetryBudget is how many failed attempts in a row are retried.
const DefaultRetryBudget = 3

// TokenSource provides the bearer token for new connection attempts.
type TokenSource interface {
	CurrentToken() string
	Update(ctx context.Context) bool
	Subscribe(id string, fn func(auth.Change))
	Unsubscribe(id string)
}

// Decision is the outcome of HandleError.
type Decision int

const (
	// Retried means a reconnect was scheduled.
	Retried Decision = iota
	// Split asks the caller to split the stream.
	Split
	// Terminate asks the caller to give up on the stream.
	Terminate
	// Dropped means the pool closed or the stream was removed meanwhile.
	Dropped
)

// RetryPolicy configures HandleError.
type RetryPolicy struct {
	Budget int
	Delay  retry.Config
	Tokens TokenSource
}

func (r RetryPolicy) budget() int {
	if r.Budget <= 0 {
		return DefaultRetryBudget
	}
	return r.Budget
}

// HandleError applies the retry policy to a failed attempt of s, which
// multiplexes subscriptions logical subscriptions. Non-auth failures first
// wait for the endpoint to be healthy. Within the budget the stream is
// reconnected, refreshing the token first on auth failures. One past the
// budget a communication error on a shared stream asks for a split.
func (p *Pool[S]) HandleError(ctx context.Context, s S, err *frame.Error, policy RetryPolicy, subscriptions int) Decision {
	base := s.Base()
	logging.Debug("stream failed",
		zap.String("pool", p.opts.Name), zap.Int64("stream", base.ID()),
		zap.Int("failed", base.FailedCounter()), zap.Error(err))

	if err.Kind != frame.KindAuth {
		if werr := p.WaitUntilEndpointHealthy(ctx); werr != nil {
			return Dropped
		}
	}
	if !p.Has(s) {
		return Dropped
	}

	failed := base.FailedCounter()
	budget := policy.budget()
	switch {
	case failed <= budget && err.Retryable():
		if err.Kind == frame.KindAuth && policy.Tokens != nil {
			policy.Tokens.Update(ctx)
			base.SetAuthToken(policy.Tokens.CurrentToken())
		} else if serr := retry.Sleep(ctx, p.opts.Clock, policy.Delay.Delay(failed)); serr != nil {
			return Dropped
		}
		p.Reconnect(s, false)
		return Retried
	case failed == budget+1 && err.Communication() && subscriptions > 1:
		return Split
	}
	return Terminate
}

// HandleResolve reconnects a stream the server closed although it should
// have stayed open, once the endpoint is healthy.
func (p *Pool[S]) HandleResolve(ctx context.Context, s S, policy RetryPolicy) {
	logging.Info("infinite stream resolved, reconnecting",
		zap.String("pool", p.opts.Name), zap.Int64("stream", s.Base().ID()))
	if err := p.WaitUntilEndpointHealthy(ctx); err != nil {
		return
	}
	if err := retry.Sleep(ctx, p.opts.Clock, policy.Delay.Delay(1)); err != nil {
		return
	}
	p.Reconnect(s, false)
}
