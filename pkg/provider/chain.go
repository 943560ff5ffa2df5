package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Chain fails over to the next provider when a call fails with a transient
// error. Permanent errors are returned immediately.
type Chain struct {
	providers []Provider
}

// NewChain creates a failover chain. At least one provider is required.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("chain requires at least one provider")
	}
	return &Chain{providers: providers}, nil
}

// Name returns the name of the primary provider
func (c *Chain) Name() string {
	return c.providers[0].Name()
}

// CountTokens delegates to the primary provider
func (c *Chain) CountTokens(messages []Message) int {
	return c.providers[0].CountTokens(messages)
}

// Complete tries each provider in order until one succeeds
func (c *Chain) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.call(ctx, func(p Provider) (*Response, error) {
		return p.Complete(ctx, req)
	})
}

// Stream tries each provider in order until one succeeds
func (c *Chain) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	return c.call(ctx, func(p Provider) (*Response, error) {
		return p.Stream(ctx, req, fn)
	})
}

func (c *Chain) call(ctx context.Context, invoke func(Provider) (*Response, error)) (*Response, error) {
	var lastErr error

	for _, p := range c.providers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := invoke(p)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		pe, ok := AsError(err)
		if !ok || !pe.Transient() {
			return nil, err
		}

		log.Warn().
			Str("provider", p.Name()).
			Str("kind", string(pe.Kind)).
			Msg("Provider call failed, trying next in chain")
	}

	return nil, lastErr
}
