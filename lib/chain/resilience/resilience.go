// Package resilience wraps chain adapters with per-call timeouts, retries with exponential backoff on transient
// errors and a circuit breaker.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/metrics"
)

// Policy configures the wrapper.
type Policy struct {
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BackoffFactor    float64
	CallTimeout      time.Duration
	FailureThreshold int
	CoolDown         time.Duration
}

// PolicyFrom returns the policy of the resilience configuration section.
func PolicyFrom(c config.ResilienceConfig) Policy {
	return Policy(c)
}

// Backoff returns the delay before retry number attempt (0 based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
	}

	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}

	return d
}

// Resilient is a chain.Adapter guarded by a policy.
type Resilient struct {
	next    chain.Adapter
	chain   types.Chain
	policy  Policy
	breaker *Breaker
	log     zerolog.Logger
}

var _ chain.Adapter = (*Resilient)(nil)

// Wrap guards next with p.
func Wrap(next chain.Adapter, c types.Chain, p Policy, log zerolog.Logger) *Resilient {
	return &Resilient{
		next:    next,
		chain:   c,
		policy:  p,
		breaker: NewBreaker(next.Name(), p.FailureThreshold, p.CoolDown),
		log:     log.With().Str("component", "resilience").Str("adapter", next.Name()).Logger(),
	}
}

// WrapAll guards every adapter of m, which is keyed by the names in cfgs.
func WrapAll(m map[string]chain.Adapter, cfgs []config.AdapterConfig, p Policy,
	log zerolog.Logger) map[string]chain.Adapter {
	out := make(map[string]chain.Adapter, len(m))

	for _, c := range cfgs {
		if a, ok := m[c.Name]; ok {
			out[c.Name] = Wrap(a, chain.ChainOf(c.Kind), p, log)
		}
	}

	return out
}

// Breaker of the wrapped adapter.
func (r *Resilient) Breaker() *Breaker { return r.breaker }

func outcome(err error) string {
	if err == nil {
		return "OK"
	}

	return string(types.CodeOf(err))
}

// call runs fn under the policy. Permanent errors and other answers from the chain count as breaker successes. Once an
// attempt reports a transaction that may still land, the returned error keeps reporting it.
func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (v T, err error) {
	name := r.next.Name()
	start := time.Now()

	var submitted *types.TxRef

	fail := func(err error) error {
		if _, ok := types.Submitted(err); !ok && submitted != nil {
			err = &types.SubmitError{Ref: *submitted, Err: err}
		}

		return types.Annotate(r.chain, op, err)
	}

	defer func() {
		metrics.AdapterCalls.WithLabelValues(name, op, outcome(err)).Inc()
		metrics.AdapterLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		if !r.breaker.Allow() {
			var zero T

			return zero, fail(fmt.Errorf("%w: %s", types.ErrCircuitOpen, name))
		}

		cctx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.CallTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		}

		v, err = fn(cctx)

		cancel()

		if ref, ok := types.Submitted(err); ok {
			submitted = &ref
		}

		switch {
		case err == nil:
			r.breaker.Success()

			return v, nil
		case ctx.Err() != nil:
			// the caller gave up, which says nothing about the chain
			r.breaker.Abort()

			return v, fail(types.Unavailable(op, ctx.Err()))
		case !types.IsTransient(err):
			r.breaker.Success()

			return v, fail(err)
		}

		r.breaker.Failure()

		if attempt >= r.policy.MaxRetries {
			r.log.Error().Err(err).Str("op", op).Int("attempts", attempt+1).Msg("adapter call failed after all retries")

			return v, fail(err)
		}

		delay := r.policy.Backoff(attempt)
		metrics.AdapterRetries.WithLabelValues(name, op).Inc()
		r.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("retry_in", delay).
			Msg("adapter call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return v, fail(types.Unavailable(op, ctx.Err()))
		}
	}
}

// Name of the wrapped adapter.
func (r *Resilient) Name() string { return r.next.Name() }

// Close closes the wrapped adapter.
func (r *Resilient) Close() { r.next.Close() }

// CreateTokenMint calls the wrapped adapter under the policy.
func (r *Resilient) CreateTokenMint(ctx context.Context, req types.MintRequest) (types.MintRecord, error) {
	return call(ctx, r, "create_mint", func(ctx context.Context) (types.MintRecord, error) {
		return r.next.CreateTokenMint(ctx, req)
	})
}

// IssueShares calls the wrapped adapter under the policy.
func (r *Resilient) IssueShares(ctx context.Context, req types.IssueRequest) (types.TxRef, error) {
	return call(ctx, r, "issue", func(ctx context.Context) (types.TxRef, error) {
		ref, err := r.next.IssueShares(ctx, req)
		if prior, ok := types.Submitted(err); ok {
			req.Prior = &prior
		}

		return ref, err
	})
}

// CommitProposalEvent calls the wrapped adapter under the policy.
func (r *Resilient) CommitProposalEvent(ctx context.Context, req types.CommitRequest) (types.TxRef, error) {
	return call(ctx, r, "commit", func(ctx context.Context) (types.TxRef, error) {
		ref, err := r.next.CommitProposalEvent(ctx, req)
		if prior, ok := types.Submitted(err); ok {
			req.Prior = &prior
		}

		return ref, err
	})
}

// GetTransactionStatus calls the wrapped adapter under the policy.
func (r *Resilient) GetTransactionStatus(ctx context.Context, ref types.TxRef) (types.TxStatus, error) {
	return call(ctx, r, "tx_status", func(ctx context.Context) (types.TxStatus, error) {
		return r.next.GetTransactionStatus(ctx, ref)
	})
}

// GetAccountInfo calls the wrapped adapter under the policy.
func (r *Resilient) GetAccountInfo(ctx context.Context, address string) (types.AccountInfo, error) {
	return call(ctx, r, "account_info", func(ctx context.Context) (types.AccountInfo, error) {
		return r.next.GetAccountInfo(ctx, address)
	})
}

// GetCommitment calls the wrapped adapter under the policy.
func (r *Resilient) GetCommitment(ctx context.Context, ref types.TxRef) (types.Commitment, error) {
	return call(ctx, r, "commitment", func(ctx context.Context) (types.Commitment, error) {
		return r.next.GetCommitment(ctx, ref)
	})
}

// Health reports an open circuit without probing the chain, otherwise checks the wrapped adapter within the call
// timeout.
func (r *Resilient) Health(ctx context.Context) error {
	if r.breaker.State() == metrics.BreakerOpen {
		return types.Annotate(r.chain, "health", fmt.Errorf("%w: %s", types.ErrCircuitOpen, r.next.Name()))
	}

	if r.policy.CallTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		defer cancel()
	}

	return types.Annotate(r.chain, "health", r.next.Health(ctx))
}
