package signing

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// RateLimited throttles calls into a remote signer. The ledger never
// retries or times out authority calls itself; resilience lives here.
type RateLimited struct {
	next    Authority
	limiter *rate.Limiter
}

func NewRateLimited(next Authority, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) SignPayload(payload []byte) (string, error) {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return "", integrity.Wrap(integrity.KindSigningAuthorityFailure, "signing.rate_limit", err)
	}
	return r.next.SignPayload(payload)
}

func (r *RateLimited) VerifyPayload(payload []byte, signature string) bool {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return false
	}
	return r.next.VerifyPayload(payload, signature)
}
