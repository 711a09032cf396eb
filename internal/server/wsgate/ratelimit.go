package wsgate

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

type KeyRC string

const rcKey KeyRC = "ivmgate-request-context"

// RequestContext carries what the edge learned about a handshake request.
type RequestContext struct {
	Addr     netip.AddrPort
	Accepted time.Time
}

func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, rcKey, rc)
}

func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(rcKey).(RequestContext)
	return rc, ok
}

// acceptGuard bounds the rate of handshakes reaching the gateway, whatever
// their source. Per IP limits are the gateway's job.
type acceptGuard struct {
	lim *rate.Limiter
}

func newAcceptGuard(rps float64, burst int) *acceptGuard {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &acceptGuard{lim: rate.NewLimiter(limit, burst)}
}

func (g *acceptGuard) Allow() bool {
	return g.lim.Allow()
}
