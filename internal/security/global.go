package security

import (
	"net/http"

	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"golang.org/x/time/rate"
)

// GlobalRateLimiter enforces a gateway-wide request rate limit using a token bucket.
type GlobalRateLimiter struct {
	limiter  *rate.Limiter
	recorder Recorder
}

// NewGlobalRateLimiter creates a global rate limiter.
// rpm is requests per minute; internally converted to per-second.
func NewGlobalRateLimiter(rpm int, rec Recorder) *GlobalRateLimiter {
	perSecond := float64(rpm) / 60.0
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &GlobalRateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		recorder: rec,
	}
}

// Process returns an http.Handler that enforces the global rate limit.
func (g *GlobalRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow() {
			g.recorder.RecordRateLimitHit("global")
			markAudit(r, "blocked", "global_rate_limit")
			sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrGlobalLimitReached)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name for logging and debugging.
func (g *GlobalRateLimiter) Name() string {
	return "global_rate_limiter"
}
