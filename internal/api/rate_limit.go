package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/retouch/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// Synchronous enhancement holds a pipeline slot for the whole request, so it
// costs more than queueing a job.
const (
	enhanceCost = 2
	jobCost     = 1
)

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cost, limited := rateLimitCost(r)
		if !limited {
			next.ServeHTTP(w, r)
			return
		}

		route := routeLabel(r.URL.Path)
		subject := strings.TrimSpace(r.Header.Get(s.userIDHeader))
		if subject == "" {
			subject = "anonymous"
		}
		subject = subject + ":" + route

		decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
		if err != nil {
			s.logger.WithError(err).WithField("subject", subject).Warn("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		s.logger.WithFields(logrus.Fields{"subject": subject, "retry_after": retryAfter}).Debug("rate limited")

		if route == "/v1/enhance" {
			writeText(w, http.StatusTooManyRequests, messageBusy)
			return
		}
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func rateLimitCost(r *http.Request) (int, bool) {
	if r.Method != http.MethodPost {
		return 0, false
	}
	switch r.URL.Path {
	case "/v1/enhance":
		return enhanceCost, true
	case "/v1/jobs":
		return jobCost, true
	default:
		return 0, false
	}
}
