// Package admission rejects requests before they reach a handler when the
// server, a client IP or an endpoint is over its limit, and bounds the time
// an admitted request may run.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
)

// Counter is the atomic counter store shared by every replica.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

const (
	CodeIPLimit       = "IP_CONNECTION_LIMIT_EXCEEDED"
	CodeConcurrency   = "CONCURRENT_LIMIT_EXCEEDED"
	CodeRPS           = "GLOBAL_RPS_LIMIT_EXCEEDED"
	CodeRateLimit     = "RATE_LIMIT_EXCEEDED"
	CodeTimeout       = "REQUEST_TIMEOUT"
	endpointWindow    = time.Minute
	rpsKeyTTL         = 2 * time.Second
	releaseTimeout    = time.Second
	userIDHeader      = "X-User-ID"
	connectionsPrefix = "connections:"
)

type Controller struct {
	counter Counter
	slots   *semaphore.Weighted
	cfg     config.AdmissionConfig
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(counter Counter, cfg config.AdmissionConfig, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		counter: counter,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Middleware evaluates the gates in order: per-IP in-flight, global
// concurrency, global RPS, endpoint rate limits. Everything acquired is
// released when the request ends, including on panic.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	if !c.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := ClientIP(r)

		ipKey := connectionsPrefix + ip
		if n, ok := c.incr(ctx, ipKey, c.ipTTL(), "ip"); ok {
			defer c.release(ctx, ipKey)
			if n > int64(c.cfg.MaxConnectionsPerIP) {
				c.reject(w, r, "ip", http.StatusTooManyRequests, &domain.RejectionError{
					Err:        domain.ErrRateLimited,
					Code:       CodeIPLimit,
					Message:    fmt.Sprintf("Too many concurrent connections from your IP (%d/%d).", n-1, c.cfg.MaxConnectionsPerIP),
					RetryAfter: 30 * time.Second,
				})
				return
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.SlotWait)
		err := c.slots.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			c.reject(w, r, "capacity", http.StatusServiceUnavailable, &domain.RejectionError{
				Err:        domain.ErrCapacity,
				Code:       CodeConcurrency,
				Message:    "Server is at maximum capacity. Please try again later.",
				RetryAfter: 5 * time.Second,
			})
			return
		}
		metrics.AdmissionInFlight.Inc()
		defer func() {
			metrics.AdmissionInFlight.Dec()
			c.slots.Release(1)
		}()

		rpsKey := fmt.Sprintf("rps:%d", c.now().Unix())
		if n, ok := c.incr(ctx, rpsKey, rpsKeyTTL, "rps"); ok && n > int64(c.cfg.MaxRequestsPerSec) {
			c.reject(w, r, "rps", http.StatusTooManyRequests, &domain.RejectionError{
				Err:        domain.ErrRateLimited,
				Code:       CodeRPS,
				Message:    fmt.Sprintf("Global request rate limit exceeded (%d/%d req/sec).", n, c.cfg.MaxRequestsPerSec),
				RetryAfter: time.Second,
			})
			return
		}

		if ep, ok := c.classify(r); ok {
			key := "rate_limit:" + ep.name + ":" + ep.subject(r, ip)
			if n, ok := c.incr(ctx, key, endpointWindow, "endpoint"); ok && n > int64(ep.limit) {
				c.reject(w, r, "endpoint", http.StatusTooManyRequests, &domain.RejectionError{
					Err:        domain.ErrRateLimited,
					Code:       CodeRateLimit,
					Message:    "Rate limit exceeded. Please try again later.",
					RetryAfter: endpointWindow,
				})
				return
			}
		}

		if c.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes)
		}
		c.serveWithDeadline(w, r, next)
	})
}

// ipTTL outlives any request holding the counter so a crashed replica's
// increments eventually disappear.
func (c *Controller) ipTTL() time.Duration {
	return c.cfg.RequestTimeout + c.cfg.SlotWait + 30*time.Second
}

// incr fails open: a store error admits the request.
func (c *Controller) incr(ctx context.Context, key string, ttl time.Duration, gate string) (int64, bool) {
	n, err := c.counter.Incr(ctx, key, ttl)
	if err != nil {
		metrics.AdmissionFailOpen.Inc()
		c.logger.Warn("admission counter unavailable, admitting request", "gate", gate, "key", key, "error", err)
		return 0, false
	}
	return n, true
}

func (c *Controller) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := c.counter.Decr(ctx, key); err != nil {
		c.logger.Warn("admission counter release failed", "key", key, "error", err)
	}
}

func (c *Controller) reject(w http.ResponseWriter, r *http.Request, gate string, status int, rej *domain.RejectionError) {
	metrics.AdmissionRejections.WithLabelValues(gate).Inc()
	c.logger.Warn("request rejected", "gate", gate, "code", rej.Code, "method", r.Method, "path", r.URL.Path, "ip", ClientIP(r))
	WriteRejection(w, status, rej)
}

// WriteRejection writes the JSON body and Retry-After header for rej.
func WriteRejection(w http.ResponseWriter, status int, rej *domain.RejectionError) {
	body := map[string]any{
		"error":   rej.Code,
		"message": rej.Message,
	}
	if rej.RetryAfter > 0 {
		secs := int(rej.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type endpoint struct {
	name   string
	limit  int
	byUser bool
}

func (e endpoint) subject(r *http.Request, ip string) string {
	if e.byUser {
		if id := strings.TrimSpace(r.Header.Get(userIDHeader)); id != "" {
			return id
		}
	}
	return ip
}

func (c *Controller) classify(r *http.Request) (endpoint, bool) {
	if r.Method != http.MethodPost {
		return endpoint{}, false
	}
	path := strings.TrimRight(strings.ToLower(r.URL.Path), "/")
	var ep endpoint
	switch {
	case strings.HasPrefix(path, "/api/v1/payments/") && strings.HasSuffix(path, "/confirm"):
		ep = endpoint{name: "payment_confirm", limit: c.cfg.ConfirmPerMinute, byUser: true}
	case path == "/api/v1/payments":
		ep = endpoint{name: "payment_create", limit: c.cfg.CreatePerMinute, byUser: true}
	case path == "/api/v1/auth/login":
		ep = endpoint{name: "login", limit: c.cfg.LoginPerMinute}
	default:
		return endpoint{}, false
	}
	return ep, ep.limit > 0
}

// ClientIP prefers proxy headers over the socket address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
