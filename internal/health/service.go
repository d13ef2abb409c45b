// Package health reports dependency status for /healthz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

type CheckFunc func(ctx context.Context) error

// Service runs the named checks concurrently and caches the outcome for ttl
// so a busy health checker cannot hammer the database.
type Service struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	ttl    time.Duration
	now    func() time.Time

	nextCheckAt time.Time
	last        Result
}

type Result struct {
	Status string            `json:"status"`
	At     time.Time         `json:"checked_at"`
	Checks map[string]string `json:"checks"`
}

func (r Result) OK() bool { return r.Status == "healthy" }

func NewService(ttl time.Duration, checks map[string]CheckFunc) *Service {
	return &Service{ttl: ttl, checks: checks, now: time.Now}
}

func (s *Service) Check(ctx context.Context) Result {
	s.mu.Lock()
	if s.now().Before(s.nextCheckAt) {
		res := s.last
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	var (
		mu      sync.Mutex
		healthy = true
		checks  = make(map[string]string, len(s.checks))
	)
	var g errgroup.Group
	for name, fn := range s.checks {
		g.Go(func() error {
			status := "ok"
			if fn == nil {
				status = "invalid check"
			} else {
				cctx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				if err := fn(cctx); err != nil {
					status = err.Error()
				}
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = status
			if status != "ok" {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Status: "healthy", At: s.now().UTC(), Checks: checks}
	if !healthy {
		res.Status = "unhealthy"
	}

	s.mu.Lock()
	s.last = res
	s.nextCheckAt = s.now().Add(s.ttl)
	s.mu.Unlock()
	return res
}

func (s *Service) Handler(w http.ResponseWriter, r *http.Request) {
	res := s.Check(r.Context())
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
