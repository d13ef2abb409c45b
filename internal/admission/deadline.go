package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
)

// serveWithDeadline runs next with a context bounded by RequestTimeout.
// The handler writes into a buffer; on expiry the buffer is discarded and
// the client gets 408. A handler panic is re-raised on the calling
// goroutine so the deferred releases in Middleware still run.
//
// On expiry it returns without waiting for next, so the slot and per-IP
// releases happen while a handler that ignores its context may still be
// running. Such a handler can no longer write to the client.
func (c *Controller) serveWithDeadline(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx, cancel := context.WithTimeout(r.Context(), c.cfg.RequestTimeout)
	defer cancel()

	tw := &timeoutWriter{h: make(http.Header)}
	done := make(chan struct{})
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicked <- p
			}
		}()
		next.ServeHTTP(tw, r.WithContext(ctx))
		close(done)
	}()

	select {
	case p := <-panicked:
		panic(p)
	case <-done:
		tw.flush(w)
	case <-ctx.Done():
		c.expire(ctx, w, r, tw, done, panicked)
	}
}

// expire answers a request whose deadline fired. A handler that finished
// by the time the writer is sealed still gets its response sent.
func (c *Controller) expire(ctx context.Context, w http.ResponseWriter, r *http.Request, tw *timeoutWriter, done <-chan struct{}, panicked <-chan any) {
	tw.mu.Lock()
	select {
	case p := <-panicked:
		tw.mu.Unlock()
		panic(p)
	case <-done:
		tw.mu.Unlock()
		tw.flush(w)
		return
	default:
	}
	tw.timedOut = true
	tw.mu.Unlock()

	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Client went away; nobody is listening.
		return
	}
	metrics.AdmissionRejections.WithLabelValues("timeout").Inc()
	c.logger.Warn("request timed out", "method", r.Method, "path", r.URL.Path, "timeout", c.cfg.RequestTimeout)
	WriteRejection(w, http.StatusRequestTimeout, &domain.RejectionError{
		Err:     domain.ErrTimeout,
		Code:    CodeTimeout,
		Message: fmt.Sprintf("Request timeout exceeded (%s).", c.cfg.RequestTimeout),
	})
}

type timeoutWriter struct {
	mu          sync.Mutex
	h           http.Header
	buf         bytes.Buffer
	code        int
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.buf.Write(p)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	tw.wroteHeader = true
	tw.code = code
}

// flush copies the buffered response to w.
func (tw *timeoutWriter) flush(w http.ResponseWriter) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	dst := w.Header()
	for k, vv := range tw.h {
		dst[k] = vv
	}
	if !tw.wroteHeader {
		tw.code = http.StatusOK
	}
	w.WriteHeader(tw.code)
	_, _ = w.Write(tw.buf.Bytes())
}
