package httptransport

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// ActiveRequests считает запросы в обработке, чтобы остановка дождалась их завершения.
type ActiveRequests struct {
	count atomic.Int64
}

// NewActiveRequests создает счётчик.
func NewActiveRequests() *ActiveRequests {
	return &ActiveRequests{}
}

// Count возвращает число запросов в обработке.
func (a *ActiveRequests) Count() int64 { return a.count.Load() }

// Middleware учитывает запрос на всё время обработки.
func (a *ActiveRequests) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.count.Add(1)
		defer a.count.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Wait ждёт, пока счётчик не опустеет или не истечёт ctx. Возвращает оставшееся число запросов.
func (a *ActiveRequests) Wait(ctx context.Context, poll time.Duration) int64 {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		n := a.count.Load()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
		}
	}
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
