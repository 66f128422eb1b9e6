package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/askhub/livesync/internal/logger"
)

// RequestLog пишет method, path, статус и длительность запроса.
// 5xx идут в error, остальное через LogDuration.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)

		switch {
		case sw.hijacked:
			logger.Debugf("http %s %s upgraded ip=%s", r.Method, r.URL.Path, clientIP(r))
		case sw.status >= http.StatusInternalServerError:
			logger.Errorf("http %s %s %d %v ip=%s", r.Method, r.URL.Path, sw.status, time.Since(start), clientIP(r))
		default:
			logger.LogDuration("http "+r.Method+" "+r.URL.Path+" "+strconv.Itoa(sw.status), start)
		}
	})
}
