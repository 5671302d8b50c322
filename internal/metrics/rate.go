package metrics

import (
	"fmt"
	"net/http"
	"strings"

	"cryptolink/logger"
)

// ReportRateLimitExceeded records an HTTP 429 or an exchange message that
// signals throttling.
func ReportRateLimitExceeded(log *logger.Log, exchange, pair, ip, endpoint string) {
	component := fmt.Sprintf("%s_rest", strings.ToLower(exchange))
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"pair":     pair,
		"ip":       ip,
		"endpoint": endpoint,
	}
	EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan records a response that signals the source address is banned.
func ReportIPBan(log *logger.Log, exchange, pair, ip, endpoint string) {
	component := fmt.Sprintf("%s_rest", strings.ToLower(exchange))
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"pair":     pair,
		"ip":       ip,
		"endpoint": endpoint,
	}
	EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// DetectLimit classifies a REST failure as throttling or an IP ban from its
// status code and body.
func DetectLimit(status int, body string) (rateLimit bool, ipBan bool) {
	lower := strings.ToLower(body)
	ipBan = status == http.StatusTeapot || (strings.Contains(lower, "ip") && (strings.Contains(lower, "ban") || strings.Contains(lower, "blocked")))
	rateLimit = !ipBan && (status == http.StatusTooManyRequests ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "frequency limit"))
	return rateLimit, ipBan
}
