package provider

import (
	"strings"

	"barvault/internal/metrics"
	"barvault/logger"
)

// DetectRateLimit inspects the message returned from an exchange and
// determines whether it signals a rate limit exceed or an IP ban. The
// detection logic is customised per exchange as each one uses different
// wording.
func DetectRateLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportRateLimitExceeded increments the rate limit exceeded counter for the
// given exchange and symbol.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol string) {
	component := strings.ToLower(exchange) + "_provider"
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
	}
	metrics.Record(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given exchange and symbol.
func ReportIPBan(log *logger.Log, exchange, symbol string) {
	component := strings.ToLower(exchange) + "_provider"
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
	}
	metrics.Record(log, component, "ip_ban", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban
// events based on exchange-specific keywords and records the appropriate
// metrics. No action is taken if the message does not match any known
// patterns.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, msg string) {
	rateLimit, ipBan := DetectRateLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol)
	}
}
