package binance

import (
	"net/http"
	"strconv"

	"barvault/internal/metrics"
	"barvault/logger"
)

// weightTransport peeks at Binance used-weight headers on every response so
// rate telemetry does not depend on the SDK exposing them.
type weightTransport struct {
	base http.RoundTripper
	log  *logger.Log
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	reportUsedWeight(t.log, resp.Header)
	return resp, nil
}

// reportUsedWeight inspects Binance used-weight headers and emits a gauge
// when a numeric value is found. It returns the parsed weight and whether a
// metric was recorded.
func reportUsedWeight(log *logger.Log, header http.Header) (float64, bool) {
	headers := []struct {
		key    string
		window string
	}{
		{"X-MBX-USED-WEIGHT-1M", "1m"},
		{"X-MBX-USED-WEIGHT", "1m"},
		{"X-MBX-USED-WEIGHT-1S", "1s"},
	}

	for _, h := range headers {
		value := header.Get(h.key)
		if value == "" {
			continue
		}

		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent("binance_provider").WithFields(logger.Fields{
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		metrics.Record(log, "binance_provider", "used_weight", used, "gauge", logger.Fields{
			"exchange": "binance",
			"window":   h.window,
		})
		return used, true
	}

	return 0, false
}
