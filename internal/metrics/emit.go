package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cryptolink/logger"
)

var events = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cryptolink_events_total",
		Help: "Counter events emitted through EmitMetric, such as drops and rate limits",
	},
	[]string{"component", "metric"},
)

// EmitMetric writes a metric line (and its CloudWatch datum) through log.
// Counter events with a numeric value are also added to
// cryptolink_events_total so they show up on /metrics.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	log.LogMetric(component, name, value, metricType, fields)

	if metricType != "counter" {
		return
	}
	if n, ok := counterValue(value); ok && n > 0 {
		events.WithLabelValues(component, name).Add(n)
	}
}

func counterValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
