package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cryptolink/logger"
)

func bufferLogger() (*logger.Log, *bytes.Buffer) {
	log := logger.Logger()
	buf := &bytes.Buffer{}
	log.SetOutput(buf)
	return log, buf
}

func TestEmitMetricCountsCounterEvents(t *testing.T) {
	log, _ := bufferLogger()
	c := events.WithLabelValues("unit_rest", "rate_limit_exceeded")

	before := testutil.ToFloat64(c)
	EmitMetric(log, "unit_rest", "rate_limit_exceeded", int64(2), "", logger.Fields{"exchange": "bitglobal"})
	if got := testutil.ToFloat64(c); got != before+2 {
		t.Fatalf("events = %v, want %v", got, before+2)
	}
}

func TestEmitMetricGaugeIsNotCounted(t *testing.T) {
	log, buf := bufferLogger()
	c := events.WithLabelValues("unit_channels", "trades_buffer_length")

	before := testutil.ToFloat64(c)
	EmitMetric(log, "unit_channels", "trades_buffer_length", 12, "gauge", nil)
	if got := testutil.ToFloat64(c); got != before {
		t.Fatalf("gauge counted as event: %v", got)
	}
	if !strings.Contains(buf.String(), `"metric_type":"gauge"`) {
		t.Fatalf("gauge line not logged: %s", buf.String())
	}
}

func TestEmitDropMetricFields(t *testing.T) {
	log, buf := bufferLogger()

	EmitDropMetric(log, DropMetricFor("diff"), "bitglobal", "diffs", "")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if line["metric"] != string(DropMetricDiff) || line["exchange"] != "bitglobal" || line["stream"] != "diffs" {
		t.Fatalf("unexpected line: %v", line)
	}
	if _, ok := line["pair"]; ok {
		t.Fatalf("empty pair should be omitted: %v", line)
	}
	if got := testutil.ToFloat64(events.WithLabelValues("channel_drops", string(DropMetricDiff))); got < 1 {
		t.Fatalf("drop event not counted")
	}
}
