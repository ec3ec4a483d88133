package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	d := Summarize(samples)
	assert.Equal(t, 100, d.N)
	assert.Equal(t, 51*time.Millisecond, d.P50)
	assert.Equal(t, 95*time.Millisecond, d.P95)
	assert.Equal(t, 99*time.Millisecond, d.P99)
	assert.Equal(t, 100*time.Millisecond, d.Max)
	assert.Equal(t, 50500*time.Microsecond, d.Avg)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Distribution{}, Summarize(nil))
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"directchat_connections_total 42", "directchat_connections_total", 42, true},
		{`directchat_messages_total{outcome="delivered"} 7`, "directchat_messages_total", 7, true},
		{"directchat_persist_latency_seconds_sum 0.125", "directchat_persist_latency_seconds_sum", 0.125, true},
		{`broken{outcome="x" 1`, "", 0, false},
		{"novalue", "", 0, false},
		{"name notanumber", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.InDelta(t, tt.value, value, 1e-9)
		})
	}
}

func TestParseExposition(t *testing.T) {
	body := strings.Join([]string{
		"# HELP directchat_messages_total Chat events by outcome.",
		"# TYPE directchat_messages_total counter",
		`directchat_messages_total{outcome="delivered"} 40`,
		`directchat_messages_total{outcome="dropped_malformed"} 2`,
		"directchat_connections_total 12",
		`directchat_push_failures_total{kind="message"} 1`,
		`directchat_push_failures_total{kind="presence"} 3`,
		"directchat_persist_latency_seconds_sum 0.5",
		"directchat_persist_latency_seconds_count 40",
		"go_goroutines 99",
	}, "\n")

	snap, err := parseExposition(strings.NewReader(body))
	assert.NoError(t, err)
	assert.Equal(t, 42.0, snap.values["Messages Total"])
	assert.Equal(t, 40.0, snap.values["Delivered"])
	assert.Equal(t, 12.0, snap.values["Connections"])
	assert.Equal(t, 4.0, snap.values["Push Failures"])
	assert.Equal(t, 0.5, snap.values[persistSum])
	assert.Equal(t, 40.0, snap.values[persistCount])
	assert.NotContains(t, snap.values, "go_goroutines")
}
