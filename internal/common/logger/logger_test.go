package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	levels []string
	msgs   []string
	fields []map[string]interface{}
}

func (r *recordingAlerter) SendLogMessage(level, message string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, message)
	r.fields = append(r.fields, fields)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	return out
}

func TestLogWithFieldsErrorKey(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)

	log.Info("fetch failed", "error", errors.New("boom"), "attempt", 3)

	line := decodeLine(t, &buf)
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, float64(3), line["attempt"])
	assert.Equal(t, "fetch failed", line["message"])
}

func TestWithCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf).With("run_id", "abc", "message_name", "vehicle_positions")

	log.Warn("unchanged")

	line := decodeLine(t, &buf)
	assert.Equal(t, "abc", line["run_id"])
	assert.Equal(t, "vehicle_positions", line["message_name"])
	assert.Equal(t, "warn", line["level"])
}

func TestNewWithoutWritersDiscards(t *testing.T) {
	log := New(nil)
	assert.NotPanics(t, func() { log.Info("nothing to see") })
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestErrorForwardsToAlerter(t *testing.T) {
	alerter := &recordingAlerter{}
	log := NewWithConfig(Config{Level: "info", Alerter: alerter}).With("run_id", "r1")

	log.Info("not forwarded")
	log.Error("fatal threshold reached", "error", errors.New("10 consecutive failures"))

	require.Eventually(t, func() bool { return alerter.count() == 1 }, time.Second, 10*time.Millisecond)

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Equal(t, "ERROR", alerter.levels[0])
	assert.Equal(t, "fatal threshold reached", alerter.msgs[0])
	assert.Equal(t, "10 consecutive failures", alerter.fields[0]["error"])
	assert.Equal(t, "r1", alerter.fields[0]["run_id"])
}

type slowAlerter struct {
	delay time.Duration
	recordingAlerter
}

func (s *slowAlerter) SendLogMessage(level, message string, fields map[string]interface{}) error {
	time.Sleep(s.delay)
	return s.recordingAlerter.SendLogMessage(level, message, fields)
}

func TestFlushWaitsForPendingAlerts(t *testing.T) {
	alerter := &slowAlerter{delay: 50 * time.Millisecond}
	root := NewWithConfig(Config{Level: "info", Alerter: alerter})
	child := root.With("run_id", "r1")

	child.Error("too many consecutive errors")

	// alerts sent through a child are flushed by the root as well
	assert.True(t, root.Flush(time.Second))
	assert.Equal(t, 1, alerter.count())
}

func TestFlushTimesOut(t *testing.T) {
	alerter := &slowAlerter{delay: 200 * time.Millisecond}
	log := NewWithConfig(Config{Level: "info", Alerter: alerter})

	log.Error("webhook is slow")

	assert.False(t, log.Flush(10*time.Millisecond))
	assert.True(t, log.Flush(time.Second))
}

func TestFlushWithoutAlerter(t *testing.T) {
	assert.True(t, New(nil).Flush(time.Millisecond))
}
