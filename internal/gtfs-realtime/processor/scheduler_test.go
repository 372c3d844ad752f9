package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
)

func newTestScheduler(t *testing.T, cfg SchedulerConfig) (*CatchUpScheduler, *memoryWriter) {
	t.Helper()
	log := bronze.NewLog(t.TempDir(), "trip_updates", logger.New(nil))
	appendTripUpdates(t, log, 2)

	w := &memoryWriter{}
	s := NewCatchUpScheduler(NewProcessor(w, logger.New(nil), 2), log, logger.New(nil), cfg)
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }
	return s, w
}

func TestTriggerCatchUpProcessesYesterday(t *testing.T) {
	s, w := newTestScheduler(t, DefaultSchedulerConfig())

	summary, err := s.TriggerCatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", summary.PartitionDate)
	assert.Equal(t, 2, summary.Records)
	assert.Len(t, w.written, 2)

	// already written records are skipped on the next run
	_, err = s.TriggerCatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.processor.Stats().SkippedRecords)

	status := s.GetStatus()
	assert.Equal(t, "2025-01-01", status["last_partition"])
	assert.Equal(t, "", status["last_error"])
}

func TestCatchUpSchedulerLoop(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{Interval: time.Hour, InitialDelay: 5 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.processor.Stats().ProcessedRecords == 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

func TestCatchUpSchedulerRejectsZeroInterval(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{})
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}
