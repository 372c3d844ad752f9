package bronze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/feedtest"
)

func testDoc(t *testing.T, vehicleID string) *decoder.Document {
	t.Helper()
	doc, err := decoder.FromMessage(feedtest.Message(feedtest.Vehicle("e-"+vehicleID, vehicleID, 60.1, 24.9)))
	require.NoError(t, err)
	return doc
}

type recordingAnnouncer struct {
	mu  sync.Mutex
	ids []RecordID
	err error
}

func (a *recordingAnnouncer) Announce(_ context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, rec.ID)
	return a.err
}

func TestAppendLayout(t *testing.T) {
	base := t.TempDir()
	log := NewLog(base, "vehicle_positions", logger.New(nil))
	ingested := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	id, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", ingested)
	require.NoError(t, err)
	assert.Equal(t, RecordID("dt=2025-01-01/vehicle_positions_1735689600.json"), id)

	path := filepath.Join(base, "dt=2025-01-01", "vehicle_positions_1735689600.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(ingested))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"gtfs_realtime_version"`)
}

func TestAppendSameSecondGetsSuffix(t *testing.T) {
	log := NewLog(t.TempDir(), "trip_updates", logger.New(nil))
	ingested := time.Unix(1735689600, 0)

	first, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", ingested)
	require.NoError(t, err)
	second, err := log.Append(context.Background(), testDoc(t, "2"), "2025-01-01", ingested.Add(300*time.Millisecond))
	require.NoError(t, err)
	third, err := log.Append(context.Background(), testDoc(t, "3"), "2025-01-01", ingested.Add(600*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, RecordID("dt=2025-01-01/trip_updates_1735689600.json"), first)
	assert.Equal(t, RecordID("dt=2025-01-01/trip_updates_1735689600-1.json"), second)
	assert.Equal(t, RecordID("dt=2025-01-01/trip_updates_1735689600-2.json"), third)
}

func TestAppendRejectsBadPartition(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	_, err := log.Append(context.Background(), testDoc(t, "1"), "20250101", time.Now())
	require.Error(t, err)
}

func TestReadPreservesWriteOrder(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	start := time.Unix(1735689600, 0)

	var want []RecordID
	for i, vid := range []string{"a", "b", "c", "d"} {
		// two records per second to exercise the suffix ordering
		at := start.Add(time.Duration(i/2) * time.Second)
		id, err := log.Append(context.Background(), testDoc(t, vid), "2025-01-01", at)
		require.NoError(t, err)
		want = append(want, id)
	}

	// a different message type in the same partition is invisible
	other := NewLog(log.BasePath(), "service_alerts", logger.New(nil))
	_, err := other.Append(context.Background(), testDoc(t, "x"), "2025-01-01", start)
	require.NoError(t, err)

	records, err := log.Read("2025-01-01")
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, rec := range records {
		assert.Equal(t, want[i], rec.ID)
		assert.Equal(t, "2025-01-01", rec.PartitionDate)
		require.NotNil(t, rec.Document)
		require.Len(t, rec.Document.Entities, 1)
	}
	assert.Equal(t, "a", records[0].Document.Entities[0].VehiclePosition.GetVehicle().GetId())
	assert.Equal(t, "d", records[3].Document.Entities[0].VehiclePosition.GetVehicle().GetId())
	assert.Equal(t, 1, records[3].Seq)
	assert.True(t, records[0].IngestedAt.Equal(start))
}

func TestReadMissingPartition(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	records, err := log.Read("2030-01-01")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPartitionsSorted(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	for _, date := range []string{"2025-01-03", "2025-01-01", "2025-01-02"} {
		_, err := log.Append(context.Background(), testDoc(t, "1"), date, time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(log.BasePath(), "scratch"), 0o755))

	dates, err := log.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-01", "2025-01-02", "2025-01-03"}, dates)
}

func TestLoadErrors(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))

	_, err := log.Load("dt=2025-01-01/vehicle_positions_1.json")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = log.Load("vehicle_positions_1.json")
	assert.Error(t, err)

	_, err = log.Load("dt=2025-01-01/trip_updates_1.json")
	assert.Error(t, err)
}

func TestSubscribeAndAnnounce(t *testing.T) {
	announcer := &recordingAnnouncer{err: errors.New("redis down")}
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil), WithAnnouncer(announcer))

	ch, cancel := log.Subscribe(4)
	id, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", time.Now())
	require.NoError(t, err, "announce failures must not fail the append")

	select {
	case rec := <-ch:
		assert.Equal(t, id, rec.ID)
		assert.NotNil(t, rec.Document)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	announcer.mu.Lock()
	defer announcer.mu.Unlock()
	assert.Equal(t, []RecordID{id}, announcer.ids)
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	_, cancel := log.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", time.Unix(int64(1735689600+i), 0))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), log.Dropped())
}

func TestTailReplaysThenFollows(t *testing.T) {
	base := t.TempDir()
	writer := NewLog(base, "vehicle_positions", logger.New(nil))
	reader := NewLog(base, "vehicle_positions", logger.New(nil))

	_, err := writer.Append(context.Background(), testDoc(t, "old"), "2024-12-31", time.Unix(1735603200, 0))
	require.NoError(t, err)
	existing, err := writer.Append(context.Background(), testDoc(t, "1"), "2025-01-01", time.Unix(1735689600, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []RecordID
	done := make(chan error, 1)
	go func() {
		done <- reader.Tail(ctx, "2025-01-01", func(rec Record) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, rec.ID)
			return nil
		})
	}()

	received := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= n
		}
	}
	require.Eventually(t, received(1), 2*time.Second, 10*time.Millisecond)

	sameDay, err := writer.Append(context.Background(), testDoc(t, "2"), "2025-01-01", time.Unix(1735689660, 0))
	require.NoError(t, err)
	nextDay, err := writer.Append(context.Background(), testDoc(t, "3"), "2025-01-02", time.Unix(1735776000, 0))
	require.NoError(t, err)

	require.Eventually(t, received(3), 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []RecordID{existing, sameDay, nextDay}, got)
}

func TestTailStopsOnCallbackError(t *testing.T) {
	log := NewLog(t.TempDir(), "vehicle_positions", logger.New(nil))
	_, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", time.Now())
	require.NoError(t, err)

	boom := errors.New("sink unavailable")
	err = log.Tail(context.Background(), "", func(Record) error { return boom })
	assert.True(t, errors.Is(err, boom))
}

func TestTailForgetsOlderPartitions(t *testing.T) {
	base := t.TempDir()
	log := NewLog(base, "vehicle_positions", logger.New(nil))
	older, err := log.Append(context.Background(), testDoc(t, "1"), "2025-01-01", time.Unix(1735689600, 0))
	require.NoError(t, err)
	newer, err := log.Append(context.Background(), testDoc(t, "2"), "2025-01-02", time.Unix(1735776000, 0))
	require.NoError(t, err)

	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()

	var delivered []RecordID
	tl := &tailer{
		log:     log,
		watcher: watcher,
		fn: func(rec Record) error {
			delivered = append(delivered, rec.ID)
			return nil
		},
		seen:    make(map[RecordID]struct{}),
		watched: make(map[string]struct{}),
	}

	require.NoError(t, tl.openPartition("2025-01-01"))
	assert.Contains(t, tl.seen, older)

	require.NoError(t, tl.openPartition("2025-01-02"))
	assert.NotContains(t, tl.seen, older)
	assert.Contains(t, tl.seen, newer)
	assert.Len(t, tl.seen, 1)

	// reopening an older partition does not prune the newer one
	require.NoError(t, tl.openPartition("2025-01-01"))
	assert.Contains(t, tl.seen, newer)
	assert.Equal(t, "2025-01-02", tl.newest)
	assert.Equal(t, []RecordID{older, newer, older}, delivered)
}

func TestAnnouncementValues(t *testing.T) {
	rec := Record{
		ID:            "dt=2025-01-01/vehicle_positions_1735689600.json",
		MessageName:   "vehicle_positions",
		PartitionDate: "2025-01-01",
		ArrivalEpoch:  1735689600,
		IngestedAt:    time.Unix(1735689600, 0),
	}
	values := announcementValues(rec)
	assert.Equal(t, "1735689600", values["arrival_epoch"])
	assert.Equal(t, "rt-transit:bronze:vehicle_positions", StreamName(rec.MessageName))

	strValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		strValues[k] = v
	}
	id, err := recordIDFrom(redis.XMessage{ID: "1-0", Values: strValues})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	_, err = recordIDFrom(redis.XMessage{ID: "2-0", Values: map[string]interface{}{}})
	assert.Error(t, err)
}
