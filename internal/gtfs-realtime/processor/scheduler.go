package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
)

// CatchUpScheduler re-runs the batch transform over the previous day's
// partition on a fixed interval. Writes are idempotent, so records the
// stream already delivered are skipped and dropped notifications are filled in.
type CatchUpScheduler struct {
	processor *Processor
	source    RecordSource
	logger    logger.Logger
	config    SchedulerConfig
	now       func() time.Time

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	done      chan struct{}
	lastRun   time.Time
	lastDate  string
	lastError string
}

type SchedulerConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     24 * time.Hour,
		InitialDelay: 1 * time.Minute,
	}
}

func NewCatchUpScheduler(p *Processor, src RecordSource, log logger.Logger, cfg SchedulerConfig) *CatchUpScheduler {
	return &CatchUpScheduler{
		processor: p,
		source:    src,
		logger:    log,
		config:    cfg,
		now:       time.Now,
	}
}

func (s *CatchUpScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("catch-up scheduler is already running")
	}
	if s.config.Interval <= 0 {
		return fmt.Errorf("catch-up interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	s.isRunning = true

	s.logger.Info("Starting catch-up scheduler",
		"interval", s.config.Interval.String(),
		"initial_delay", s.config.InitialDelay.String())

	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for a running transform to finish.
func (s *CatchUpScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.cancelFn()
	done := s.done
	s.isRunning = false
	s.mu.Unlock()

	<-done
	s.logger.Info("Catch-up scheduler stopped")
}

func (s *CatchUpScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *CatchUpScheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	initialDelay := time.NewTimer(s.config.InitialDelay)
	defer initialDelay.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initialDelay.C:
		case <-ticker.C:
		}
		if _, err := s.TriggerCatchUp(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Catch-up transform failed", "error", err)
		}
	}
}

// TriggerCatchUp transforms yesterday's partition (UTC) now.
func (s *CatchUpScheduler) TriggerCatchUp(ctx context.Context) (Summary, error) {
	date := bronze.PartitionDate(s.now().UTC().AddDate(0, 0, -1))
	before := s.processor.Stats().ProcessedRecords

	summary, err := s.processor.ProcessPartition(ctx, s.source, date)

	s.mu.Lock()
	s.lastRun = s.now().UTC()
	s.lastDate = date
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		return summary, err
	}
	s.logger.Info("Catch-up transform finished",
		"partition_date", date,
		"records", summary.Records,
		"written", s.processor.Stats().ProcessedRecords-before)
	return summary, nil
}

func (s *CatchUpScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"is_running":     s.isRunning,
		"interval":       s.config.Interval.String(),
		"last_run":       s.lastRun,
		"last_partition": s.lastDate,
		"last_error":     s.lastError,
	}
}
