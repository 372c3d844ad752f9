// Package processor is the Silver stage: it turns Bronze records into rows
// and hands them to a store, either for a closed partition or as records
// stream in.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/silver"
)

// Writer persists the rows of one Bronze record, reporting false when the
// record had already been written.
type Writer interface {
	Write(ctx context.Context, recordID string, batch silver.Batch) (bool, error)
}

// RecordSource is the part of the Bronze log a batch run reads.
type RecordSource interface {
	List(partitionDate string) ([]bronze.Record, error)
	Load(id bronze.RecordID) (bronze.Record, error)
}

type ProcessorStats struct {
	ProcessedRecords  int64     `json:"processed_records"`
	SkippedRecords    int64     `json:"skipped_records"`
	VehiclePositions  int64     `json:"vehicle_positions"`
	TripUpdates       int64     `json:"trip_updates"`
	ServiceAlerts     int64     `json:"service_alerts"`
	AlertEntities     int64     `json:"alert_entities"`
	ProcessingErrors  int64     `json:"processing_errors"`
	LastProcessedTime time.Time `json:"last_processed_time"`
	LastRecord        string    `json:"last_record,omitempty"`
}

type Processor struct {
	writer  Writer
	logger  logger.Logger
	workers int

	mu    sync.Mutex
	stats ProcessorStats
}

func NewProcessor(w Writer, log logger.Logger, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		writer:  w,
		logger:  log,
		workers: workers,
	}
}

// Process transforms and writes a single record.
func (p *Processor) Process(ctx context.Context, rec bronze.Record) error {
	batch := silver.Transform(rec)

	written, err := p.writer.Write(ctx, string(rec.ID), batch)
	if err != nil {
		p.mu.Lock()
		p.stats.ProcessingErrors++
		p.mu.Unlock()
		return fmt.Errorf("writing silver rows for %s: %w", rec.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !written {
		p.stats.SkippedRecords++
		return nil
	}
	p.stats.ProcessedRecords++
	p.stats.VehiclePositions += int64(len(batch.VehiclePositions))
	p.stats.TripUpdates += int64(len(batch.TripStopUpdates))
	p.stats.ServiceAlerts += int64(len(batch.ServiceAlerts))
	p.stats.AlertEntities += int64(len(batch.AlertEntities))
	p.stats.LastProcessedTime = time.Now().UTC()
	p.stats.LastRecord = string(rec.ID)
	return nil
}

// Summary describes a batch run over one partition.
type Summary struct {
	PartitionDate string
	Records       int
	Duration      time.Duration
}

// ProcessPartition runs the batch contract: every record of a closed
// partition, transformed in parallel. Records are independent, so completion
// order does not matter.
func (p *Processor) ProcessPartition(ctx context.Context, src RecordSource, partitionDate string) (Summary, error) {
	startTime := time.Now()

	refs, err := src.List(partitionDate)
	if err != nil {
		return Summary{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, ref := range refs {
		id := ref.ID
		g.Go(func() error {
			rec, err := src.Load(id)
			if err != nil {
				return err
			}
			return p.Process(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		PartitionDate: partitionDate,
		Records:       len(refs),
		Duration:      time.Since(startTime),
	}
	p.logger.Info("Processed bronze partition",
		"partition_date", partitionDate,
		"records", summary.Records,
		"duration_ms", summary.Duration.Milliseconds())
	return summary, nil
}

// Consume processes records from a channel until it closes or ctx ends.
// Failures are logged and do not stop the stream.
func (p *Processor) Consume(ctx context.Context, records <-chan bronze.Record) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Processor context cancelled")
			return nil
		case rec, ok := <-records:
			if !ok {
				p.logger.Info("Record channel closed")
				return nil
			}
			p.Handle(ctx, rec)
		}
	}
}

// Handle is Process with failures logged instead of returned, for use as a
// streaming callback.
func (p *Processor) Handle(ctx context.Context, rec bronze.Record) {
	if err := p.Process(ctx, rec); err != nil && ctx.Err() == nil {
		p.logger.Error("Failed to process bronze record", "record_id", string(rec.ID), "error", err)
	}
}

func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
