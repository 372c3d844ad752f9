// Package poller fetches one GTFS-realtime feed on a fixed cadence and appends
// every changed snapshot to the Bronze log.
package poller

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
)

// Source yields the raw feed payload.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Sink persists decoded snapshots.
type Sink interface {
	Append(ctx context.Context, doc *decoder.Document, partitionDate string, ingestedAt time.Time) (bronze.RecordID, error)
}

type DecodeFunc func([]byte) (*decoder.Document, error)

// Outcome of a single iteration.
type Outcome int

const (
	Failed Outcome = iota
	Unchanged
	Written
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Written:
		return "written"
	default:
		return "failed"
	}
}

// Stats is a point-in-time view of a poller.
type Stats struct {
	RunID             string          `json:"run_id"`
	Source            string          `json:"source"`
	MessageName       string          `json:"message_name"`
	Running           bool            `json:"running"`
	StartedAt         time.Time       `json:"started_at"`
	Fetches           int64           `json:"fetches"`
	Unchanged         int64           `json:"unchanged"`
	Written           int64           `json:"written"`
	Failures          int64           `json:"failures"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	LastRecord        bronze.RecordID `json:"last_record,omitempty"`
	LastWrite         time.Time       `json:"last_write"`
	LastError         string          `json:"last_error,omitempty"`
	LastErrorKind     string          `json:"last_error_kind,omitempty"`
}

type Option func(*Poller)

// WithDecoder replaces decoder.Decode.
func WithDecoder(fn DecodeFunc) Option {
	return func(p *Poller) { p.decode = fn }
}

// WithClock replaces time.Now for partitioning and ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller owns the last stored payload and the consecutive error counter for
// one source. It is not safe to Run twice concurrently.
type Poller struct {
	source Source
	sink   Sink
	decode DecodeFunc
	policy RetryPolicy
	logger logger.Logger
	now    func() time.Time

	lastStored  []byte
	consecutive int

	mu    sync.RWMutex
	stats Stats
}

func New(source Source, sink Sink, policy RetryPolicy, sourceName, messageName string, log logger.Logger, opts ...Option) *Poller {
	runID := uuid.NewString()
	p := &Poller{
		source: source,
		sink:   sink,
		decode: decoder.Decode,
		policy: policy,
		logger: log.With("source", sourceName, "message_name", messageName, "run_id", runID),
		now:    time.Now,
		stats: Stats{
			RunID:       runID,
			Source:      sourceName,
			MessageName: messageName,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled (returning nil) or the retry policy gives
// up (returning *FatalThresholdError).
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.stats.Running = true
	p.stats.StartedAt = p.now().UTC()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.stats.Running = false
		p.mu.Unlock()
	}()

	p.logger.Info("Starting feed poller",
		"poll_interval", p.policy.Interval.String(),
		"max_consecutive_errors", p.policy.MaxConsecutiveErrors)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Feed poller stopped")
			return nil
		case <-timer.C:
		}

		_, err := p.Poll(ctx)
		if ctx.Err() != nil {
			p.logger.Info("Feed poller stopped")
			return nil
		}
		if err != nil && p.policy.Decide(p.consecutive) == Fatal {
			fatal := &FatalThresholdError{Consecutive: p.consecutive, Last: err}
			p.logger.Error("Too many consecutive errors, stopping poller",
				"error", fatal,
				"error_kind", ErrorKind(err),
				"consecutive_errors", p.consecutive)
			return fatal
		}

		timer.Reset(p.policy.Interval)
	}
}

// Poll runs one fetch → compare → decode → append iteration and updates the
// consecutive error counter.
func (p *Poller) Poll(ctx context.Context) (Outcome, error) {
	outcome, err := p.iterate(ctx)

	p.mu.Lock()
	p.stats.Fetches++
	switch outcome {
	case Written:
		p.stats.Written++
	case Unchanged:
		p.stats.Unchanged++
	case Failed:
		p.stats.Failures++
		p.stats.LastError = err.Error()
		p.stats.LastErrorKind = ErrorKind(err)
	}
	p.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Failed, err
		}
		p.consecutive++
		p.logger.Error("Feed poll failed",
			"error", err,
			"error_kind", ErrorKind(err),
			"consecutive_errors", p.consecutive)
	} else if outcome == Written {
		// an unchanged fetch leaves the counter alone
		p.consecutive = 0
	}

	p.mu.Lock()
	p.stats.ConsecutiveErrors = p.consecutive
	p.mu.Unlock()

	return outcome, err
}

func (p *Poller) iterate(ctx context.Context) (Outcome, error) {
	payload, err := p.source.Fetch(ctx)
	if err != nil {
		return Failed, &FetchError{Source: p.stats.Source, Err: err}
	}

	if p.lastStored != nil && bytes.Equal(payload, p.lastStored) {
		p.logger.Debug("No new data; skipping write", "bytes", len(payload))
		return Unchanged, nil
	}

	doc, err := p.decode(payload)
	if err != nil {
		var decErr *decoder.DecodeError
		if !errors.As(err, &decErr) {
			err = &decoder.DecodeError{Reason: "decoder failed", Err: err}
		}
		return Failed, err
	}

	now := p.now().UTC()
	id, err := p.sink.Append(ctx, doc, bronze.PartitionDate(now), now)
	if err != nil {
		return Failed, &StorageError{Err: err}
	}

	p.lastStored = payload

	p.mu.Lock()
	p.stats.LastRecord = id
	p.stats.LastWrite = now
	p.mu.Unlock()

	p.logger.Info("New feed snapshot saved",
		"record_id", string(id),
		"entities", len(doc.Entities),
		"bytes", len(payload))
	return Written, nil
}

// Stats returns a copy of the current counters.
func (p *Poller) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
