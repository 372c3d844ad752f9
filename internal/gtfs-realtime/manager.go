package gtfs_realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jarmstrongdbrx/rt-transit/internal/api"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/config"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/db"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/consumer"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/poller"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/processor"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/store"
)

const (
	subscriptionBuffer = 256
	announceMaxLen     = 10000
)

// Options select the optional parts of an ingest process.
type Options struct {
	Silver     bool
	StatusAddr string
	Version    string
}

// Manager runs one feed poller and, when asked, the in-process Silver stage
// and the status server next to it.
type Manager struct {
	config  *config.Config
	options Options
	logger  logger.Logger

	bronze    *bronze.Log
	poller    *poller.Poller
	processor *processor.Processor
	catchUp   *processor.CatchUpScheduler
	store     *store.Store
	conn      *db.DB
	redis     *redis.Client
	status    *api.Server

	mu          sync.RWMutex
	isRunning   bool
	cancelFn    context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	done        chan error
}

func NewManager(cfg *config.Config, opts Options, log logger.Logger) *Manager {
	return &Manager{
		config:  cfg,
		options: opts,
		logger:  log,
	}
}

// Start wires the components and launches them in the background. Wait
// returns the poller's result.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("GTFS-realtime manager is already running")
	}

	if err := m.config.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel

	if err := m.setup(ctx); err != nil {
		cancel()
		m.closeResources()
		return err
	}

	if m.processor != nil {
		records, unsubscribe := m.bronze.Subscribe(subscriptionBuffer)
		m.unsubscribe = unsubscribe
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.processor.Consume(ctx, records); err != nil {
				m.logger.Error("Silver stage stopped", "error", err)
			}
		}()

		m.catchUp = processor.NewCatchUpScheduler(m.processor, m.bronze, m.logger, processor.DefaultSchedulerConfig())
		if err := m.catchUp.Start(ctx); err != nil {
			m.logger.Warn("Catch-up scheduler not started", "error", err)
		}
	}

	if m.options.StatusAddr != "" {
		m.status = api.NewServer(m.statusDependencies())
		go func(addr string) {
			if err := m.status.Listen(addr); err != nil {
				m.logger.Error("Status server error", "error", err, "addr", addr)
			}
		}(m.options.StatusAddr)
	}

	m.done = make(chan error, 1)
	m.wg.Add(1)
	go func(p *poller.Poller, done chan<- error) {
		defer m.wg.Done()
		done <- p.Run(ctx)
	}(m.poller, m.done)

	m.isRunning = true
	m.logger.Info("GTFS-realtime manager started successfully",
		"message_name", m.config.Feed.MessageName,
		"silver", m.processor != nil,
		"status_addr", m.options.StatusAddr,
		"redis", m.redis != nil)

	return nil
}

func (m *Manager) setup(ctx context.Context) error {
	var bronzeOpts []bronze.Option
	if m.config.Redis.Enabled() {
		client, err := bronze.NewRedisClient(ctx, m.config.Redis)
		if err != nil {
			return err
		}
		m.redis = client
		bronzeOpts = append(bronzeOpts, bronze.WithAnnouncer(bronze.NewRedisAnnouncer(client, announceMaxLen)))
	}
	m.bronze = bronze.NewLog(m.config.Bronze.Path, m.config.Feed.MessageName, m.logger, bronzeOpts...)

	source := consumer.NewHTTPSource(m.config.Feed, m.logger)
	policy := poller.RetryPolicy{
		MaxConsecutiveErrors: m.config.Feed.MaxConsecutiveErrors,
		Interval:             m.config.Feed.PollInterval,
	}
	m.poller = poller.New(source, m.bronze, policy, source.URL(), m.config.Feed.MessageName, m.logger)

	if !m.options.Silver {
		return nil
	}

	conn, err := db.New(ctx, m.config.Silver.Driver, m.config.Silver.DSN, m.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to silver database: %w", err)
	}
	m.conn = conn
	m.store = store.New(conn, m.logger)
	if err := m.store.EnsureSchema(ctx); err != nil {
		return err
	}
	m.processor = processor.NewProcessor(m.store, m.logger, m.config.Silver.Workers)
	return nil
}

func (m *Manager) statusDependencies() api.Dependencies {
	deps := api.Dependencies{
		Poller:  m.poller,
		Bronze:  m.bronze,
		Version: m.options.Version,
		Logger:  m.logger,
	}
	// typed nils would defeat the nil checks in the server
	if m.processor != nil {
		deps.Processor = m.processor
	}
	if m.store != nil {
		deps.Store = m.store
	}
	if m.catchUp != nil {
		deps.CatchUp = m.catchUp
	}
	return deps
}

// Wait blocks until the poller returns: nil after cancellation, or
// *poller.FatalThresholdError.
func (m *Manager) Wait() error {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return fmt.Errorf("GTFS-realtime manager was not started")
	}
	return <-done
}

// Run starts the manager, waits for the poller and stops everything else.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	err := m.Wait()
	m.Stop()
	return err
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}

	m.logger.Info("Stopping GTFS-realtime manager")

	if m.cancelFn != nil {
		m.cancelFn()
	}
	if m.status != nil {
		if err := m.status.Shutdown(5 * time.Second); err != nil {
			m.logger.Warn("Failed to shut down status server", "error", err)
		}
	}
	if m.catchUp != nil {
		m.catchUp.Stop()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.wg.Wait()
	m.closeResources()

	m.isRunning = false
	m.logger.Info("GTFS-realtime manager stopped")
}

func (m *Manager) closeResources() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("Failed to close silver database", "error", err)
		}
		m.conn = nil
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.Warn("Failed to close redis client", "error", err)
		}
		m.redis = nil
	}
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Manager) PollerStats() poller.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.poller == nil {
		return poller.Stats{}
	}
	return m.poller.Stats()
}

// ProcessorStats is zero when the Silver stage is not running in-process.
func (m *Manager) ProcessorStats() processor.ProcessorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.processor == nil {
		return processor.ProcessorStats{}
	}
	return m.processor.Stats()
}
