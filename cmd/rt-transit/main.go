package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/config"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/db"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/discord"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	gtfs_realtime "github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/poller"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/processor"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/store"
)

// alertFlushTimeout bounds how long a command waits for webhook alerts
// before the process exits.
const alertFlushTimeout = 10 * time.Second

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rt-transit",
		Short: "GTFS-realtime ingestion into Bronze and Silver layers",
		Long: `rt-transit polls a GTFS-realtime feed, keeps every changed snapshot
in an append-only Bronze log and flattens Bronze records into Silver tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		ingestCmd(),
		transformCmd(),
		followCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("rt-transit %s (%s, %s)\n", version, commit, buildDate)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers .env, the config file and the environment. Flags are
// applied by the caller before validation.
func loadConfig() (*config.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.FilePath = cfg.Logging.FilePath
	if cfg.Logging.DiscordWebhookURL != "" {
		lc.Alerter = discord.NewClient(cfg.Logging.DiscordWebhookURL, "rt-transit")
	}
	return logger.NewWithConfig(lc)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ingestCmd() *cobra.Command {
	var (
		url        string
		message    string
		interval   time.Duration
		silver     bool
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "ingest [gtfs_rt_url <url> message_name <name> poll_interval_seconds <n>]",
		Short: "Poll the feed and append changed snapshots to the Bronze log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := cfg.ApplyPairs(args); err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Feed.URL = url
			}
			if cmd.Flags().Changed("message") {
				cfg.Feed.MessageName = message
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.Feed.PollInterval = interval
			}
			if cmd.Flags().Changed("status-addr") {
				cfg.Status.Addr = statusAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := newLogger(cfg)
			defer log.Flush(alertFlushTimeout)
			log.Info("rt-transit ingest starting",
				"version", version,
				"url", cfg.Feed.URL,
				"message_name", cfg.Feed.MessageName,
				"poll_interval", cfg.Feed.PollInterval.String(),
				"bronze_path", cfg.Bronze.Path)

			ctx, stop := signalContext()
			defer stop()

			manager := gtfs_realtime.NewManager(cfg, gtfs_realtime.Options{
				Silver:     silver,
				StatusAddr: cfg.Status.Addr,
				Version:    version,
			}, log)

			err = manager.Run(ctx)
			var fatal *poller.FatalThresholdError
			if errors.As(err, &fatal) {
				log.Error("Feed ingestion aborted", "error", err, "consecutive_errors", fatal.Consecutive)
				return err
			}
			if err != nil {
				return err
			}
			log.Info("rt-transit ingest stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "GTFS-realtime feed URL")
	cmd.Flags().StringVar(&message, "message", "", "Message name: vehicle_positions, trip_updates or service_alerts")
	cmd.Flags().DurationVar(&interval, "poll-interval", 0, "Fixed interval between polls")
	cmd.Flags().BoolVar(&silver, "silver", false, "Also write Silver rows in-process")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Status server address, empty to disable")
	return cmd
}

func transformCmd() *cobra.Command {
	var (
		date    string
		message string
	)

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Write the Silver rows of a closed Bronze partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if date == "" {
				date = bronze.PartitionDate(time.Now().UTC().AddDate(0, 0, -1))
			}
			if _, err := time.Parse(bronze.DateLayout, date); err != nil {
				return fmt.Errorf("invalid --date %q: %w", date, err)
			}

			messages := []string{message}
			switch message {
			case "":
				messages = []string{cfg.Feed.MessageName}
			case "all":
				messages = config.MessageNames
			}

			log := newLogger(cfg)
			defer log.Flush(alertFlushTimeout)
			ctx, stop := signalContext()
			defer stop()

			proc, closeStore, err := openProcessor(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, name := range messages {
				l := bronze.NewLog(cfg.Bronze.Path, name, log)
				summary, err := proc.ProcessPartition(ctx, l, date)
				if err != nil {
					return fmt.Errorf("transforming %s %s: %w", name, date, err)
				}
				log.Info("Partition transformed",
					"message_name", name,
					"partition_date", summary.PartitionDate,
					"records", summary.Records)
			}

			stats := proc.Stats()
			log.Info("Transform finished",
				"processed_records", stats.ProcessedRecords,
				"skipped_records", stats.SkippedRecords,
				"vehicle_positions", stats.VehiclePositions,
				"trip_updates", stats.TripUpdates,
				"service_alerts", stats.ServiceAlerts,
				"alert_entities", stats.AlertEntities)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Partition date YYYY-MM-DD (default yesterday, UTC)")
	cmd.Flags().StringVar(&message, "message", "", "Message name, or all (default from config)")
	return cmd
}

func followCmd() *cobra.Command {
	var (
		message string
		from    string
		via     string
	)

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream Bronze records written by an ingest process into Silver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if message != "" {
				cfg.Feed.MessageName = message
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			start, err := tailStart(from, time.Now())
			if err != nil {
				return err
			}

			log := newLogger(cfg)
			defer log.Flush(alertFlushTimeout)
			ctx, stop := signalContext()
			defer stop()

			proc, closeStore, err := openProcessor(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			l := bronze.NewLog(cfg.Bronze.Path, cfg.Feed.MessageName, log)
			handle := func(rec bronze.Record) error {
				proc.Handle(ctx, rec)
				return nil
			}

			log.Info("Following bronze log",
				"message_name", cfg.Feed.MessageName,
				"via", via,
				"from", start)

			switch via {
			case "fs":
				err = l.Tail(ctx, start, handle)
			case "redis":
				if !cfg.Redis.Enabled() {
					return fmt.Errorf("--via redis needs REDIS_ADDR or redis.addr")
				}
				client, cerr := bronze.NewRedisClient(ctx, cfg.Redis)
				if cerr != nil {
					return cerr
				}
				defer client.Close()
				lastID := "$"
				if from != "" {
					lastID = "0"
				}
				err = l.Follow(ctx, client, lastID, handle)
			default:
				return fmt.Errorf("unknown --via %q, want fs or redis", via)
			}
			if err != nil {
				return err
			}

			stats := proc.Stats()
			log.Info("Follow stopped",
				"processed_records", stats.ProcessedRecords,
				"processing_errors", stats.ProcessingErrors)
			return nil
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "Message name (default from config)")
	cmd.Flags().StringVar(&from, "from", "", "Replay from this date YYYY-MM-DD before following (fs default today UTC, redis default new records only)")
	cmd.Flags().StringVar(&via, "via", "fs", "Notification source: fs or redis")
	return cmd
}

// tailStart is the first partition a filesystem follow replays. Without
// --from only today's partition (UTC) is replayed.
func tailStart(from string, now time.Time) (string, error) {
	if from == "" {
		return bronze.PartitionDate(now), nil
	}
	if _, err := time.Parse(bronze.DateLayout, from); err != nil {
		return "", fmt.Errorf("invalid --from %q: %w", from, err)
	}
	return from, nil
}

func openProcessor(ctx context.Context, cfg *config.Config, log logger.Logger) (*processor.Processor, func(), error) {
	conn, err := db.New(ctx, cfg.Silver.Driver, cfg.Silver.DSN, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to silver database: %w", err)
	}
	st := store.New(conn, log)
	if err := st.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := conn.Close(); err != nil {
			log.Warn("Failed to close silver database", "error", err)
		}
	}
	return processor.NewProcessor(st, log, cfg.Silver.Workers), closeFn, nil
}
