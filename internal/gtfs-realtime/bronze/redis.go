package bronze

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/config"
)

const streamPrefix = "rt-transit:bronze:"

// StreamName is the Redis stream carrying append announcements for a message type.
func StreamName(messageName string) string {
	return streamPrefix + messageName
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisAnnouncer publishes every append to a capped Redis stream.
type RedisAnnouncer struct {
	client *redis.Client
	maxLen int64
}

func NewRedisAnnouncer(client *redis.Client, maxLen int64) *RedisAnnouncer {
	return &RedisAnnouncer{client: client, maxLen: maxLen}
}

func (a *RedisAnnouncer) Announce(ctx context.Context, rec Record) error {
	return a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(rec.MessageName),
		MaxLen: a.maxLen,
		Approx: true,
		Values: announcementValues(rec),
	}).Err()
}

func announcementValues(rec Record) map[string]interface{} {
	return map[string]interface{}{
		"record_id":      string(rec.ID),
		"partition_date": rec.PartitionDate,
		"arrival_epoch":  strconv.FormatInt(rec.ArrivalEpoch, 10),
		"ingested_at":    rec.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func recordIDFrom(msg redis.XMessage) (RecordID, error) {
	v, ok := msg.Values["record_id"]
	if !ok {
		return "", fmt.Errorf("stream entry %s has no record_id", msg.ID)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("stream entry %s has invalid record_id", msg.ID)
	}
	return RecordID(s), nil
}

// Follow reads announcements for this log starting after lastID ("$" for new
// entries only, "0" for the retained history) and hands loaded records to fn.
func (l *Log) Follow(ctx context.Context, client *redis.Client, lastID string, fn func(Record) error) error {
	stream := StreamName(l.messageName)
	if lastID == "" {
		lastID = "$"
	}

	for {
		res, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", stream, err)
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				id, err := recordIDFrom(msg)
				if err != nil {
					l.logger.Warn("Ignoring stream entry", "stream", stream, "error", err)
					continue
				}
				rec, err := l.Load(id)
				if err != nil {
					l.logger.Warn("Announced record not loadable", "record_id", string(id), "error", err)
					continue
				}
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
	}
}
