package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

const DefaultWorkerTTL = 60 * time.Second

// RedisSource reads the engine's Redis layout:
//
//	<prefix>:tasks    hash, task id -> TaskRecord JSON
//	<prefix>:workers  sorted set, worker id scored by last heartbeat (unix seconds)
type RedisSource struct {
	client    *redis.Client
	prefix    string
	workerTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewRedisSource(redisURL, prefix string, workerTTL time.Duration, logger *zap.Logger) (*RedisSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if workerTTL <= 0 {
		workerTTL = DefaultWorkerTTL
	}
	return &RedisSource{
		client:    client,
		prefix:    prefix,
		workerTTL: workerTTL,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisSource) tasksKey() string   { return s.prefix + ":tasks" }
func (s *RedisSource) workersKey() string { return s.prefix + ":workers" }

func (s *RedisSource) Collect(ctx context.Context) (*stats.Snapshot, error) {
	taskMap, err := s.client.HGetAll(ctx, s.tasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	t := newTally()
	for id, taskJSON := range taskMap {
		task, err := TaskRecordFromJSON(taskJSON)
		if err != nil {
			s.logger.Debug("skipping unreadable task record", zap.String("task_id", id), zap.Error(err))
			continue
		}
		t.add(task.Queue, task.Status, 1)
	}

	now := s.now()
	cutoff := now.Add(-s.workerTTL).Unix()
	active, err := s.client.ZCount(ctx, s.workersKey(), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("count workers: %w", err)
	}

	return t.result(int(active), now), nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}
