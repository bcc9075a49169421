package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// Redis store defaults.
const (
	DefaultRedisKeyPrefix = "replypipe"
	DefaultDedupTTL       = 7 * 24 * time.Hour
	redisPoolSize         = 100

	dedupPending   = "pending"
	dedupProcessed = "processed"
)

// RedisStore keeps flows, execution state, statistics and dedup records in
// Redis. Execution state saves use WATCH/MULTI so concurrent engines sharing a
// Redis instance cannot overwrite each other.
//
// Layout (prefix defaults to "replypipe"):
//
//	prefix:flows                  hash  flow id -> definition JSON
//	prefix:state:{flow}:{user}    string execution state JSON
//	prefix:flowstates:{flow}      set   user ids with a state row
//	prefix:armed                  zset  state key scored by fire_at (unix ms)
//	prefix:stats:{flow}           hash  triggers, replies, last_trigger_at
//	prefix:dedup:{message}        string pending|processed, with TTL
type RedisStore struct {
	client   *redis.Client
	prefix   string
	dedupTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	slog.Debug("NewRedisStore invoked", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "prefix", cfg.KeyPrefix)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: redisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err, "addr", cfg.RedisAddr)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, dedupTTL: cfg.DedupTTL}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) flowsKey() string { return s.prefix + ":flows" }
func (s *RedisStore) armedKey() string { return s.prefix + ":armed" }
func (s *RedisStore) stateKey(k models.StateKey) string {
	return s.prefix + ":state:" + k.FlowID + ":" + k.UserID
}
func (s *RedisStore) flowStatesKey(flowID string) string { return s.prefix + ":flowstates:" + flowID }
func (s *RedisStore) statsKey(flowID string) string      { return s.prefix + ":stats:" + flowID }
func (s *RedisStore) dedupKey(messageID string) string   { return s.prefix + ":dedup:" + messageID }

func (s *RedisStore) SaveFlow(ctx context.Context, def models.FlowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		if existing, err := s.GetFlow(ctx, def.ID); err == nil {
			def.CreatedAt = existing.CreatedAt
		} else {
			def.CreatedAt = now
		}
	}
	def.UpdatedAt = now
	doc, err := encodeFlow(def)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.flowsKey(), def.ID, doc).Err(); err != nil {
		slog.Error("RedisStore SaveFlow failed", "error", err, "flowID", def.ID)
		return wrapUnavailable("save flow", err)
	}
	slog.Debug("RedisStore SaveFlow succeeded", "flowID", def.ID, "active", def.IsActive)
	return nil
}

func (s *RedisStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	doc, err := s.client.HGet(ctx, s.flowsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	if err != nil {
		return nil, wrapUnavailable("get flow", err)
	}
	var def models.FlowDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &def, nil
}

func (s *RedisStore) ListFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	return s.listFlows(ctx, false)
}

func (s *RedisStore) ListActiveFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	return s.listFlows(ctx, true)
}

func (s *RedisStore) listFlows(ctx context.Context, activeOnly bool) ([]models.FlowDefinition, error) {
	docs, err := s.client.HGetAll(ctx, s.flowsKey()).Result()
	if err != nil {
		return nil, wrapUnavailable("list flows", err)
	}
	out := make([]models.FlowDefinition, 0, len(docs))
	for id, doc := range docs {
		var def models.FlowDefinition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			slog.Error("RedisStore listFlows: skipping undecodable flow", "flowID", id, "error", err)
			continue
		}
		if activeOnly && !def.IsActive {
			continue
		}
		out = append(out, def)
	}
	sortFlows(out)
	return out, nil
}

func (s *RedisStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	def, err := s.GetFlow(ctx, id)
	if err != nil {
		return err
	}
	def.IsActive = active
	return s.SaveFlow(ctx, *def)
}

func (s *RedisStore) GetExecutionState(ctx context.Context, key models.StateKey) (*models.ExecutionState, error) {
	data, err := s.client.Get(ctx, s.stateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get execution state", err)
	}
	var st models.ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode execution state %s: %w", key, err)
	}
	return &st, nil
}

func (s *RedisStore) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	key := state.Key()
	redisKey := s.stateKey(key)
	var saved *models.ExecutionState

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		if state.Version == 0 && exists {
			return models.ErrConcurrencyConflict
		}
		if state.Version != 0 {
			if !exists {
				return models.ErrConcurrencyConflict
			}
			var current models.ExecutionState
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("decode execution state %s: %w", key, err)
			}
			if current.Version != state.Version {
				return models.ErrConcurrencyConflict
			}
		}

		next := state.Clone()
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, 0)
			pipe.SAdd(ctx, s.flowStatesKey(key.FlowID), key.UserID)
			if next.Status == models.StatusAwaitingDelay && next.FireAt != nil {
				pipe.ZAdd(ctx, s.armedKey(), redis.Z{Score: float64(next.FireAt.UnixMilli()), Member: redisKey})
			} else {
				pipe.ZRem(ctx, s.armedKey(), redisKey)
			}
			return nil
		})
		if err == nil {
			saved = next
		}
		return err
	}

	err := s.client.Watch(ctx, txf, redisKey)
	switch {
	case err == nil:
		state.Version = saved.Version
		state.UpdatedAt = saved.UpdatedAt
		slog.Debug("RedisStore SaveExecutionState succeeded", "key", key.String(), "status", state.Status, "version", state.Version)
		return nil
	case errors.Is(err, models.ErrConcurrencyConflict), errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("save %s at version %d: %w", key, state.Version, models.ErrConcurrencyConflict)
	default:
		slog.Error("RedisStore SaveExecutionState failed", "error", err, "key", key.String())
		return wrapUnavailable("save execution state", err)
	}
}

func (s *RedisStore) DeleteExecutionState(ctx context.Context, key models.StateKey) error {
	redisKey := s.stateKey(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.SRem(ctx, s.flowStatesKey(key.FlowID), key.UserID)
		pipe.ZRem(ctx, s.armedKey(), redisKey)
		return nil
	})
	if err != nil {
		return wrapUnavailable("delete execution state", err)
	}
	return nil
}

func (s *RedisStore) ListAwaitingDelay(ctx context.Context) ([]models.ExecutionState, error) {
	keys, err := s.client.ZRange(ctx, s.armedKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapUnavailable("list awaiting delay", err)
	}
	states, err := s.loadStates(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := states[:0]
	for _, st := range states {
		if st.Status == models.StatusAwaitingDelay {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

func (s *RedisStore) ListFlowStates(ctx context.Context, flowID string) ([]models.ExecutionState, error) {
	users, err := s.client.SMembers(ctx, s.flowStatesKey(flowID)).Result()
	if err != nil {
		return nil, wrapUnavailable("list flow states", err)
	}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, s.stateKey(models.StateKey{FlowID: flowID, UserID: u}))
	}
	states, err := s.loadStates(ctx, keys)
	if err != nil {
		return nil, err
	}
	sortStates(states)
	return states, nil
}

func (s *RedisStore) loadStates(ctx context.Context, keys []string) ([]models.ExecutionState, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapUnavailable("load execution states", err)
	}
	out := make([]models.ExecutionState, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st models.ExecutionState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			slog.Error("RedisStore loadStates: skipping undecodable state", "key", keys[i], "error", err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) IncrementTriggers(ctx context.Context, flowID string, at time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.statsKey(flowID), "triggers", 1)
		pipe.HSet(ctx, s.statsKey(flowID), "last_trigger_at", at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return wrapUnavailable("increment triggers", err)
	}
	return nil
}

func (s *RedisStore) IncrementReplies(ctx context.Context, flowID string) error {
	if err := s.client.HIncrBy(ctx, s.statsKey(flowID), "replies", 1).Err(); err != nil {
		return wrapUnavailable("increment replies", err)
	}
	return nil
}

func (s *RedisStore) GetFlowStatistics(ctx context.Context, flowID string) (*models.FlowStatistics, error) {
	fields, err := s.client.HGetAll(ctx, s.statsKey(flowID)).Result()
	if err != nil {
		return nil, wrapUnavailable("get flow statistics", err)
	}
	stats := models.FlowStatistics{FlowID: flowID}
	stats.TotalTriggers, _ = strconv.ParseInt(fields["triggers"], 10, 64)
	stats.TotalReplies, _ = strconv.ParseInt(fields["replies"], 10, 64)
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_trigger_at"]); err == nil {
		stats.LastTriggerAt = models.TimePtr(ts)
	}

	states, err := s.ListFlowStates(ctx, flowID)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Status == models.StatusCompleted {
			stats.CompletedUsers++
		} else {
			stats.ActiveUsers++
		}
	}
	return &stats, nil
}

func (s *RedisStore) IsDuplicate(messageID string) (bool, error) {
	val, err := s.client.Get(context.Background(), s.dedupKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return val == dedupProcessed, nil
}

func (s *RedisStore) RecordInbound(messageID, senderID string) (bool, error) {
	ok, err := s.client.SetNX(context.Background(), s.dedupKey(messageID), dedupPending, s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if ok {
		return true, nil
	}
	processed, err := s.IsDuplicate(messageID)
	if err != nil {
		return false, err
	}
	return !processed, nil
}

func (s *RedisStore) MarkProcessed(messageID string) error {
	if err := s.client.Set(context.Background(), s.dedupKey(messageID), dedupProcessed, s.dedupTTL).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// FlushNamespace deletes every key under the store's prefix. Used by tests.
func (s *RedisStore) FlushNamespace(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
