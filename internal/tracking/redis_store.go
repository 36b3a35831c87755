package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// RedisStore 基于 Redis 的状态存储，多个实例可共享
// 同一儿童的读-改-写在 WATCH 事务内完成，其他实例并发修改时整体重试
//
// Key 设计：
//   - tracking:child:{childId}          儿童状态 JSON
//   - tracking:venue:{venueId}:children 场馆内 childId 集合
//   - tracking:history:{childId}        历史记录列表（LPUSH + LTRIM，最新在前）
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 状态存储
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func childKey(childID string) string {
	return fmt.Sprintf("tracking:child:%s", childID)
}

func venueKey(venueID string) string {
	return fmt.Sprintf("tracking:venue:%s:children", venueID)
}

func historyKey(childID string) string {
	return fmt.Sprintf("tracking:history:%s", childID)
}

// maxUpdateAttempts WATCH 冲突时的最大尝试次数
const maxUpdateAttempts = 16

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStateStoreUnavailable, op, err)
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, childID string) (*models.ChildLocationState, error) {
	data, err := s.client.Get(ctx, childKey(childID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, unavailable("get state", err)
	}
	return decodeState(childID, data)
}

func decodeState(childID string, data []byte) (*models.ChildLocationState, error) {
	var st models.ChildLocationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: child %s: %v", ErrCorruptState, childID, err)
	}
	return &st, nil
}

func (s *RedisStore) Put(ctx context.Context, state models.ChildLocationState) error {
	return s.Update(ctx, state.ChildID, func(*models.ChildLocationState) *models.ChildLocationState {
		return &state
	})
}

func (s *RedisStore) Update(ctx context.Context, childID string, fn UpdateFunc) error {
	key := childKey(childID)

	txf := func(tx *redis.Tx) error {
		var current *models.ChildLocationState
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return unavailable("get state", err)
		default:
			current, err = decodeState(childID, data)
			if err != nil {
				// 损坏的状态视为无状态，由本次写入覆盖
				s.logger.Warn("Overwriting undecodable child state",
					zap.String("child_id", childID),
					zap.Error(err),
				)
				current = nil
			}
		}

		prevVenue := current.Venue()
		next := fn(current)
		if next == nil {
			return nil
		}
		state := next.Clone()
		state.ChildID = childID

		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if prevVenue != "" && prevVenue != state.Venue() {
				pipe.SRem(ctx, venueKey(prevVenue), childID)
			}
			if state.CheckedIn() {
				pipe.SAdd(ctx, venueKey(state.Venue()), childID)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrStateStoreUnavailable) {
			return unavailable("update state", err)
		}
		return err
	}
	return unavailable("update state", redis.TxFailedErr)
}

func (s *RedisStore) ListByVenue(ctx context.Context, venueID string) ([]models.ChildLocationState, error) {
	members, err := s.client.SMembers(ctx, venueKey(venueID)).Result()
	if err != nil {
		return nil, unavailable("list venue members", err)
	}
	if len(members) == 0 {
		return []models.ChildLocationState{}, nil
	}

	keys := make([]string, len(members))
	for i, id := range members {
		keys[i] = childKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("load venue states", err)
	}

	out := make([]models.ChildLocationState, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st models.ChildLocationState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn("Skipping undecodable child state",
				zap.String("child_id", members[i]),
				zap.Error(err),
			)
			continue
		}
		// 索引可能短暂滞后，以状态本身为准
		if st.Venue() != venueID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, childID string, entry models.HistoryEntry, limit int) error {
	if limit <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := historyKey(childID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(limit-1))
		return nil
	})
	if err != nil {
		return unavailable("append history", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, childID string, limit int) ([]models.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, historyKey(childID), 0, stop).Result()
	if err != nil {
		return nil, unavailable("read history", err)
	}

	out := make([]models.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("Skipping undecodable history entry",
				zap.String("child_id", childID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
