package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rediscommon "github.com/drsammd/safeplay-staging-sub008/common/redis"
	"github.com/drsammd/safeplay-staging-sub008/internal/models"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

type mockIngestor struct {
	mock.Mock
}

func (m *mockIngestor) Ingest(ctx context.Context, obs models.LocationObservation) (*tracking.IngestResult, error) {
	args := m.Called(ctx, obs)
	res, _ := args.Get(0).(*tracking.IngestResult)
	return res, args.Error(1)
}

func (m *mockIngestor) CheckOut(ctx context.Context, childID string, at time.Time) (*tracking.CheckOutResult, error) {
	args := m.Called(ctx, childID, at)
	res, _ := args.Get(0).(*tracking.CheckOutResult)
	return res, args.Error(1)
}

const testStream = "tracking:observations"

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func streamConfig() StreamConfig {
	return StreamConfig{
		Stream:        testStream,
		ConsumerGroup: "tracking-group",
		ConsumerName:  "tracking-1",
		BatchSize:     10,
		Block:         10 * time.Millisecond,
	}
}

func publish(t *testing.T, client *redis.Client, event map[string]interface{}) {
	t.Helper()
	_, err := rediscommon.PublishJSONToStream(context.Background(), client, testStream, event)
	require.NoError(t, err)
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), testStream, "tracking-group").Result()
	require.NoError(t, err)
	return p.Count
}

func TestStreamConsumer_ProcessesCheckInAndCheckOut(t *testing.T) {
	client := setupTestRedis(t)
	tr := newTracker()
	c := NewStreamConsumer(streamConfig(), client, tr, zap.NewNop())

	publish(t, client, map[string]interface{}{
		"action": "checkin", "childId": "C1", "venueId": "V1", "zone": "Entrance",
		"timestamp": t0.Format(time.RFC3339Nano),
	})
	publish(t, client, map[string]interface{}{
		"childId": "C1", "venueId": "V1", "zone": "Arcade", "confidence": 0.9,
		"sourceKind": "FACE_RECOGNITION", "timestamp": t0.Add(5 * time.Second).Format(time.RFC3339Nano),
	})
	publish(t, client, map[string]interface{}{"action": "teleport", "childId": "C1"})
	_, err := rediscommon.PublishToStream(context.Background(), client, testStream, map[string]interface{}{"noise": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Processed == 4 }, 2*time.Second, 10*time.Millisecond)

	st, err := tr.GetCurrentLocation(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "Entrance", st.Zone)
	assert.Equal(t, models.SourceQRCode, st.SourceKind)
	assert.Equal(t, 1.0, st.Confidence)

	publish(t, client, map[string]interface{}{
		"action": "checkout", "childId": "C1", "timestamp": t0.Add(time.Minute).Format(time.RFC3339Nano),
	})
	require.Eventually(t, func() bool { return c.Stats().CheckOuts == 1 }, 2*time.Second, 10*time.Millisecond)

	st, err = tr.GetCurrentLocation(context.Background(), "C1")
	require.NoError(t, err)
	assert.False(t, st.CheckedIn())

	cancel()
	require.NoError(t, <-done)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, int64(2), stats.Invalid)
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestStreamConsumer_LeavesStoreFailuresPending(t *testing.T) {
	client := setupTestRedis(t)
	ing := &mockIngestor{}
	c := NewStreamConsumer(streamConfig(), client, ing, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "tracking-group"))
	publish(t, client, map[string]interface{}{
		"childId": "C1", "venueId": "V1", "zone": "Slides", "confidence": 0.9, "sourceKind": "FACE_RECOGNITION",
	})

	ing.On("Ingest", mock.Anything, mock.Anything).Return(nil, tracking.ErrStateStoreUnavailable).Once()
	ing.On("Ingest", mock.Anything, mock.Anything).
		Return(&tracking.IngestResult{Outcome: models.OutcomeAccepted}, nil).Once()

	// 启动时没有 pending，读取新消息后失败
	err := c.consumeOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, tracking.ErrStateStoreUnavailable)
	assert.Equal(t, int64(1), pendingCount(t, client))

	// 下一轮重放 pending 消息
	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, int64(0), pendingCount(t, client))

	// pending 清空后恢复读取新消息
	require.NoError(t, c.consumeOnce(ctx))
	assert.False(t, c.hasPending)

	ing.AssertExpectations(t)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Accepted)
}

func TestStreamConsumer_DropsMessageAfterMaxDeliveries(t *testing.T) {
	client := setupTestRedis(t)
	ing := &mockIngestor{}
	cfg := streamConfig()
	cfg.MaxDeliveries = 3
	c := NewStreamConsumer(cfg, client, ing, zap.NewNop())
	ctx := context.Background()

	isChild := func(id string) interface{} {
		return mock.MatchedBy(func(o models.LocationObservation) bool { return o.ChildID == id })
	}
	ing.On("Ingest", mock.Anything, isChild("BAD")).Return(nil, tracking.ErrStateStoreUnavailable)
	ing.On("Ingest", mock.Anything, isChild("GOOD")).
		Return(&tracking.IngestResult{Outcome: models.OutcomeAccepted}, nil).Once()

	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "tracking-group"))
	publish(t, client, map[string]interface{}{
		"childId": "BAD", "venueId": "V1", "zone": "Slides", "confidence": 0.9, "sourceKind": "FACE_RECOGNITION",
	})

	require.Error(t, c.consumeOnce(ctx))
	publish(t, client, map[string]interface{}{
		"childId": "GOOD", "venueId": "V1", "zone": "Arcade", "confidence": 0.9, "sourceKind": "FACE_RECOGNITION",
	})

	// 第二次投递仍失败，消息保留
	require.Error(t, c.consumeOnce(ctx))
	assert.Equal(t, int64(1), pendingCount(t, client))

	// 第三次投递达到上限，确认并丢弃
	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, int64(0), pendingCount(t, client))

	// 后续消息不再被阻塞
	require.NoError(t, c.consumeOnce(ctx))

	ing.AssertExpectations(t)
	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(1), stats.Accepted)
}

func TestStreamConsumer_CorruptStateDoesNotBlockStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	tr := tracking.NewTracker(tracking.NewRedisStore(client, zap.NewNop()), nil, tracking.Options{
		Now: func() time.Time { return t0.Add(time.Hour) },
	}, zap.NewNop())
	c := NewStreamConsumer(streamConfig(), client, tr, zap.NewNop())

	require.NoError(t, client.Set(ctx, "tracking:child:BAD", "{not json", 0).Err())
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "tracking-group"))
	publish(t, client, map[string]interface{}{
		"childId": "BAD", "venueId": "V1", "zone": "Slides", "confidence": 0.9,
		"sourceKind": "FACE_RECOGNITION", "timestamp": t0.Format(time.RFC3339Nano),
	})
	publish(t, client, map[string]interface{}{
		"childId": "GOOD", "venueId": "V1", "zone": "Arcade", "confidence": 0.9,
		"sourceKind": "FACE_RECOGNITION", "timestamp": t0.Format(time.RFC3339Nano),
	})

	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, int64(0), pendingCount(t, client))

	for child, zone := range map[string]string{"BAD": "Slides", "GOOD": "Arcade"} {
		st, err := tr.GetCurrentLocation(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, zone, st.Zone)
	}
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestParseStreamEvent(t *testing.T) {
	ev, err := parseStreamEvent(rediscommon.StreamMessage{Values: map[string]interface{}{
		"data": `{"action":" CheckOut ","childId":"C1"}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionCheckOut, ev.Action)
	assert.Equal(t, "C1", ev.ChildID)

	ev, err = parseStreamEvent(rediscommon.StreamMessage{Values: map[string]interface{}{
		"data": `{"childId":"C1","sourceKind":"MANUAL_STAFF"}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionObservation, ev.Action)
	assert.Equal(t, models.SourceManualStaff, ev.SourceKind)

	_, err = parseStreamEvent(rediscommon.StreamMessage{Values: map[string]interface{}{"data": 5}})
	assert.ErrorIs(t, err, errInvalidMessage)
}
