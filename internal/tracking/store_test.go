package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func stateIn(childID, venue, zone string, at time.Time) models.ChildLocationState {
	v := venue
	return models.ChildLocationState{
		ChildID:     childID,
		VenueID:     &v,
		Zone:        zone,
		Confidence:  0.9,
		SourceKind:  models.SourceFaceRecognition,
		LastUpdated: at,
	}
}

// runStoreContract 两种存储实现共享的行为测试
func runStoreContract(t *testing.T, store StateStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nobody")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("put and move between venues", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, stateIn("C1", "V1", "Ball Pit", base)))
		require.NoError(t, store.Put(ctx, stateIn("C2", "V1", "Slides", base)))

		list, err := store.ListByVenue(ctx, "V1")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, store.Put(ctx, stateIn("C1", "V2", "Arcade", base.Add(time.Second))))

		list, err = store.ListByVenue(ctx, "V1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "C2", list[0].ChildID)

		list, err = store.ListByVenue(ctx, "V2")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Arcade", list[0].Zone)

		got, err := store.Get(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, "V2", got.Venue())
		assert.True(t, got.LastUpdated.Equal(base.Add(time.Second)))
	})

	t.Run("checked out leaves venue index", func(t *testing.T) {
		st := stateIn("C2", "V1", "Slides", base.Add(2*time.Second))
		st.VenueID = nil
		require.NoError(t, store.Put(ctx, st))

		list, err := store.ListByVenue(ctx, "V1")
		require.NoError(t, err)
		assert.Empty(t, list)

		got, err := store.Get(ctx, "C2")
		require.NoError(t, err)
		assert.False(t, got.CheckedIn())
		assert.Equal(t, "Slides", got.Zone)
	})

	t.Run("reads are copies", func(t *testing.T) {
		got, err := store.Get(ctx, "C1")
		require.NoError(t, err)
		got.Zone = "mutated"

		again, err := store.Get(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, "Arcade", again.Zone)
	})

	t.Run("history is bounded newest first", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			entry := models.HistoryEntry{
				Observation: models.LocationObservation{
					ChildID:   "C3",
					Zone:      string(rune('A' + i)),
					Timestamp: base.Add(time.Duration(i) * time.Second),
				},
				Outcome: models.OutcomeAccepted,
			}
			require.NoError(t, store.AppendHistory(ctx, "C3", entry, 3))
		}

		entries, err := store.History(ctx, "C3", 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "E", entries[0].Observation.Zone)
		assert.Equal(t, "C", entries[2].Observation.Zone)

		entries, err = store.History(ctx, "C3", 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "E", entries[0].Observation.Zone)

		entries, err = store.History(ctx, "none", 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStateStore_Update(t *testing.T) {
	_, client := setupTestRedis(t)
	stores := map[string]StateStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, zap.NewNop()),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Update(ctx, "U1", func(cur *models.ChildLocationState) *models.ChildLocationState {
				assert.Nil(t, cur)
				st := stateIn("U1", "V1", "Slides", base)
				return &st
			}))

			// 返回 nil 不写入
			require.NoError(t, store.Update(ctx, "U1", func(cur *models.ChildLocationState) *models.ChildLocationState {
				require.NotNil(t, cur)
				assert.Equal(t, "Slides", cur.Zone)
				return nil
			}))
			got, err := store.Get(ctx, "U1")
			require.NoError(t, err)
			assert.Equal(t, "Slides", got.Zone)

			require.NoError(t, store.Update(ctx, "U1", func(cur *models.ChildLocationState) *models.ChildLocationState {
				st := stateIn("U1", "V2", "Arcade", base.Add(time.Second))
				return &st
			}))
			list, err := store.ListByVenue(ctx, "V1")
			require.NoError(t, err)
			assert.Empty(t, list)
			list, err = store.ListByVenue(ctx, "V2")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestRedisStore_CorruptState(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, mr.Set("tracking:child:BAD", "{not json"))

	_, err := store.Get(ctx, "BAD")
	assert.ErrorIs(t, err, ErrCorruptState)
	assert.NotErrorIs(t, err, ErrStateStoreUnavailable)

	// 写入覆盖损坏的状态
	require.NoError(t, store.Update(ctx, "BAD", func(cur *models.ChildLocationState) *models.ChildLocationState {
		assert.Nil(t, cur)
		st := stateIn("BAD", "V1", "Slides", base)
		return &st
	}))
	got, err := store.Get(ctx, "BAD")
	require.NoError(t, err)
	assert.Equal(t, "Slides", got.Zone)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	_, client := setupTestRedis(t)
	runStoreContract(t, NewRedisStore(client, zap.NewNop()))
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateIn("C1", "V1", "Ball Pit", base)))

	assert.True(t, mr.Exists("tracking:child:C1"))
	members, err := mr.Members("tracking:venue:V1:children")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, members)
}

func TestRedisStore_SkipsStaleIndexMember(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateIn("C1", "V1", "Ball Pit", base)))
	_, err := mr.SetAdd("tracking:venue:V1:children", "ghost")
	require.NoError(t, err)

	list, err := store.ListByVenue(ctx, "V1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "C1", list[0].ChildID)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, zap.NewNop())
	mr.Close()

	_, err := store.Get(context.Background(), "C1")
	assert.ErrorIs(t, err, ErrStateStoreUnavailable)

	err = store.Put(context.Background(), stateIn("C1", "V1", "Ball Pit", base))
	assert.ErrorIs(t, err, ErrStateStoreUnavailable)

	assert.ErrorIs(t, store.Ping(context.Background()), ErrStateStoreUnavailable)
}
