package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// BuildSnapshot 根据场馆内儿童状态计算占用快照
// 只统计已签入且属于 venueID 的状态；Total 恒等于各 zone 人数之和
func BuildSnapshot(venueID string, states []models.ChildLocationState, now time.Time) *models.VenueTrackingSnapshot {
	snap := &models.VenueTrackingSnapshot{
		VenueID:     venueID,
		Zones:       make(map[string][]string),
		Occupancy:   make(map[string]int),
		Children:    make([]models.ChildLocationState, 0, len(states)),
		GeneratedAt: now,
	}

	for _, st := range states {
		if !st.CheckedIn() || st.Venue() != venueID {
			continue
		}
		snap.Children = append(snap.Children, st)
	}

	sort.Slice(snap.Children, func(i, j int) bool {
		a, b := snap.Children[i], snap.Children[j]
		if a.Zone != b.Zone {
			return a.Zone < b.Zone
		}
		return a.ChildID < b.ChildID
	})

	for _, st := range snap.Children {
		snap.Zones[st.Zone] = append(snap.Zones[st.Zone], st.ChildID)
		snap.Occupancy[st.Zone]++
		snap.Total++
	}
	return snap
}

// SnapshotCache 场馆快照缓存
// 每个场馆维护一个代数（generation），状态变化时递增；
// 只有计算期间代数未变化的快照才会写入缓存，避免旧快照覆盖失效操作
type SnapshotCache struct {
	cache *cache.Cache // nil 表示不缓存

	mu          sync.Mutex
	generations map[string]uint64
}

// NewSnapshotCache 创建快照缓存，ttl <= 0 时关闭缓存
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	c := &SnapshotCache{generations: make(map[string]uint64)}
	if ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

// Get 读取缓存的快照
func (c *SnapshotCache) Get(venueID string) (*models.VenueTrackingSnapshot, bool) {
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get(venueID)
	if !ok {
		return nil, false
	}
	snap, ok := v.(*models.VenueTrackingSnapshot)
	return snap, ok
}

// Generation 当前代数，用于 StoreIf
func (c *SnapshotCache) Generation(venueID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[venueID]
}

// StoreIf 代数未变化时写入缓存，返回是否写入
func (c *SnapshotCache) StoreIf(venueID string, generation uint64, snap *models.VenueTrackingSnapshot) bool {
	if c.cache == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[venueID] != generation {
		return false
	}
	c.cache.SetDefault(venueID, snap)
	return true
}

// Invalidate 使场馆快照失效
func (c *SnapshotCache) Invalidate(venueIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range venueIDs {
		if id == "" {
			continue
		}
		c.generations[id]++
		if c.cache != nil {
			c.cache.Delete(id)
		}
	}
}
