package tracking

import (
	"context"
	"sync"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// UpdateFunc 根据当前状态（nil 表示无状态）计算新状态，返回 nil 表示不写入
// 可能被调用多次，不能有副作用
type UpdateFunc func(current *models.ChildLocationState) *models.ChildLocationState

// StateStore 儿童位置状态存储
// 所有读取返回副本；同一儿童的读-改-写通过 Update 原子完成
type StateStore interface {
	// Get 读取儿童当前状态，不存在时返回 ErrStateNotFound，无法解码时返回 ErrCorruptState
	Get(ctx context.Context, childID string) (*models.ChildLocationState, error)
	// Put 写入儿童状态并维护场馆索引（旧场馆移除、新场馆加入）
	Put(ctx context.Context, state models.ChildLocationState) error
	// Update 原子地读取当前状态、调用 fn 并写入结果
	Update(ctx context.Context, childID string, fn UpdateFunc) error
	// ListByVenue 返回场馆内已签入儿童状态的副本
	ListByVenue(ctx context.Context, venueID string) ([]models.ChildLocationState, error)
	// AppendHistory 追加历史记录（最新在前），只保留 limit 条
	AppendHistory(ctx context.Context, childID string, entry models.HistoryEntry, limit int) error
	// History 读取最近 limit 条历史记录（最新在前）
	History(ctx context.Context, childID string, limit int) ([]models.HistoryEntry, error)
}

// MemoryStore 进程内状态存储
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]models.ChildLocationState
	venues map[string]map[string]struct{} // venueId -> childId 集合

	historyMu sync.Mutex
	history   map[string][]models.HistoryEntry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]models.ChildLocationState),
		venues:  make(map[string]map[string]struct{}),
		history: make(map[string][]models.HistoryEntry),
	}
}

func (s *MemoryStore) Get(_ context.Context, childID string) (*models.ChildLocationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[childID]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := st.Clone()
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, state models.ChildLocationState) error {
	return s.Update(ctx, state.ChildID, func(*models.ChildLocationState) *models.ChildLocationState {
		return &state
	})
}

func (s *MemoryStore) Update(_ context.Context, childID string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.ChildLocationState
	prev, ok := s.states[childID]
	if ok {
		c := prev.Clone()
		current = &c
	}
	next := fn(current)
	if next == nil {
		return nil
	}
	state := next.Clone()
	state.ChildID = childID

	if ok && prev.CheckedIn() && prev.Venue() != state.Venue() {
		if set := s.venues[prev.Venue()]; set != nil {
			delete(set, childID)
			if len(set) == 0 {
				delete(s.venues, prev.Venue())
			}
		}
	}

	if state.CheckedIn() {
		set := s.venues[state.Venue()]
		if set == nil {
			set = make(map[string]struct{})
			s.venues[state.Venue()] = set
		}
		set[childID] = struct{}{}
	}

	s.states[childID] = state
	return nil
}

func (s *MemoryStore) ListByVenue(_ context.Context, venueID string) ([]models.ChildLocationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.venues[venueID]
	out := make([]models.ChildLocationState, 0, len(set))
	for childID := range set {
		if st, ok := s.states[childID]; ok && st.Venue() == venueID {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, childID string, entry models.HistoryEntry, limit int) error {
	if limit <= 0 {
		return nil
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	list := s.history[childID]
	list = append([]models.HistoryEntry{entry}, list...)
	if len(list) > limit {
		list = list[:limit]
	}
	s.history[childID] = list
	return nil
}

func (s *MemoryStore) History(_ context.Context, childID string, limit int) ([]models.HistoryEntry, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	list := s.history[childID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]models.HistoryEntry, len(list))
	copy(out, list)
	return out, nil
}
