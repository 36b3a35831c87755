package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// Change 需要持久化的状态变化
// Observation 为 nil 表示签出
type Change struct {
	State       models.ChildLocationState
	Observation *models.LocationObservation
	Outcome     models.Outcome
}

// Persister 写后持久化钩子（必须非阻塞）
type Persister interface {
	Enqueue(change Change)
}

// Options 追踪器可选参数
type Options struct {
	HistoryLimit int           // 每个儿童保留的历史条数，默认 50
	SnapshotTTL  time.Duration // 场馆快照缓存时长，0 表示不缓存
	Persister    Persister
	Metrics      *Metrics
	Now          func() time.Time
}

// IngestResult 观测处理结果
type IngestResult struct {
	Outcome     models.Outcome             `json:"outcome"`
	State       *models.ChildLocationState `json:"state,omitempty"` // 处理后的当前状态
	Observation models.LocationObservation `json:"observation"`
}

// CheckOutResult 签出结果
type CheckOutResult struct {
	State   *models.ChildLocationState `json:"state,omitempty"`
	Changed bool                       `json:"changed"`
}

// Tracker 儿童位置追踪核心
// 负责：观测校验 → 对账 → 状态写入 → 快照失效 → 历史 / 持久化 / 指标
type Tracker struct {
	store     StateStore
	policy    *Policy
	locks     *KeyedMutex
	snapshots *SnapshotCache
	persister Persister
	metrics   *Metrics
	now       func() time.Time

	historyLimit int
	logger       *zap.Logger
}

// NewTracker 创建追踪器
func NewTracker(store StateStore, policy *Policy, opts Options, logger *zap.Logger) *Tracker {
	if policy == nil {
		policy = NewPolicy(DefaultPolicyConfig())
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:        store,
		policy:       policy,
		locks:        NewKeyedMutex(0),
		snapshots:    NewSnapshotCache(opts.SnapshotTTL),
		persister:    opts.Persister,
		metrics:      opts.Metrics,
		now:          opts.Now,
		historyLimit: opts.HistoryLimit,
		logger:       logger,
	}
}

// HistoryLimit 历史记录上限
func (t *Tracker) HistoryLimit() int {
	return t.historyLimit
}

// Ingest 处理一条位置观测
// 丢弃（superseded / debounced）是正常结果而不是错误；只有校验失败和存储不可用返回错误
func (t *Tracker) Ingest(ctx context.Context, in models.LocationObservation) (*IngestResult, error) {
	obs, err := NormalizeObservation(in, t.now())
	if err != nil {
		t.metrics.RecordInvalid()
		t.logger.Warn("Rejected invalid observation",
			zap.String("child_id", in.ChildID),
			zap.String("source_kind", string(in.SourceKind)),
			zap.Error(err),
		)
		return nil, err
	}
	if obs.ObservationID == "" {
		obs.ObservationID = uuid.NewString()
	}

	started := time.Now()
	defer func() { t.metrics.ObserveReconcile(time.Since(started)) }()

	unlock := t.locks.Lock(obs.ChildID)
	defer unlock()

	var (
		current *models.ChildLocationState
		outcome models.Outcome
	)
	err = t.store.Update(ctx, obs.ChildID, func(cur *models.ChildLocationState) *models.ChildLocationState {
		current = cur
		outcome = t.policy.Decide(&obs, cur)
		if outcome != models.OutcomeAccepted {
			return nil
		}
		next := stateFromObservation(&obs)
		return &next
	})
	if err != nil {
		t.logger.Error("Failed to update child state",
			zap.String("child_id", obs.ChildID),
			zap.Error(err),
		)
		return nil, t.storeErr("update state", err)
	}

	result := &IngestResult{Outcome: outcome, Observation: obs, State: current}

	if outcome == models.OutcomeAccepted {
		next := stateFromObservation(&obs)
		t.snapshots.Invalidate(current.Venue(), next.Venue())
		result.State = &next

		if t.persister != nil {
			o := obs
			t.persister.Enqueue(Change{State: next.Clone(), Observation: &o, Outcome: outcome})
		}

		t.logger.Debug("Observation accepted",
			zap.String("child_id", obs.ChildID),
			zap.String("venue_id", obs.VenueID),
			zap.String("zone", obs.Zone),
			zap.String("source_kind", string(obs.SourceKind)),
			zap.Float64("confidence", obs.Confidence),
		)
	} else {
		t.logger.Debug("Observation discarded",
			zap.String("child_id", obs.ChildID),
			zap.String("outcome", string(outcome)),
			zap.String("source_kind", string(obs.SourceKind)),
			zap.Float64("confidence", obs.Confidence),
			zap.Time("observed_at", obs.Timestamp),
		)
	}

	t.appendHistory(ctx, obs, outcome)
	t.metrics.RecordObservation(obs.SourceKind, outcome)
	return result, nil
}

// CheckOut 签出儿童：清空场馆，保留最后的 zone / position
// 重复签出或签出未知儿童均视为成功（Changed=false）
func (t *Tracker) CheckOut(ctx context.Context, childID string, at time.Time) (*CheckOutResult, error) {
	childID = strings.TrimSpace(childID)
	if childID == "" {
		return nil, fmt.Errorf("%w: childId is required", ErrInvalidObservation)
	}
	if at.IsZero() {
		at = t.now()
	}
	at = at.Truncate(time.Millisecond)

	unlock := t.locks.Lock(childID)
	defer unlock()

	var current, next *models.ChildLocationState
	err := t.store.Update(ctx, childID, func(cur *models.ChildLocationState) *models.ChildLocationState {
		current, next = cur, nil
		if !cur.CheckedIn() {
			return nil
		}
		st := cur.Clone()
		st.VenueID = nil
		checkedOutAt := at
		st.CheckedOutAt = &checkedOutAt
		if at.After(st.LastUpdated) {
			st.LastUpdated = at
		}
		next = &st
		return next
	})
	if err != nil {
		t.logger.Error("Failed to write check-out",
			zap.String("child_id", childID),
			zap.Error(err),
		)
		return nil, t.storeErr("check out", err)
	}
	if next == nil {
		t.metrics.RecordCheckOut(false)
		return &CheckOutResult{State: current, Changed: false}, nil
	}

	prevVenue := current.Venue()
	t.snapshots.Invalidate(prevVenue)

	if t.persister != nil {
		t.persister.Enqueue(Change{State: next.Clone(), Outcome: models.OutcomeAccepted})
	}
	t.metrics.RecordCheckOut(true)

	t.logger.Info("Child checked out",
		zap.String("child_id", childID),
		zap.String("venue_id", prevVenue),
		zap.Time("checked_out_at", at),
	)
	return &CheckOutResult{State: next, Changed: true}, nil
}

// GetCurrentLocation 查询儿童当前状态（含已签出状态），未知儿童返回 ErrUnknownChild
func (t *Tracker) GetCurrentLocation(ctx context.Context, childID string) (*models.ChildLocationState, error) {
	childID = strings.TrimSpace(childID)
	st, err := t.load(ctx, childID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrUnknownChild
	}
	return st, nil
}

// GetHistory 查询儿童最近的观测历史（最新在前），limit 超出上限时截断
func (t *Tracker) GetHistory(ctx context.Context, childID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 || limit > t.historyLimit {
		limit = t.historyLimit
	}
	entries, err := t.store.History(ctx, strings.TrimSpace(childID), limit)
	if err != nil {
		return nil, t.storeErr("read history", err)
	}
	return entries, nil
}

// GetVenueSnapshot 查询场馆占用快照（带短期缓存）
func (t *Tracker) GetVenueSnapshot(ctx context.Context, venueID string) (*models.VenueTrackingSnapshot, error) {
	venueID = strings.TrimSpace(venueID)
	if snap, ok := t.snapshots.Get(venueID); ok {
		return snap, nil
	}

	gen := t.snapshots.Generation(venueID)
	states, err := t.store.ListByVenue(ctx, venueID)
	if err != nil {
		return nil, t.storeErr("list venue", err)
	}
	snap := BuildSnapshot(venueID, states, t.now())
	t.snapshots.StoreIf(venueID, gen, snap)
	return snap, nil
}

// Restore 启动时从持久化存储恢复状态（不经过对账）
// 只写入比存储中现有状态更新的记录
func (t *Tracker) Restore(ctx context.Context, states []models.ChildLocationState) (int, error) {
	restored := 0
	for _, st := range states {
		if st.ChildID == "" {
			continue
		}
		var prevVenue string
		written := false
		unlock := t.locks.Lock(st.ChildID)
		err := t.store.Update(ctx, st.ChildID, func(cur *models.ChildLocationState) *models.ChildLocationState {
			prevVenue, written = cur.Venue(), false
			if cur != nil && !st.LastUpdated.After(cur.LastUpdated) {
				return nil
			}
			written = true
			return &st
		})
		unlock()
		if err != nil {
			return restored, t.storeErr("restore state", err)
		}
		if written {
			t.snapshots.Invalidate(prevVenue, st.Venue())
			restored++
		}
	}
	return restored, nil
}

func (t *Tracker) load(ctx context.Context, childID string) (*models.ChildLocationState, error) {
	st, err := t.store.Get(ctx, childID)
	if errors.Is(err, ErrStateNotFound) {
		return nil, nil
	}
	if errors.Is(err, ErrCorruptState) {
		t.logger.Warn("Ignoring undecodable child state",
			zap.String("child_id", childID),
			zap.Error(err),
		)
		return nil, nil
	}
	if err != nil {
		t.logger.Error("Failed to read child state",
			zap.String("child_id", childID),
			zap.Error(err),
		)
		return nil, t.storeErr("get state", err)
	}
	return st, nil
}

func (t *Tracker) appendHistory(ctx context.Context, obs models.LocationObservation, outcome models.Outcome) {
	entry := models.HistoryEntry{Observation: obs, Outcome: outcome, DecidedAt: t.now()}
	if err := t.store.AppendHistory(ctx, obs.ChildID, entry, t.historyLimit); err != nil {
		t.logger.Warn("Failed to append history",
			zap.String("child_id", obs.ChildID),
			zap.Error(err),
		)
	}
}

func (t *Tracker) storeErr(op string, err error) error {
	if errors.Is(err, ErrStateStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStateStoreUnavailable, op, err)
}

func stateFromObservation(obs *models.LocationObservation) models.ChildLocationState {
	venue := obs.VenueID
	st := models.ChildLocationState{
		ChildID:       obs.ChildID,
		VenueID:       &venue,
		Zone:          obs.Zone,
		Confidence:    obs.Confidence,
		SourceKind:    obs.SourceKind,
		ObservationID: obs.ObservationID,
		LastUpdated:   obs.Timestamp,
	}
	if obs.Position != nil {
		p := *obs.Position
		st.Position = &p
	}
	return st
}
