package tracking

import (
	"time"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// PolicyConfig 对账策略参数
type PolicyConfig struct {
	DebounceWindow   time.Duration // 高优先级状态的保护窗口，默认 2s
	HysteresisMargin float64       // 置信度滞回余量，默认 0.05
	StaleAfter       time.Duration // 状态超过该时长后不再以置信度自我保护，默认 0（关闭）
}

// DefaultPolicyConfig 默认策略参数
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		DebounceWindow:   2 * time.Second,
		HysteresisMargin: 0.05,
		StaleAfter:       0,
	}
}

// Policy 对账策略：决定新观测是否取代当前状态
//
// 判定顺序：
//  1. 无现有状态 → accepted；已签出的状态视为无位置，只要求观测严格晚于签出时间
//  2. 0 <= Δ < DebounceWindow 且新来源优先级低于现有来源 → discarded-debounced
//  3. 观测时间严格更新，且满足任一条件 → accepted：
//     a. 置信度 >= 现有置信度 - HysteresisMargin
//     b. 新来源优先级 >= 现有来源
//     c. StaleAfter > 0 且 Δ >= StaleAfter
//  4. 其他 → discarded-superseded
//
// 时间戳相等视为"不更新"（先写者胜）。
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy 创建对账策略
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Config 返回策略参数
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// Decide 对一条已规范化的观测做出判定（纯函数，不修改入参）
func (p *Policy) Decide(obs *models.LocationObservation, current *models.ChildLocationState) models.Outcome {
	if current == nil {
		return models.OutcomeAccepted
	}

	newer := obs.Timestamp.After(current.LastUpdated)

	if !current.CheckedIn() {
		if newer {
			return models.OutcomeAccepted
		}
		return models.OutcomeDiscardedSuperseded
	}

	delta := obs.Timestamp.Sub(current.LastUpdated)
	lowerPriority := obs.SourceKind.Priority() < current.SourceKind.Priority()

	if delta >= 0 && delta < p.cfg.DebounceWindow && lowerPriority {
		return models.OutcomeDiscardedDebounced
	}

	if !newer {
		return models.OutcomeDiscardedSuperseded
	}

	if obs.Confidence >= current.Confidence-p.cfg.HysteresisMargin {
		return models.OutcomeAccepted
	}
	if !lowerPriority {
		return models.OutcomeAccepted
	}
	if p.cfg.StaleAfter > 0 && delta >= p.cfg.StaleAfter {
		return models.OutcomeAccepted
	}

	return models.OutcomeDiscardedSuperseded
}
