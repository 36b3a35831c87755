package models

import "time"

// ChildLocationState 儿童当前位置状态（每个儿童一条）
// VenueID 为 nil 表示已签出；签出后保留最后的 Zone/Position 用于展示
type ChildLocationState struct {
	ChildID       string     `json:"childId"`
	VenueID       *string    `json:"venueId"`
	Zone          string     `json:"zone"`
	Position      *Position  `json:"position,omitempty"`
	Confidence    float64    `json:"confidence"`
	SourceKind    SourceKind `json:"sourceKind"`
	ObservationID string     `json:"observationId,omitempty"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	CheckedOutAt  *time.Time `json:"checkedOutAt,omitempty"`
}

// CheckedIn 是否在场馆内
func (s *ChildLocationState) CheckedIn() bool {
	return s != nil && s.VenueID != nil && *s.VenueID != ""
}

// Venue 当前场馆ID，已签出时返回空字符串
func (s *ChildLocationState) Venue() string {
	if !s.CheckedIn() {
		return ""
	}
	return *s.VenueID
}

// Clone 深拷贝（指针字段不共享）
func (s ChildLocationState) Clone() ChildLocationState {
	out := s
	if s.VenueID != nil {
		v := *s.VenueID
		out.VenueID = &v
	}
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	if s.CheckedOutAt != nil {
		t := *s.CheckedOutAt
		out.CheckedOutAt = &t
	}
	return out
}

// Outcome 对账结果
type Outcome string

const (
	OutcomeAccepted            Outcome = "accepted"
	OutcomeDiscardedSuperseded Outcome = "discarded-superseded"
	OutcomeDiscardedDebounced  Outcome = "discarded-debounced"
)

// HistoryEntry 儿童观测历史（包含对账结果，用于时间线）
type HistoryEntry struct {
	Observation LocationObservation `json:"observation"`
	Outcome     Outcome             `json:"outcome"`
	DecidedAt   time.Time           `json:"decidedAt"`
}
