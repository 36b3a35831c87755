package models

import "time"

// VenueTrackingSnapshot 场馆占用快照（只读投影，由儿童状态计算得出）
type VenueTrackingSnapshot struct {
	VenueID     string               `json:"venueId"`
	Zones       map[string][]string  `json:"zones"`     // zone -> childId 列表（已排序）
	Occupancy   map[string]int       `json:"occupancy"` // zone -> 人数
	Total       int                  `json:"total"`
	Children    []ChildLocationState `json:"children"` // 参与计算的状态副本，按 zone/childId 排序
	GeneratedAt time.Time            `json:"generatedAt"`
}
