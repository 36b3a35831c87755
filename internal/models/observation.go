package models

import "time"

// SourceKind 位置观测来源
type SourceKind string

const (
	SourceFaceRecognition SourceKind = "FACE_RECOGNITION" // 摄像头人脸识别
	SourceQRCode          SourceKind = "QR_CODE"          // 二维码扫码（签入/签出）
	SourceManualStaff     SourceKind = "MANUAL_STAFF"     // 工作人员手动指定
)

// Valid 是否为已知来源
func (s SourceKind) Valid() bool {
	switch s {
	case SourceFaceRecognition, SourceQRCode, SourceManualStaff:
		return true
	}
	return false
}

// Priority 来源优先级：MANUAL_STAFF > QR_CODE > FACE_RECOGNITION，未知来源为 0
func (s SourceKind) Priority() int {
	switch s {
	case SourceManualStaff:
		return 3
	case SourceQRCode:
		return 2
	case SourceFaceRecognition:
		return 1
	}
	return 0
}

// Position 场馆平面坐标
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LocationObservation 单次位置观测（创建后不可修改）
type LocationObservation struct {
	ObservationID string     `json:"observationId,omitempty"` // 入口处分配的 UUID
	ChildID       string     `json:"childId"`
	VenueID       string     `json:"venueId"`
	Zone          string     `json:"zone"`
	Position      *Position  `json:"position,omitempty"`
	Confidence    float64    `json:"confidence"` // 0~1
	SourceKind    SourceKind `json:"sourceKind"`
	CameraID      string     `json:"cameraId,omitempty"` // 仅人脸识别来源
	Timestamp     time.Time  `json:"timestamp"`
}
