package tracking

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// NormalizeObservation 校验并规范化观测，返回新的副本
//
// 规则：
//   - childId / venueId / zone 去除首尾空白后不能为空
//   - sourceKind 必须是已知来源
//   - confidence 必须是有限数；超出 [0,1] 时截断而不是拒绝（上游评分有噪声）
//   - position 坐标必须是有限数
//   - timestamp 为零值时使用接收时间 now；统一截断到毫秒
func NormalizeObservation(in models.LocationObservation, now time.Time) (models.LocationObservation, error) {
	out := in
	out.ChildID = strings.TrimSpace(in.ChildID)
	out.VenueID = strings.TrimSpace(in.VenueID)
	out.Zone = strings.TrimSpace(in.Zone)
	out.CameraID = strings.TrimSpace(in.CameraID)

	if out.ChildID == "" {
		return models.LocationObservation{}, fmt.Errorf("%w: childId is required", ErrInvalidObservation)
	}
	if out.VenueID == "" {
		return models.LocationObservation{}, fmt.Errorf("%w: venueId is required", ErrInvalidObservation)
	}
	if out.Zone == "" {
		return models.LocationObservation{}, fmt.Errorf("%w: zone is required", ErrInvalidObservation)
	}
	if !out.SourceKind.Valid() {
		return models.LocationObservation{}, fmt.Errorf("%w: unknown sourceKind %q", ErrInvalidObservation, in.SourceKind)
	}
	if math.IsNaN(out.Confidence) || math.IsInf(out.Confidence, 0) {
		return models.LocationObservation{}, fmt.Errorf("%w: confidence must be a finite number", ErrInvalidObservation)
	}
	out.Confidence = clampConfidence(out.Confidence)

	if in.Position != nil {
		if !isFinite(in.Position.X) || !isFinite(in.Position.Y) {
			return models.LocationObservation{}, fmt.Errorf("%w: position must be finite", ErrInvalidObservation)
		}
		p := *in.Position
		out.Position = &p
	}

	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	out.Timestamp = out.Timestamp.Truncate(time.Millisecond)

	return out, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// CheckIn 扫码签入请求
// Confidence 为指针以区分"未给出"和显式的 0
type CheckIn struct {
	models.LocationObservation
	Confidence *float64 `json:"confidence,omitempty"`
}

// AsCheckIn 将扫码签入转换为观测：来源固定为 QR_CODE，未给出置信度时为 1.0
func AsCheckIn(in CheckIn) models.LocationObservation {
	out := in.LocationObservation
	out.SourceKind = models.SourceQRCode
	out.Confidence = 1.0
	if in.Confidence != nil {
		out.Confidence = *in.Confidence
	}
	return out
}
