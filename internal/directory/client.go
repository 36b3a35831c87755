package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// ErrCameraNotFound 场馆管理服务中不存在该摄像头
var ErrCameraNotFound = errors.New("camera not found")

// Placement 摄像头安装位置（所属场馆、区域与平面坐标）
type Placement struct {
	CameraID string           `json:"cameraId"`
	VenueID  string           `json:"venueId"`
	Zone     string           `json:"zone"`
	Position *models.Position `json:"position,omitempty"`
}

// Client 摄像头目录客户端（场馆管理服务 API + 本地缓存）
type Client struct {
	http   *resty.Client
	cache  *cache.Cache
	logger *zap.Logger
}

// NewClient 创建摄像头目录客户端
func NewClient(baseURL string, timeout, cacheTTL time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		logger: logger,
	}
}

// Resolve 查询摄像头位置，命中缓存时不访问远端
func (c *Client) Resolve(ctx context.Context, cameraID string) (*Placement, error) {
	cameraID = strings.TrimSpace(cameraID)
	if cameraID == "" {
		return nil, fmt.Errorf("%w: empty camera id", ErrCameraNotFound)
	}

	if v, ok := c.cache.Get(cameraID); ok {
		if p, ok := v.(*Placement); ok {
			return p, nil
		}
	}

	var placement Placement
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&placement).
		ForceContentType("application/json").
		Get("/api/v1/cameras/" + url.PathEscape(cameraID))
	if err != nil {
		c.logger.Error("Camera directory request failed",
			zap.String("camera_id", cameraID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to resolve camera %s: %w", cameraID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	case resp.IsError():
		c.logger.Error("Camera directory returned error",
			zap.String("camera_id", cameraID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, fmt.Errorf("camera directory error: status %d", resp.StatusCode())
	}

	if placement.VenueID == "" || placement.Zone == "" {
		return nil, fmt.Errorf("%w: camera %s has no venue placement", ErrCameraNotFound, cameraID)
	}
	if placement.CameraID == "" {
		placement.CameraID = cameraID
	}

	c.cache.SetDefault(cameraID, &placement)
	return &placement, nil
}

// Invalidate 清除单个摄像头缓存（摄像头被移动时）
func (c *Client) Invalidate(cameraID string) {
	c.cache.Delete(cameraID)
}
