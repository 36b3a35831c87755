package directory

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBaseURL = "http://venues.test"

func setupClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(testBaseURL+"/", time.Second, time.Minute, zap.NewNop())
	c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestResolve_CachesPlacement(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/cameras/cam-7",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"cameraId": "cam-7",
			"venueId":  "V1",
			"zone":     "Ball Pit",
			"position": map[string]float64{"x": 3, "y": 4},
		}))

	p, err := c.Resolve(context.Background(), "cam-7")
	require.NoError(t, err)
	assert.Equal(t, "V1", p.VenueID)
	assert.Equal(t, "Ball Pit", p.Zone)
	require.NotNil(t, p.Position)
	assert.Equal(t, 4.0, p.Position.Y)

	_, err = c.Resolve(context.Background(), "cam-7")
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	c.Invalidate("cam-7")
	_, err = c.Resolve(context.Background(), "cam-7")
	require.NoError(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestResolve_NotFound(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/cameras/ghost",
		httpmock.NewStringResponder(404, `{"message":"not found"}`))

	_, err := c.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCameraNotFound)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestResolve_UnplacedCamera(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/cameras/cam-9",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"cameraId": "cam-9", "venueId": "", "zone": ""}))

	_, err := c.Resolve(context.Background(), "cam-9")
	assert.ErrorIs(t, err, ErrCameraNotFound)
}

func TestResolve_RetriesServerErrors(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/cameras/cam-1",
		httpmock.NewStringResponder(503, `unavailable`))

	_, err := c.Resolve(context.Background(), "cam-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCameraNotFound)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestResolve_EmptyCameraID(t *testing.T) {
	c := setupClient(t)

	_, err := c.Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrCameraNotFound)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
