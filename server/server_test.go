package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/camgeom"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/cyclopcam/obstacled/server/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type dummyDetector struct {
	ModelConfig nn.ModelConfig
	Output      *nn.RawTensor
}

func (d *dummyDetector) Close() {
}

func (d *dummyDetector) Detect(ctx context.Context, img image.Image) (*nn.RawTensor, error) {
	return d.Output, nil
}

func (d *dummyDetector) Config() *nn.ModelConfig {
	return &d.ModelConfig
}

func personTensor() *nn.RawTensor {
	row := make([]float32, nn.RowHeaderSize+len(nn.COCOClasses))
	row[nn.RowCX] = 320
	row[nn.RowCY] = 400
	row[nn.RowWidth] = 80
	row[nn.RowHeight] = 160
	row[nn.RowConfidence] = 0.9
	row[nn.RowHeaderSize+nn.COCOPerson] = 0.8
	raw := &nn.RawTensor{}
	raw.AddRow(row...)
	return raw
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Camera.AFOV = math.Pi / 2
	cfg.FramesPerSecond = 1000
	return cfg
}

func testServer(t *testing.T, cfg *config.Config, detector nn.Detector) *Server {
	s, err := NewServer(logs.NewTestingLog(t), cfg, detector)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func tensorJSON(t *testing.T) []byte {
	b, err := json.Marshal(personTensor())
	require.NoError(t, err)
	return b
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) *obstacle.FrameResult {
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := &obstacle.FrameResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), result))
	return result
}

func TestPing(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	rec := doRequest(s, "GET", "/api/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "I am obstacled")
}

func TestPostTensor(t *testing.T) {
	s := testServer(t, testConfig(), nil)

	rec := doRequest(s, "GET", "/api/obstacles/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	result := decodeResult(t, doRequest(s, "POST", "/api/tensor?width=640&height=640", tensorJSON(t)))
	require.Len(t, result.Obstacles, 1)
	require.Equal(t, "person", result.Obstacles[0].Class)
	require.Equal(t, "camera1", result.Obstacles[0].Source)
	require.False(t, result.Stamp.IsZero())

	latest := decodeResult(t, doRequest(s, "GET", "/api/obstacles/latest", nil))
	require.Equal(t, result.ID, latest.ID)
}

func TestPostTensorErrors(t *testing.T) {
	s := testServer(t, testConfig(), nil)

	rec := doRequest(s, "POST", "/api/tensor?width=640", tensorJSON(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/tensor?width=0&height=640", tensorJSON(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/tensor?width=640&height=640", []byte(`{"rows":1,"cols":6,"data":[1,2,3,4,5,6]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/tensor?width=640&height=640", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// rows x cols overflows to the number of values
	values := strings.TrimSuffix(strings.Repeat("0.5,", 43), ",")
	overflow := `{"rows":9114861777597660799,"cols":85,"data":[` + values + `]}`
	rec = doRequest(s, "POST", "/api/tensor?width=640&height=640", []byte(overflow))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The worker is still alive
	decodeResult(t, doRequest(s, "POST", "/api/tensor?width=640&height=640", tensorJSON(t)))

	// Without a detector, we can't accept images
	rec = doRequest(s, "POST", "/api/frame", encodePNG(t, 64, 64))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func encodePNG(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{100, 120, 140, 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestPostFrame(t *testing.T) {
	detector := &dummyDetector{ModelConfig: *nn.DefaultModelConfig(), Output: personTensor()}
	s := testServer(t, testConfig(), detector)

	rec := doRequest(s, "GET", "/api/image_detections", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	result := decodeResult(t, doRequest(s, "POST", "/api/frame", encodePNG(t, 640, 480)))
	require.Equal(t, 640, result.ImageWidth)
	require.Equal(t, 480, result.ImageHeight)
	require.Len(t, result.Obstacles, 1)

	rec = doRequest(s, "POST", "/api/frame", []byte("not an image"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "GET", "/api/image_detections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 640, cfg.Width)
	require.Equal(t, 480, cfg.Height)

	rec = doRequest(s, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := statsJSON{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.Monitor.FramesProcessed)
	require.EqualValues(t, 1, stats.Visualized)
	require.Equal(t, "calibrated", stats.Monitor.Calibration)
}

func TestVisualizeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Visualize = false
	s := testServer(t, cfg, nil)
	require.Nil(t, s.Renderer)
	decodeResult(t, doRequest(s, "POST", "/api/tensor?width=640&height=640", tensorJSON(t)))
	rec := doRequest(s, "GET", "/api/image_detections", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPose(t *testing.T) {
	s := testServer(t, testConfig(), nil)

	msg := `{"transforms":[
		{"parent_frame":"sim_world","child_frame":"camera1","translation":{"x":1,"y":2,"z":3},"rotation":{"x":0,"y":0,"z":0,"w":1}},
		{"parent_frame":"sim_world","child_frame":"camera2","translation":{"x":7,"y":7,"z":7},"rotation":{"x":0,"y":0,"z":0,"w":1}}
	]}`
	rec := doRequest(s, "POST", "/api/pose", []byte(msg))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := poseAppliedJSON{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &applied))
	require.Equal(t, 1, applied.Applied)

	rec = doRequest(s, "GET", "/api/pose", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pose := poseJSON{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pose))
	require.Equal(t, calib.Vector3{X: 1, Y: 2, Z: 3}, pose.Translation)
	require.EqualValues(t, 1, pose.Updates)

	// Not a unit quaternion
	bad := `{"transforms":[{"parent_frame":"sim_world","child_frame":"camera1","translation":{"x":5,"y":5,"z":5},"rotation":{"x":0,"y":0,"z":0,"w":2}}]}`
	rec = doRequest(s, "POST", "/api/pose", []byte(bad))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Obstacles are placed relative to the last good pose
	result := decodeResult(t, doRequest(s, "POST", "/api/tensor?width=640&height=640", tensorJSON(t)))
	require.Len(t, result.Obstacles, 1)
	ob := result.Obstacles[0]
	require.InDelta(t, 1, ob.Position.X-ob.CameraPosition.X, 1e-9)
	require.InDelta(t, 2, ob.Position.Y-ob.CameraPosition.Y, 1e-9)
	require.InDelta(t, 3, ob.Position.Z-ob.CameraPosition.Z, 1e-9)
	require.Equal(t, "sim_world", ob.Frame)
}

func TestCameraInfo(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	require.Equal(t, calib.Uncalibrated, s.Calibrator.State())

	rec := doRequest(s, "POST", "/api/camera_info", []byte(`{"width":1280,"height":720,"fx":640}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	in := camgeom.Intrinsics{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	require.Equal(t, 1280, in.ImageWidth)
	require.Equal(t, calib.Calibrated, s.Calibrator.State())

	rec = doRequest(s, "POST", "/api/camera_info", []byte(`{"width":0,"height":720}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCameraInfoFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Camera.AFOV = 0
	cfg.Camera.CameraInfo = &config.CameraInfo{Width: 640, Height: 480, Fx: 320}
	s := testServer(t, cfg, nil)
	require.Equal(t, calib.Calibrated, s.Calibrator.State())
	require.InDelta(t, math.Pi/2, s.Calibrator.Current().AFOV, 1e-9)
}

func TestFrameRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPerSecond = 2
	s := testServer(t, cfg, nil)
	codes := []int{}
	for i := 0; i < 5; i++ {
		codes = append(codes, doRequest(s, "POST", "/api/tensor?width=640&height=640", tensorJSON(t)).Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK}, codes[:2])
	// The limiter uses a sliding window, so a window boundary can let one more request through
	require.Contains(t, codes[2:], http.StatusTooManyRequests)

	// Pose updates are not rate limited
	rec := doRequest(s, "POST", "/api/pose", []byte(`{"transforms":[]}`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketStream(t *testing.T) {
	// The streamer goroutines can outlive the test, so they must not log to t
	logger, err := logs.NewLog()
	require.NoError(t, err)
	s, err := NewServer(logger, testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Post(ts.URL+"/api/tensor?width=640&height=640", "application/json", bytes.NewReader(tensorJSON(t)))
	require.NoError(t, err)
	posted := obstacle.FrameResult{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&posted))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	msg := struct {
		Type   string               `json:"type"`
		Result obstacle.FrameResult `json:"result"`
	}{}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "obstacles", msg.Type)
	require.Equal(t, posted.ID, msg.Result.ID, string(data))
	require.Len(t, msg.Result.Obstacles, 1)
}
