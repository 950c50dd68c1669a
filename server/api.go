package server

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/cyclopcam/obstacled/pkg/www"
	"github.com/cyclopcam/obstacled/server/config"
	"github.com/cyclopcam/obstacled/server/monitor"
	"github.com/cyclopcam/obstacled/server/streamer"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// Largest accepted pose or camera info message
const maxMessageBytes = 1024 * 1024

// Largest image dimension that we'll accept for a frame
const maxImageSize = 16384

type pingJSON struct {
	Greeting string `json:"greeting"`
	Hostname string `json:"hostname"`
	Camera   string `json:"camera"`
	Time     int64  `json:"time"`
}

type poseJSON struct {
	ParentFrame string           `json:"parent_frame"`
	ChildFrame  string           `json:"child_frame"`
	Translation calib.Vector3    `json:"translation"`
	Rotation    calib.Quaternion `json:"rotation"`
	Stamp       time.Time        `json:"stamp"` // Zero until the first pose update
	Updates     int64            `json:"updates"`
}

type poseAppliedJSON struct {
	Applied int    `json:"applied"`
	Error   string `json:"error,omitempty"` // Transforms that were rejected
}

type statsJSON struct {
	Camera     string        `json:"camera"`
	Monitor    monitor.Stats `json:"monitor"`
	Visualized int64         `json:"visualized"` // Number of annotated images rendered
}

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()
	log := s.Log

	// Frames are rate limited per client, because a single misbehaving client would
	// otherwise monopolize the frame worker.
	frameLimiter := httprate.Limit(s.Config.FramesPerSecond, time.Second, httprate.WithKeyFuncs(httprate.KeyByIP))

	www.Handle(log, router, "GET", "/api/ping", s.httpPing)
	www.HandleWith(log, router, "POST", "/api/frame", frameLimiter, s.httpPostFrame)
	www.HandleWith(log, router, "POST", "/api/tensor", frameLimiter, s.httpPostTensor)
	www.Handle(log, router, "POST", "/api/pose", s.httpPostPose)
	www.Handle(log, router, "GET", "/api/pose", s.httpGetPose)
	www.Handle(log, router, "POST", "/api/camera_info", s.httpPostCameraInfo)
	www.Handle(log, router, "GET", "/api/obstacles/latest", s.httpGetLatestObstacles)
	www.Handle(log, router, "GET", "/api/stats", s.httpGetStats)
	www.Handle(log, router, "GET", "/api/image_detections", s.httpGetImageDetections)
	www.Handle(log, router, "GET", "/api/ws", s.httpStreamObstacles)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	hostname, _ := os.Hostname()
	www.SendJSON(w, &pingJSON{
		Greeting: "I am obstacled",
		Hostname: hostname,
		Camera:   s.Config.Camera.Name,
		Time:     time.Now().Unix(),
	})
}

// Optional 'stamp' query parameter is the capture time, in unix milliseconds
func frameStamp(r *http.Request) time.Time {
	if ms := www.QueryInt64(r, "stamp"); ms != 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

// Send the error of a frame as the appropriate HTTP status
func panicFrameError(err error) {
	if errors.Is(err, monitor.ErrClosed) || errors.Is(err, monitor.ErrNoDetector) {
		www.Panic(http.StatusServiceUnavailable, err.Error())
	}
	www.PanicStatus(err, nn.ErrShapeMismatch, obstacle.ErrUncalibrated)
}

func (s *Server) httpPostFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.Monitor.HasDetector() {
		www.Panic(http.StatusServiceUnavailable, "No detector is configured. Use /api/tensor to submit network output instead.")
	}
	body := www.ReadLimited(w, r, s.Config.MaxFrameBytes)
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		www.PanicBadRequestf("Failed to decode image: %v", err)
	}
	result, err := s.Monitor.SubmitFrame(r.Context(), obstacle.NewFrame(img, frameStamp(r)))
	panicFrameError(err)
	www.SendJSON(w, result)
}

func (s *Server) httpPostTensor(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	width := www.RequiredQueryInt(r, "width")
	height := www.RequiredQueryInt(r, "height")
	if width <= 0 || height <= 0 || width > maxImageSize || height > maxImageSize {
		www.PanicBadRequestf("Invalid image size %v x %v", width, height)
	}
	raw := nn.RawTensor{}
	www.ReadJSON(w, r, &raw, s.Config.MaxFrameBytes)
	frame := &obstacle.Frame{
		Width:  width,
		Height: height,
		Stamp:  frameStamp(r),
	}
	result, err := s.Monitor.SubmitTensor(r.Context(), frame, &raw)
	panicFrameError(err)
	www.SendJSON(w, result)
}

func (s *Server) httpPostPose(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	msg := calib.TFMessage{}
	www.ReadJSON(w, r, &msg, maxMessageBytes)
	applied, err := s.Poses.HandleMessage(&msg)
	resp := poseAppliedJSON{Applied: applied}
	if err != nil {
		s.Log.Warnf("Rejected pose update: %v", err)
		if applied == 0 {
			www.PanicStatus(err, calib.ErrPose)
		}
		resp.Error = err.Error()
	}
	www.SendJSON(w, &resp)
}

func (s *Server) httpGetPose(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pose := s.Poses.Snapshot()
	qx, qy, qz, qw := pose.Quaternion()
	www.CacheNever(w)
	www.SendJSON(w, &poseJSON{
		ParentFrame: s.Poses.ParentFrame,
		ChildFrame:  s.Poses.ChildFrame,
		Translation: calib.Vector3{X: pose.Translation.X, Y: pose.Translation.Y, Z: pose.Translation.Z},
		Rotation:    calib.Quaternion{X: qx, Y: qy, Z: qz, W: qw},
		Stamp:       s.Poses.LastStamp(),
		Updates:     s.Poses.Updates(),
	})
}

func (s *Server) httpPostCameraInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info := config.CameraInfo{}
	www.ReadJSON(w, r, &info, maxMessageBytes)
	if info.Width <= 0 || info.Height <= 0 || info.Width > maxImageSize || info.Height > maxImageSize {
		www.PanicBadRequestf("Invalid camera info size %v x %v", info.Width, info.Height)
	}
	www.CheckClient(s.Calibrator.Seed(info.Width, info.Height))
	www.SendJSON(w, s.Calibrator.Current())
}

func (s *Server) httpGetLatestObstacles(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	latest := s.Monitor.Latest()
	if latest == nil {
		www.PanicNotFound()
	}
	www.CacheNever(w)
	www.SendJSON(w, latest)
}

func (s *Server) httpGetStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats := statsJSON{
		Camera:  s.Config.Camera.Name,
		Monitor: s.Monitor.Stats(),
	}
	if s.Renderer != nil {
		stats.Visualized = s.Renderer.Frames()
	}
	www.CacheNever(w)
	www.SendJSON(w, &stats)
}

func (s *Server) httpGetImageDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.Renderer == nil {
		www.Panic(http.StatusNotFound, "Visualization is disabled")
	}
	img, _ := s.Renderer.Latest()
	if img == nil {
		www.PanicNotFound()
	}
	www.CacheNever(w)
	www.SendBytes(w, "image/png", img)
}

func (s *Server) httpStreamObstacles(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Log.Infof("httpStreamObstacles websocket upgrading")

	// Register before the upgrade, so that a client sees every frame that is submitted after it connects
	results := s.Monitor.AddWatcher()
	defer s.Monitor.RemoveWatcher(results)

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already sent an HTTP error to the client
		s.Log.Errorf("httpStreamObstacles websocket upgrade failed: %v", err)
		return
	}

	streamer.RunObstacleWebSocketStreamer(s.Config.Camera.Name, s.Log, c, results)
}
