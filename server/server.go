package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/cyclopcam/obstacled/pkg/visualize"
	"github.com/cyclopcam/obstacled/server/config"
	"github.com/cyclopcam/obstacled/server/monitor"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	Config           *config.Config
	Model            *nn.ModelConfig
	Calibrator       *calib.Calibrator
	Poses            *calib.PoseStore
	Projector        *obstacle.Projector
	Renderer         *visualize.Renderer // nil if visualization is disabled
	Monitor          *monitor.Monitor
	ShutdownComplete chan error // Receives the result of Shutdown(), exactly once

	signalIn     chan os.Signal
	shutdownOnce sync.Once
	httpLock     sync.Mutex
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
}

// NewServer creates the obstacle pipeline for a single camera.
// detector may be nil, in which case only raw network output can be submitted (POST /api/tensor).
func NewServer(logger logs.Log, cfg *config.Config, detector nn.Detector) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var model *nn.ModelConfig
	if detector != nil {
		model = detector.Config()
	} else {
		var err error
		if model, err = cfg.ModelConfig(); err != nil {
			return nil, err
		}
	}
	afov, err := cfg.AFOV()
	if err != nil {
		return nil, err
	}
	calibrator, err := calib.NewCalibrator(logger, afov, cfg.Camera.Mount, cfg.Camera.Static)
	if err != nil {
		return nil, err
	}
	if ci := cfg.Camera.CameraInfo; ci != nil {
		if err := calibrator.Seed(ci.Width, ci.Height); err != nil {
			return nil, err
		}
	}

	poses := calib.NewPoseStore(cfg.Camera.ParentFrame, cfg.Camera.Name)
	filter := nn.NewFilter(cfg.DetectionParams(), model)
	projector := obstacle.NewProjector(logger, cfg.Camera.Name, filter, calibrator, poses)

	s := &Server{
		Log:              logger,
		Config:           cfg,
		Model:            model,
		Calibrator:       calibrator,
		Poses:            poses,
		Projector:        projector,
		ShutdownComplete: make(chan error, 1),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
		},
	}
	if cfg.Visualize {
		s.Renderer = visualize.NewRenderer(logger, model)
		projector.Visualizer = s.Renderer
	}
	s.Monitor = monitor.NewMonitor(logger, detector, projector)
	s.setupHttpRoutes()

	s.Log.Infof("Camera %v (parent frame %v), afov %.3f, static %v, detector %v",
		cfg.Camera.Name, cfg.Camera.ParentFrame, afov, cfg.Camera.Static, detector != nil)
	return s, nil
}

// Router exposes the HTTP routes, eg for httptest
func (s *Server) Router() http.Handler {
	return s.httpRouter
}

// ListenHTTP blocks until the HTTP server is shut down.
// addr example: ":8091"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpLock.Lock()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	srv := s.httpServer
	s.httpLock.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenForKillSignals calls Shutdown() when we receive SIGINT or SIGTERM
func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server and the frame monitor.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		var err error
		s.httpLock.Lock()
		srv := s.httpServer
		s.httpLock.Unlock()
		if srv != nil {
			s.Log.Infof("Closing HTTP server")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = srv.Shutdown(ctx)
			cancel()
		}
		// Closing the monitor also closes the websocket watchers
		s.Monitor.Close()
		if err != nil {
			s.Log.Warnf("Shutdown complete, with error: %v", err)
		} else {
			s.Log.Infof("Shutdown complete")
		}
		s.ShutdownComplete <- err
	})
}
