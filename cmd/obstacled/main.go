package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/nnremote"
	"github.com/cyclopcam/obstacled/server"
	"github.com/cyclopcam/obstacled/server/config"
	"github.com/cyclopcam/obstacled/server/log"
)

func main() {
	parser := argparse.NewParser("obstacled", "Turns camera detections into obstacles in the world frame")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON)", Default: config.DefaultFilename})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg :8091 (overrides config)", Default: ""})
	camera := parser.String("", "camera", &argparse.Options{Help: "Name of the camera's frame, eg camera1 (overrides config)", Default: ""})
	detectorURL := parser.String("", "detector", &argparse.Options{Help: "URL of the inference service (overrides config)", Default: ""})
	afov := parser.Float("", "afov", &argparse.Options{Help: "Horizontal field of view of the camera, in radians (overrides config)", Default: 0.0})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := log.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if errors.Is(err, fs.ErrNotExist) && *configFile == config.DefaultFilename {
		logger.Infof("%v not found. Using default configuration", config.DefaultFilename)
		cfg, err = config.DefaultConfig(), nil
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *camera != "" {
		cfg.Camera.Name = *camera
	}
	if *detectorURL != "" {
		cfg.Detector.URL = *detectorURL
	}
	if *afov != 0 {
		cfg.Camera.AFOV = *afov
	}

	var detector nn.Detector
	if cfg.Detector.URL != "" {
		model, err := cfg.ModelConfig()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		timeout := time.Duration(cfg.Detector.TimeoutMS) * time.Millisecond
		remote, err := nnremote.NewDetector(logger, cfg.Detector.URL, timeout, model)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		detector = remote
	} else {
		logger.Infof("No detector configured. Only network output can be submitted (POST /api/tensor)")
	}

	srv, err := server.NewServer(logger, cfg, detector)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	listenErr := srv.ListenHTTP(cfg.Listen)
	if listenErr != nil {
		logger.Errorf("ListenHTTP returned: %v", listenErr)
		srv.Shutdown()
	}
	err = <-srv.ShutdownComplete
	logger.Close()
	if err != nil || listenErr != nil {
		os.Exit(1)
	}
}
