// Package calib owns the camera parameters that change at runtime: the depth
// calibration, and the camera pose.
package calib

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/camgeom"
)

type State int

const (
	Uncalibrated State = iota
	Calibrated
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrated:
		return "calibrated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type imageSize struct {
	width  int
	height int
}

// Calibrator hands out camera intrinsics for each frame.
//
// A stationary camera is calibrated once, from the first frame (or from Seed),
// and those parameters are used for the rest of the run. If a later frame has a
// different size, we keep using the original parameters, and log a warning once
// for every new size that we see.
//
// A moving camera is recalibrated from the size of every frame.
type Calibrator struct {
	Log        logs.Log
	AFOV       float64
	Mount      camgeom.Mount
	Stationary bool

	lock       sync.Mutex
	intrinsics *camgeom.Intrinsics
	warned     map[imageSize]bool
}

func NewCalibrator(log logs.Log, afov float64, mount camgeom.Mount, stationary bool) (*Calibrator, error) {
	// Check the parameters up front, so that a bad afov or mount fails at startup
	// instead of on the first frame.
	if _, err := camgeom.Calibrate(afov, 1, 1, mount); err != nil {
		return nil, err
	}
	return &Calibrator{
		Log:        log,
		AFOV:       afov,
		Mount:      mount,
		Stationary: stationary,
		warned:     map[imageSize]bool{},
	}, nil
}

func (c *Calibrator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.intrinsics == nil {
		return Uncalibrated
	}
	return Calibrated
}

// Current returns the most recent intrinsics, or nil if we have not been calibrated yet
func (c *Calibrator) Current() *camgeom.Intrinsics {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.intrinsics
}

// Seed calibrates a stationary camera before the first frame arrives, typically
// from a camera info message. Once a stationary camera is calibrated, Seed does nothing.
// For a moving camera, Seed only sets the initial parameters.
func (c *Calibrator) Seed(width, height int) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.Stationary && c.intrinsics != nil {
		return nil
	}
	in, err := camgeom.Calibrate(c.AFOV, width, height, c.Mount)
	if err != nil {
		return err
	}
	c.intrinsics = in
	c.Log.Infof("Calibrated for %v x %v from camera info (d_param %.2f, w_param %.6f)", width, height, in.DParam, in.WParam)
	return nil
}

// Intrinsics returns the parameters to use for a frame of the given size.
// For a stationary camera, the same object is returned for every frame.
func (c *Calibrator) Intrinsics(width, height int) (*camgeom.Intrinsics, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.Stationary && c.intrinsics != nil {
		if width != c.intrinsics.ImageWidth || height != c.intrinsics.ImageHeight {
			size := imageSize{width, height}
			if !c.warned[size] {
				c.warned[size] = true
				c.Log.Warnf("Frame size %v x %v differs from calibrated size %v x %v. Keeping the original calibration",
					width, height, c.intrinsics.ImageWidth, c.intrinsics.ImageHeight)
			}
		}
		return c.intrinsics, nil
	}

	in, err := camgeom.Calibrate(c.AFOV, width, height, c.Mount)
	if err != nil {
		return nil, err
	}
	if c.Stationary {
		c.Log.Infof("Calibrated for %v x %v (d_param %.2f, w_param %.6f)", width, height, in.DParam, in.WParam)
	}
	c.intrinsics = in
	return in, nil
}
