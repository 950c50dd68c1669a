package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/camgeom"
	"github.com/cyclopcam/obstacled/pkg/nn"
)

var ErrConfig = errors.New("invalid configuration")

const DefaultFilename = "obstacled.json"

// CameraInfo is the calibration that a camera driver reports about itself
type CameraInfo struct {
	Width  int     `json:"width"`  // Image width in pixels
	Height int     `json:"height"` // Image height in pixels
	Fx     float64 `json:"fx"`     // Horizontal focal length in pixels
}

type Camera struct {
	Name        string        `json:"name"`        // Name of the camera's frame, eg "camera1"
	ParentFrame string        `json:"parentFrame"` // Frame that the camera's pose is given in, eg "sim_world"
	AFOV        float64       `json:"afov"`        // Horizontal field of view in radians. If zero, this is computed from CameraInfo.
	CameraInfo  *CameraInfo   `json:"cameraInfo"`  // Optional
	Static      bool          `json:"static"`      // A static camera is calibrated once. A moving camera is calibrated on every frame.
	Mount       camgeom.Mount `json:"mount"`
}

type Detector struct {
	URL         string   `json:"url"`         // Inference service, eg http://localhost:8090/detect
	TimeoutMS   int      `json:"timeoutMS"`   // Timeout of a single inference request
	ModelConfig string   `json:"modelConfig"` // Optional JSON file with the network's input size and classes
	ClassFile   string   `json:"classFile"`   // Optional text file with one class name per line
	Classes     []string `json:"classes"`     // Optional inline class list. Defaults to COCO.
}

type Config struct {
	Listen              string   `json:"listen"`              // HTTP listen address, eg ":8091"
	Camera              Camera   `json:"camera"`              //
	Detector            Detector `json:"detector"`            //
	ScoreThreshold      float32  `json:"scoreThreshold"`      // Minimum best class score
	ConfidenceThreshold float32  `json:"confidenceThreshold"` // Minimum box confidence
	NmsThreshold        float32  `json:"nmsThreshold"`        // IoU above which NMS suppresses a box
	PerClassNMS         bool     `json:"perClassNMS"`         // Only suppress boxes of the same class
	Visualize           bool     `json:"visualize"`           // Draw detections and serve the annotated image
	FramesPerSecond     int      `json:"framesPerSecond"`     // Rate limit of POST /api/frame, per client IP
	MaxFrameBytes       int64    `json:"maxFrameBytes"`       // Largest accepted frame upload
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ":8091",
		Camera: Camera{
			Name:        calib.DefaultChildFrame,
			ParentFrame: calib.DefaultParentFrame,
			Static:      true,
			Mount:       camgeom.DefaultMount(),
		},
		Detector: Detector{
			TimeoutMS: 5000,
		},
		ScoreThreshold:      nn.DefaultScoreThreshold,
		ConfidenceThreshold: nn.DefaultConfidenceThreshold,
		NmsThreshold:        nn.DefaultNmsIouThreshold,
		Visualize:           true,
		FramesPerSecond:     30,
		MaxFrameBytes:       16 * 1024 * 1024,
	}
}

// LoadConfig reads a JSON config file. Fields that are absent from the file keep their default value.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: Error loading as JSON %v: %v", ErrConfig, filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkUnit(name string, v float32) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: %v must be between 0 and 1, but is %v", ErrConfig, name, v)
	}
	return nil
}

// Validate returns an error wrapping ErrConfig if the config cannot be used
func (c *Config) Validate() error {
	if err := checkUnit("scoreThreshold", c.ScoreThreshold); err != nil {
		return err
	}
	if err := checkUnit("confidenceThreshold", c.ConfidenceThreshold); err != nil {
		return err
	}
	if err := checkUnit("nmsThreshold", c.NmsThreshold); err != nil {
		return err
	}
	if c.Camera.Name == "" || c.Camera.ParentFrame == "" {
		return fmt.Errorf("%w: camera name and parent frame must not be empty", ErrConfig)
	}
	if c.Camera.CameraInfo != nil {
		ci := c.Camera.CameraInfo
		if ci.Width <= 0 || ci.Height <= 0 || !(ci.Fx > 0) {
			return fmt.Errorf("%w: cameraInfo must have a positive width, height, and fx", ErrConfig)
		}
	}
	afov, err := c.AFOV()
	if err != nil {
		return err
	}
	if _, err := camgeom.Calibrate(afov, 1, 1, c.Camera.Mount); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Detector.TimeoutMS < 0 {
		return fmt.Errorf("%w: detector timeoutMS must not be negative", ErrConfig)
	}
	if c.FramesPerSecond <= 0 {
		return fmt.Errorf("%w: framesPerSecond must be positive", ErrConfig)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: maxFrameBytes must be positive", ErrConfig)
	}
	return nil
}

// AFOV returns the camera's horizontal field of view.
// If it is not configured directly, then it is derived from CameraInfo.
func (c *Config) AFOV() (float64, error) {
	afov := c.Camera.AFOV
	if afov == 0 && c.Camera.CameraInfo != nil {
		afov = camgeom.AFOVFromFocalLength(c.Camera.CameraInfo.Width, c.Camera.CameraInfo.Fx)
	}
	if !(afov > 0 && afov < math.Pi) {
		return 0, fmt.Errorf("%w: afov must be between 0 and pi, or derived from cameraInfo (afov = %v)", ErrConfig, afov)
	}
	return afov, nil
}

func (c *Config) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ScoreThreshold:      c.ScoreThreshold,
		ConfidenceThreshold: c.ConfidenceThreshold,
		NmsIouThreshold:     c.NmsThreshold,
		PerClassNMS:         c.PerClassNMS,
	}
}

// ModelConfig returns the network input size and class list.
// The class list is taken from (in order of preference) the inline list, the class file,
// the model config file, or COCO.
func (c *Config) ModelConfig() (*nn.ModelConfig, error) {
	model := nn.DefaultModelConfig()
	if c.Detector.ModelConfig != "" {
		loaded, err := nn.LoadModelConfig(c.Detector.ModelConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		model = loaded
	}
	if c.Detector.ClassFile != "" {
		classes, err := nn.LoadClassFile(c.Detector.ClassFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		model.Classes = classes
	}
	if len(c.Detector.Classes) != 0 {
		model.Classes = c.Detector.Classes
	}
	if model.Width <= 0 || model.Height <= 0 {
		return nil, fmt.Errorf("%w: network input size %v x %v is invalid", ErrConfig, model.Width, model.Height)
	}
	return model, nil
}
