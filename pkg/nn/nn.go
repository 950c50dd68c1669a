// Package nn is the interface layer between an object detection neural network
// and the rest of the system. The network itself is opaque: anything that produces
// a RawTensor in the YOLOv5 row layout can be used as a Detector.
package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"strings"
)

const DefaultScoreThreshold = 0.45
const DefaultConfidenceThreshold = 0.25
const DefaultNmsIouThreshold = 0.45

// Default network input size (YOLOv5s)
const DefaultInputWidth = 640
const DefaultInputHeight = 640

var ErrNoClasses = errors.New("no classes specified")

// NN object detection parameters
type DetectionParams struct {
	ScoreThreshold      float32 // Minimum best class score. Value between 0 and 1.
	ConfidenceThreshold float32 // Minimum box confidence (objectness). Value between 0 and 1.
	NmsIouThreshold     float32 // Boxes that overlap a kept box by more than this are suppressed. Value between 0 and 1.
	PerClassNMS         bool    // If true, only suppress boxes of the same class. Default is class-agnostic.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ScoreThreshold:      DefaultScoreThreshold,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
	}
}

// Detector is given an image, and returns the raw output of the network.
// Implementations are free to run the model in-process, on an accelerator,
// or on another machine.
type Detector interface {
	// Close releases any resources held by the detector
	Close()

	// Detect runs the network over img. The detector is responsible for letterboxing
	// img into the network input (see Letterbox), so that the returned tensor
	// is in network-input pixel space.
	Detect(ctx context.Context, img image.Image) (*RawTensor, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov5s"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// DefaultModelConfig is a YOLOv5s model trained on COCO
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		Architecture: "yolov5s",
		Width:        DefaultInputWidth,
		Height:       DefaultInputHeight,
		Classes:      append([]string{}, COCOClasses...),
	}
}

// RowWidth is the number of values in each row of the network output
func (c *ModelConfig) RowWidth() int {
	return RowHeaderSize + len(c.Classes)
}

// ClassName returns the name of class id, or "unknown"
func (c *ModelConfig) ClassName(id int) string {
	if id < 0 || id >= len(c.Classes) {
		return "unknown"
	}
	return c.Classes[id]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := DefaultModelConfig()
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	if len(config.Classes) == 0 {
		return nil, ErrNoClasses
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, ErrNoClasses
	}
	return classes, nil
}
