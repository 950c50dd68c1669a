// Package obstacle turns the raw output of an object detector into obstacles in the world frame.
package obstacle

import (
	"errors"
	"image"
	"time"

	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

var ErrUncalibrated = errors.New("camera is not calibrated")

// Obstacle is a detected object, placed in the world frame
type Obstacle struct {
	Class          string    `json:"class"`          // eg "person"
	ClassID        int       `json:"classId"`        // Index into the model's class list
	Confidence     float32   `json:"confidence"`     // Box confidence from the detector
	Position       r3.Vec    `json:"position"`       // Position in the world frame
	Frame          string    `json:"frame"`          // Name of the world frame, eg "sim_world"
	CameraPosition r3.Vec    `json:"cameraPosition"` // Position in the camera frame
	Box            nn.Rect   `json:"box"`            // Bounding box in image pixels
	Centroid       nn.Point  `json:"centroid"`       // Centroid in image pixels
	Source         string    `json:"source"`         // Name of the camera
	Stamp          time.Time `json:"stamp"`          // Filled in by whoever publishes the obstacle
}

// Frame is a single image from the camera
type Frame struct {
	Image  image.Image // May be nil, if we only have the network output for this frame
	Width  int
	Height int
	Stamp  time.Time // Capture time, if known
}

// NewFrame creates a Frame from an image
func NewFrame(img image.Image, stamp time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:  img,
		Width:  b.Dx(),
		Height: b.Dy(),
		Stamp:  stamp,
	}
}

// FrameResult is everything we learned from a single frame
type FrameResult struct {
	ID          uuid.UUID      `json:"id"`
	Camera      string         `json:"camera"`
	ImageWidth  int            `json:"imageWidth"`
	ImageHeight int            `json:"imageHeight"`
	Detections  []nn.Detection `json:"detections"`
	Obstacles   []Obstacle     `json:"obstacles"`
	Dropped     int            `json:"dropped"` // Number of detections whose projection was not finite
	Stamp       time.Time      `json:"stamp"`
}

// SetStamp stamps the result, and every obstacle in it
func (r *FrameResult) SetStamp(t time.Time) {
	r.Stamp = t
	for i := range r.Obstacles {
		r.Obstacles[i].Stamp = t
	}
}
