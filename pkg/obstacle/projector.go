package obstacle

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/camgeom"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/google/uuid"
)

// Visualizer is notified of the detections of every frame, so that it can draw them.
// It receives copies, so it cannot alter the result of the frame.
type Visualizer interface {
	Visualize(frame *Frame, detections []nn.Detection, obstacles []Obstacle)
}

// Projector runs the per-frame pipeline for a single camera:
// filter the network output, calibrate, and project each detection into the world.
type Projector struct {
	Log        logs.Log
	Camera     string
	Filter     *nn.Filter
	Calibrator *calib.Calibrator
	Poses      *calib.PoseStore
	Visualizer Visualizer // Optional
}

func NewProjector(log logs.Log, camera string, filter *nn.Filter, calibrator *calib.Calibrator, poses *calib.PoseStore) *Projector {
	return &Projector{
		Log:        log,
		Camera:     camera,
		Filter:     filter,
		Calibrator: calibrator,
		Poses:      poses,
	}
}

// Project processes one frame.
// The result is not stamped. That is left to whoever publishes it.
func (p *Projector) Project(frame *Frame, raw *nn.RawTensor) (*FrameResult, error) {
	detections, err := p.Filter.Filter(raw, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}

	intrinsics, err := p.Calibrator.Intrinsics(frame.Width, frame.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUncalibrated, err)
	}

	// A single snapshot for the whole frame, so that a concurrent pose update
	// cannot split the frame between two poses.
	pose := p.Poses.Snapshot()

	obstacles, dropped := ProjectDetections(detections, frame.Width, frame.Height, intrinsics, pose, p.Filter.Model, p.Camera)
	if dropped != 0 {
		p.Log.Debugf("Dropped %v of %v detections with non-finite projection", dropped, len(detections))
	}

	result := &FrameResult{
		ID:          uuid.New(),
		Camera:      p.Camera,
		ImageWidth:  frame.Width,
		ImageHeight: frame.Height,
		Detections:  detections,
		Obstacles:   obstacles,
		Dropped:     dropped,
	}

	if p.Visualizer != nil {
		p.Visualizer.Visualize(frame, slices.Clone(detections), slices.Clone(obstacles))
	}

	return result, nil
}

// ProjectDetections places each detection in the world.
// Detections whose projection is not finite are skipped, and counted in 'dropped'.
func ProjectDetections(detections []nn.Detection, imageWidth, imageHeight int, intrinsics *camgeom.Intrinsics, pose camgeom.Pose, model *nn.ModelConfig, source string) (obstacles []Obstacle, dropped int) {
	obstacles = make([]Obstacle, 0, len(detections))
	for _, d := range detections {
		cam, err := camgeom.PixelToCamera(float64(d.Centroid.X), float64(d.Centroid.Y), imageWidth, imageHeight, intrinsics)
		if err != nil {
			dropped++
			continue
		}
		world := camgeom.CameraToWorld(cam, pose)
		if !camgeom.IsFinite(world) {
			dropped++
			continue
		}
		obstacles = append(obstacles, Obstacle{
			Class:          model.ClassName(d.Class),
			ClassID:        d.Class,
			Confidence:     d.Confidence,
			Position:       world,
			Frame:          pose.Parent,
			CameraPosition: cam,
			Box:            d.Box,
			Centroid:       d.Centroid,
			Source:         source,
		})
	}
	return
}
