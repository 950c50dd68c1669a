// Package camgeom projects pixels from a single monocular camera into 3D.
//
// Depth is estimated from the assumption that every object stands on flat ground,
// and that the camera is mounted at a known height, pitched down by a known angle.
//
// The camera frame is X right, Y forward (the horizontal projection of the optical axis),
// and Z up. The world frame is whatever frame the camera Pose is expressed in.
package camgeom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var ErrProjection = errors.New("projection is not finite")
var ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")

// Mount describes how the camera is attached to the robot
type Mount struct {
	Height   float64 `json:"height"`   // Height of the optical center above the ground, in meters
	Pitch    float64 `json:"pitch"`    // Angle of the optical axis below the horizon, in radians
	MinDepth float64 `json:"minDepth"` // Closest depth that we'll report, in meters. Must be > 0.
	MaxDepth float64 `json:"maxDepth"` // Furthest depth that we'll report, in meters. Objects at or above the horizon are placed here.
}

func DefaultMount() Mount {
	return Mount{
		Height:   1.0,
		Pitch:    0.2,
		MinDepth: 0.2,
		MaxDepth: 50,
	}
}

func (m *Mount) Validate() error {
	if !(m.Height > 0) || math.IsInf(m.Height, 0) {
		return fmt.Errorf("%w: mount height %v must be positive", ErrInvalidIntrinsics, m.Height)
	}
	if math.IsNaN(m.Pitch) || math.Abs(m.Pitch) >= math.Pi/2 {
		return fmt.Errorf("%w: mount pitch %v must be between -pi/2 and pi/2", ErrInvalidIntrinsics, m.Pitch)
	}
	if !(m.MinDepth > 0) || !(m.MaxDepth >= m.MinDepth) || math.IsInf(m.MaxDepth, 0) {
		return fmt.Errorf("%w: depth range [%v, %v] is invalid", ErrInvalidIntrinsics, m.MinDepth, m.MaxDepth)
	}
	return nil
}

// Intrinsics are the parameters needed to project a pixel into the camera frame.
// They are derived from the angular field of view and the image size.
type Intrinsics struct {
	AFOV        float64 `json:"afov"`        // Horizontal angular field of view, in radians
	ImageWidth  int     `json:"imageWidth"`  // Image size that these parameters were calibrated for
	ImageHeight int     `json:"imageHeight"` //
	DParam      float64 `json:"dParam"`      // Focal length in pixels: (ImageWidth/2) / tan(AFOV/2)
	WParam      float64 `json:"wParam"`      // Radians per horizontal pixel: AFOV / ImageWidth
	Mount       Mount   `json:"mount"`
}

// Calibrate computes the depth and angle parameters for an image of the given size.
func Calibrate(afov float64, imageWidth, imageHeight int, mount Mount) (*Intrinsics, error) {
	if !(afov > 0 && afov < math.Pi) {
		return nil, fmt.Errorf("%w: afov %v must be between 0 and pi", ErrInvalidIntrinsics, afov)
	}
	if imageWidth <= 0 || imageHeight <= 0 {
		return nil, fmt.Errorf("%w: image size %v x %v", ErrInvalidIntrinsics, imageWidth, imageHeight)
	}
	if err := mount.Validate(); err != nil {
		return nil, err
	}
	return &Intrinsics{
		AFOV:        afov,
		ImageWidth:  imageWidth,
		ImageHeight: imageHeight,
		DParam:      (float64(imageWidth) / 2) / math.Tan(afov/2),
		WParam:      afov / float64(imageWidth),
		Mount:       mount,
	}, nil
}

// AFOVFromFocalLength returns the horizontal field of view of a pinhole camera,
// given the image width and the horizontal focal length (both in pixels).
func AFOVFromFocalLength(imageWidth int, fx float64) float64 {
	return 2 * math.Atan2(float64(imageWidth), 2*fx)
}

// Depth returns the forward distance to the ground point seen at image row cy.
// Rows lower in the image are closer. The result is clamped to [MinDepth, MaxDepth].
func (in *Intrinsics) Depth(cy float64, imageHeight int) float64 {
	m := &in.Mount
	phi := m.Pitch + math.Atan((cy-float64(imageHeight)/2)/in.DParam)
	if math.IsNaN(phi) {
		return math.NaN()
	}
	if phi <= 0 {
		// At or above the horizon, the ray never hits the ground
		return m.MaxDepth
	}
	if phi >= math.Pi/2 {
		return m.MinDepth
	}
	depth := m.Height / math.Tan(phi)
	return min(max(depth, m.MinDepth), m.MaxDepth)
}

// PixelToCamera projects the pixel (cx, cy) of an image of the given size onto
// the ground plane, and returns the point in the camera frame.
func PixelToCamera(cx, cy float64, imageWidth, imageHeight int, in *Intrinsics) (r3.Vec, error) {
	theta := (cx - float64(imageWidth)/2) * (in.AFOV / float64(imageWidth))
	depth := in.Depth(cy, imageHeight)
	p := r3.Vec{
		X: depth * math.Tan(theta),
		Y: depth,
		Z: -in.Mount.Height,
	}
	if !IsFinite(p) {
		return r3.Vec{}, fmt.Errorf("%w: pixel (%v, %v) -> %v", ErrProjection, cx, cy, p)
	}
	return p, nil
}

// CameraToWorld rotates p by the pose's rotation, and then adds the pose's translation.
func CameraToWorld(p r3.Vec, pose Pose) r3.Vec {
	return r3.Add(pose.Rotation.Rotate(p), pose.Translation)
}

func IsFinite(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
