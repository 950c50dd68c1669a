package calib

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/obstacled/pkg/camgeom"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var ErrPose = errors.New("invalid pose")

// How far the quaternion norm may stray from 1 before we reject it
const QuaternionNormTolerance = 0.01

const DefaultParentFrame = "sim_world"
const DefaultChildFrame = "camera1"

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Transform is a stamped rigid transform from ChildFrame into ParentFrame
type Transform struct {
	Stamp       time.Time  `json:"stamp"`
	ParentFrame string     `json:"parent_frame"`
	ChildFrame  string     `json:"child_frame"`
	Translation Vector3    `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
}

// TFMessage is a batch of transforms, of which usually only a few concern our camera
type TFMessage struct {
	Transforms []Transform `json:"transforms"`
}

// PoseStore holds the latest camera pose.
// Readers get a snapshot, so a frame that is being processed sees a single consistent
// pose, even if a new pose arrives halfway through the frame.
type PoseStore struct {
	ParentFrame string // Only transforms with this parent are accepted
	ChildFrame  string // Only transforms with this child (the camera's frame) are accepted

	writeLock sync.Mutex
	pose      atomic.Pointer[camgeom.Pose]
	stamp     atomic.Pointer[time.Time]
	updates   atomic.Int64
}

func NewPoseStore(parentFrame, childFrame string) *PoseStore {
	s := &PoseStore{
		ParentFrame: parentFrame,
		ChildFrame:  childFrame,
	}
	identity := camgeom.IdentityPose()
	identity.Parent = parentFrame
	s.pose.Store(&identity)
	return s
}

// Snapshot returns the current pose
func (s *PoseStore) Snapshot() camgeom.Pose {
	return *s.pose.Load()
}

// LastStamp returns the stamp of the most recent accepted transform, or the zero time
func (s *PoseStore) LastStamp() time.Time {
	if t := s.stamp.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Updates returns the number of accepted pose updates
func (s *PoseStore) Updates() int64 {
	return s.updates.Load()
}

// Update replaces the current pose with t.
// If t is malformed, ErrPose is returned, and the previous pose is kept.
// The frame names of t are not checked. See HandleMessage.
func (s *PoseStore) Update(t Transform) error {
	pose, err := transformToPose(t)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.pose.Store(&pose)
	stamp := t.Stamp
	s.stamp.Store(&stamp)
	s.updates.Add(1)
	return nil
}

// HandleMessage applies every transform in msg that goes from our camera frame to our parent frame.
// All other transforms are ignored. Returns the number of transforms that were applied,
// and the errors of any that were rejected.
func (s *PoseStore) HandleMessage(msg *TFMessage) (int, error) {
	applied := 0
	var errs []error
	for _, t := range msg.Transforms {
		if t.ParentFrame != s.ParentFrame || t.ChildFrame != s.ChildFrame {
			continue
		}
		if err := s.Update(t); err != nil {
			errs = append(errs, err)
		} else {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

func transformToPose(t Transform) (camgeom.Pose, error) {
	v := []float64{t.Translation.X, t.Translation.Y, t.Translation.Z, t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return camgeom.Pose{}, fmt.Errorf("%w: non-finite value in transform %v -> %v", ErrPose, t.ChildFrame, t.ParentFrame)
		}
	}
	q := quat.Number{Real: t.Rotation.W, Imag: t.Rotation.X, Jmag: t.Rotation.Y, Kmag: t.Rotation.Z}
	norm := quat.Abs(q)
	if math.Abs(norm-1) > QuaternionNormTolerance {
		return camgeom.Pose{}, fmt.Errorf("%w: quaternion norm is %.4f", ErrPose, norm)
	}
	q = quat.Scale(1/norm, q)
	return camgeom.Pose{
		Parent:      t.ParentFrame,
		Translation: r3.Vec{X: t.Translation.X, Y: t.Translation.Y, Z: t.Translation.Z},
		Rotation:    r3.Rotation(q),
	}, nil
}
