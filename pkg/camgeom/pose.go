package camgeom

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose places the camera frame inside a parent (world) frame
type Pose struct {
	Parent      string      // Name of the parent frame, eg "sim_world"
	Translation r3.Vec      // Position of the camera origin in the parent frame
	Rotation    r3.Rotation // Unit quaternion rotating camera-frame vectors into the parent frame
}

// IdentityPose is the pose used before any pose has been received
func IdentityPose() Pose {
	return Pose{
		Rotation: r3.Rotation(quat.Number{Real: 1}),
	}
}

// NewPose builds a pose from a translation and an (x,y,z,w) quaternion.
// The quaternion is not normalized here.
func NewPose(parent string, tx, ty, tz, qx, qy, qz, qw float64) Pose {
	return Pose{
		Parent:      parent,
		Translation: r3.Vec{X: tx, Y: ty, Z: tz},
		Rotation:    r3.Rotation(quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}),
	}
}

// Quaternion returns the rotation as (x,y,z,w)
func (p *Pose) Quaternion() (x, y, z, w float64) {
	q := quat.Number(p.Rotation)
	return q.Imag, q.Jmag, q.Kmag, q.Real
}
