package render

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/robot-viewer/backend/internal/models"
)

// PoseMatrix converts an xyz/rpy pose into a homogeneous transform. The
// rotation is applied as roll about X, then pitch about Y, then yaw about Z
// in the fixed frame.
func PoseMatrix(p models.Pose) mgl64.Mat4 {
	t := mgl64.Translate3D(p.XYZ.X, p.XYZ.Y, p.XYZ.Z)
	r := mgl64.HomogRotate3DZ(p.RPY.Z).
		Mul4(mgl64.HomogRotate3DY(p.RPY.Y)).
		Mul4(mgl64.HomogRotate3DX(p.RPY.X))
	return t.Mul4(r)
}

// JointMatrix returns the child frame of a joint relative to its parent for
// the given joint value.
func JointMatrix(j *models.Joint, value float64) mgl64.Mat4 {
	base := PoseMatrix(j.Origin)
	axis := mgl64.Vec3{j.Axis.X, j.Axis.Y, j.Axis.Z}
	if axis.Len() == 0 {
		axis = mgl64.Vec3{1, 0, 0}
	}
	axis = axis.Normalize()

	switch j.Type {
	case models.JointRevolute, models.JointContinuous:
		return base.Mul4(mgl64.HomogRotate3D(value, axis))
	case models.JointPrismatic:
		d := axis.Mul(value)
		return base.Mul4(mgl64.Translate3D(d[0], d[1], d[2]))
	default:
		return base
	}
}

// QuatMatrix converts a w-first quaternion into a rotation matrix.
func QuatMatrix(w, x, y, z float64) mgl64.Mat4 {
	q := mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
	if q.Len() == 0 {
		return mgl64.Ident4()
	}
	return q.Normalize().Mat4()
}

// QuatToRPY converts a w-first quaternion into roll, pitch and yaw.
func QuatToRPY(w, x, y, z float64) models.Vec3 {
	q := mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
	if q.Len() == 0 {
		return models.Vec3{}
	}
	return MatrixToRPY(q.Normalize().Mat4())
}

// MatrixToRPY extracts fixed-axis roll, pitch and yaw from a rotation matrix.
func MatrixToRPY(m mgl64.Mat4) models.Vec3 {
	// column-major: At(row, col)
	r20 := m.At(2, 0)
	if r20 > 1 {
		r20 = 1
	} else if r20 < -1 {
		r20 = -1
	}
	pitch := -math.Asin(r20)
	roll := math.Atan2(m.At(2, 1), m.At(2, 2))
	yaw := math.Atan2(m.At(1, 0), m.At(0, 0))
	return models.Vec3{X: roll, Y: pitch, Z: yaw}
}
