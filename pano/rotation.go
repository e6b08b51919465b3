package pano

import "math"

// RotX returns the 3x3 rotation matrix around the X axis by angle radians.
func RotX(angle float64) Mat3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Mat3{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}
}

// RotY returns the 3x3 rotation matrix around the Y axis by angle radians.
func RotY(angle float64) Mat3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Mat3{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

// RotZ returns the 3x3 rotation matrix around the Z axis by angle radians.
func RotZ(angle float64) Mat3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Mat3{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}

// Mul3 multiplies two 3x3 matrices, a*b.
func Mul3(a, b Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += a[r*3+k] * b[k*3+c]
			}
			out[r*3+c] = sum
		}
	}
	return out
}

// Transpose3 returns the transpose of a 3x3 matrix, which equals the
// inverse for a proper rotation matrix.
func Transpose3(m Mat3) Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// clamp restricts x to [lo, hi].
func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// AngleBetween returns the angle of rotation (radians) between two 3x3
// rotation matrices, via the trace formula: angle = acos((tr(A^T B)-1)/2),
// clamped to [-1, 1] before acos to absorb floating-point drift.
func AngleBetween(a, b Mat3) float64 {
	r := Mul3(Transpose3(a), b)
	trace := r[0] + r[4] + r[8]
	cosAngle := clamp((trace-1)/2, -1, 1)
	return math.Acos(cosAngle)
}

// AxisComponent extracts the rotation angle (radians) of m around the given
// axis by decomposing via atan2 of the relevant off-diagonal pair. axis must
// be 'x', 'y', or 'z'.
func AxisComponent(m Mat3, axis byte) float64 {
	switch axis {
	case 'x':
		return math.Atan2(m[7], m[8])
	case 'y':
		return math.Atan2(-m[6], math.Hypot(m[7], m[8]))
	case 'z':
		return math.Atan2(m[3], m[0])
	default:
		return 0
	}
}

// To4 embeds a 3x3 rotation into the upper-left block of a 4x4 identity pose.
func To4(m Mat3) Mat4 {
	return Mat4{
		m[0], m[1], m[2], 0,
		m[3], m[4], m[5], 0,
		m[6], m[7], m[8], 0,
		0, 0, 0, 1,
	}
}

// To3 extracts the upper-left 3x3 rotation block from a 4x4 pose.
func To3(m Mat4) Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// Mul4 multiplies two 4x4 matrices, a*b.
func Mul4(a, b Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[r*4+k] * b[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Invert4Rigid inverts a 4x4 rigid transform (rotation + translation) by
// transposing the rotation block and negating the rotated translation.
func Invert4Rigid(m Mat4) Mat4 {
	rt := Transpose3(To3(m))
	tx, ty, tz := m[3], m[7], m[11]
	ix := -(rt[0]*tx + rt[1]*ty + rt[2]*tz)
	iy := -(rt[3]*tx + rt[4]*ty + rt[5]*tz)
	iz := -(rt[6]*tx + rt[7]*ty + rt[8]*tz)
	return Mat4{
		rt[0], rt[1], rt[2], ix,
		rt[3], rt[4], rt[5], iy,
		rt[6], rt[7], rt[8], iz,
		0, 0, 0, 1,
	}
}

// Identity4 returns the 4x4 identity matrix.
func Identity4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// ScaleIntrinsics rescales a 3x3 intrinsics matrix (fx,fy,cx,cy packed in
// the usual camera-matrix layout) from one image size to another: focal
// scales by the width ratio, principal point recenters on the new image.
func ScaleIntrinsics(k Mat3, fromW, fromH, toW, toH int) Mat3 {
	ratio := float64(toW) / float64(fromW)
	out := k
	out[0] *= ratio // fx
	out[4] *= ratio // fy
	out[2] = float64(toW) / 2  // cx
	out[5] = float64(toH) / 2 // cy
	_ = fromH
	return out
}

// Quaternion is a unit quaternion (w, x, y, z).
type Quaternion struct {
	W, X, Y, Z float64
}

// QuatFromMat3 converts a 3x3 rotation matrix to a unit quaternion using the
// standard trace-based branch selection for numerical stability.
func QuatFromMat3(m Mat3) Quaternion {
	trace := m[0] + m[4] + m[8]
	var q Quaternion
	if trace > 0 {
		s := 0.5 / math.Sqrt(trace+1.0)
		q.W = 0.25 / s
		q.X = (m[7] - m[5]) * s
		q.Y = (m[2] - m[6]) * s
		q.Z = (m[3] - m[1]) * s
	} else if m[0] > m[4] && m[0] > m[8] {
		s := 2.0 * math.Sqrt(1.0+m[0]-m[4]-m[8])
		q.W = (m[7] - m[5]) / s
		q.X = 0.25 * s
		q.Y = (m[1] + m[3]) / s
		q.Z = (m[2] + m[6]) / s
	} else if m[4] > m[8] {
		s := 2.0 * math.Sqrt(1.0+m[4]-m[0]-m[8])
		q.W = (m[2] - m[6]) / s
		q.X = (m[1] + m[3]) / s
		q.Y = 0.25 * s
		q.Z = (m[5] + m[7]) / s
	} else {
		s := 2.0 * math.Sqrt(1.0+m[8]-m[0]-m[4])
		q.W = (m[3] - m[1]) / s
		q.X = (m[2] + m[6]) / s
		q.Y = (m[5] + m[7]) / s
		q.Z = 0.25 * s
	}
	return q.Normalized()
}

// Normalized returns q scaled to unit length.
func (q Quaternion) Normalized() Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n < 1e-12 {
		return Quaternion{W: 1}
	}
	return Quaternion{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Dot returns the quaternion dot product.
func (q Quaternion) Dot(o Quaternion) float64 {
	return q.W*o.W + q.X*o.X + q.Y*o.Y + q.Z*o.Z
}

// Mat3 converts a unit quaternion back to a 3x3 rotation matrix.
func (q Quaternion) Mat3() Mat3 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}

// slerpSinFloor guards against division by a near-zero sin(Omega).
const slerpSinFloor = 1e-10

// SlerpQuat spherically interpolates between two unit quaternions at t in
// [0,1], clamping the dot product to [-1,1] and taking the short way round.
func SlerpQuat(a, b Quaternion, t float64) Quaternion {
	dot := clamp(a.Dot(b), -1, 1)
	if dot < 0 {
		b = Quaternion{-b.W, -b.X, -b.Y, -b.Z}
		dot = -dot
	}
	omega := math.Acos(dot)
	sinOmega := math.Sin(omega)
	if sinOmega < slerpSinFloor {
		// a and b are nearly parallel: fall back to linear interpolation.
		return Quaternion{
			W: a.W + t*(b.W-a.W),
			X: a.X + t*(b.X-a.X),
			Y: a.Y + t*(b.Y-a.Y),
			Z: a.Z + t*(b.Z-a.Z),
		}.Normalized()
	}
	wa := math.Sin((1-t)*omega) / sinOmega
	wb := math.Sin(t*omega) / sinOmega
	return Quaternion{
		W: wa*a.W + wb*b.W,
		X: wa*a.X + wb*b.X,
		Y: wa*a.Y + wb*b.Y,
		Z: wa*a.Z + wb*b.Z,
	}.Normalized()
}

// SlerpPose spherically interpolates the rotation block of two 4x4 poses
// (via quaternion round-trip) and linearly interpolates translation.
// SlerpPose(a, a, t) == a; SlerpPose(a, b, 0) == a; SlerpPose(a, b, 1) == b.
func SlerpPose(a, b Mat4, t float64) Mat4 {
	qa := QuatFromMat3(To3(a))
	qb := QuatFromMat3(To3(b))
	qt := SlerpQuat(qa, qb, t)
	rot := qt.Mat3()
	out := To4(rot)
	out[3] = a[3] + t*(b[3]-a[3])
	out[7] = a[7] + t*(b[7]-a[7])
	out[11] = a[11] + t*(b[11]-a[11])
	return out
}

// LerpPose linearly interpolates both rotation entries and translation of
// two poses without renormalizing — used where a cheap, non-slerp blend is
// acceptable (e.g. debug visualizations).
func LerpPose(a, b Mat4, t float64) Mat4 {
	var out Mat4
	for i := range out {
		out[i] = a[i] + t*(b[i]-a[i])
	}
	return out
}

// RotationVector returns the axis-angle vector (direction*angle) of a 3x3
// rotation matrix, used for the selector's error-vector guidance.
func RotationVector(m Mat3) [3]float64 {
	trace := m[0] + m[4] + m[8]
	cosAngle := clamp((trace-1)/2, -1, 1)
	angle := math.Acos(cosAngle)
	if angle < 1e-9 {
		return [3]float64{0, 0, 0}
	}
	sinAngle := math.Sin(angle)
	if sinAngle < slerpSinFloor {
		sinAngle = slerpSinFloor
	}
	rx := (m[7] - m[5]) / (2 * sinAngle)
	ry := (m[2] - m[6]) / (2 * sinAngle)
	rz := (m[3] - m[1]) / (2 * sinAngle)
	return [3]float64{rx * angle, ry * angle, rz * angle}
}
