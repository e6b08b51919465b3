package pano

// JumpFilter discards frames whose pose jumps implausibly far from the
// previously accepted frame in too short a time, guarding against pose
// tracker glitches/teleports (recovered from upstream jumpFilter.hpp).
type JumpFilter struct {
	maxAngleRadPerSec float64
	lastPose          Mat4
	lastTimestampSec  float64
	hasLast           bool
}

// NewJumpFilter builds a filter that rejects a frame if its angular
// velocity since the last accepted frame exceeds maxAngleRadPerSec.
func NewJumpFilter(maxAngleRadPerSec float64) *JumpFilter {
	return &JumpFilter{maxAngleRadPerSec: maxAngleRadPerSec}
}

// Admit reports whether frame (captured at timestampSec) passes the jump
// test, and if so records it as the new reference point.
func (j *JumpFilter) Admit(pose Mat4, timestampSec float64) bool {
	if !j.hasLast {
		j.lastPose = pose
		j.lastTimestampSec = timestampSec
		j.hasLast = true
		return true
	}
	dt := timestampSec - j.lastTimestampSec
	if dt <= 0 {
		dt = 1e-3
	}
	angle := AngleBetween(To3(j.lastPose), To3(pose))
	if angle/dt > j.maxAngleRadPerSec {
		return false
	}
	j.lastPose = pose
	j.lastTimestampSec = timestampSec
	return true
}
