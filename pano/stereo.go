package pano

// StereoFrame is one eye's frame produced by the mono-to-stereo ray
// synthesis warp. The warp itself (a fixed projective transform applied
// per image pair) is an external collaborator; this package only needs its
// output shape to type the data flow end to end.
type StereoFrame struct {
	Frame *Frame
	Eye   Eye
}

// Eye selects which stereoscopically-offset view a StereoFrame belongs to.
type Eye int

const (
	EyeLeft Eye = iota
	EyeRight
)

// StereoPairGenerator produces left/right StereoFrames from a single
// monocular frame. Implementations live outside this module (camera-specific
// ray synthesis); callers here only depend on this interface (recovered
// from upstream stereoGenerator.hpp).
type StereoPairGenerator interface {
	Generate(frame *Frame) (left, right StereoFrame, err error)
}

// IdentityStereoGenerator is the default StereoPairGenerator when no
// camera-specific ray-synthesis warp is configured: it hands the same
// mono frame to both eyes unchanged, so the left/right ring stitchers and
// multi-ring composite still run end to end (the actual disparity warp is
// the external collaborator spec.md leaves unspecified).
type IdentityStereoGenerator struct{}

// Generate implements StereoPairGenerator.
func (IdentityStereoGenerator) Generate(frame *Frame) (left, right StereoFrame, err error) {
	return StereoFrame{Frame: frame, Eye: EyeLeft}, StereoFrame{Frame: frame, Eye: EyeRight}, nil
}
