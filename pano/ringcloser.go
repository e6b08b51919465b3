package pano

import "log"

// ringClosureMinPhi is the lower bound on the first-to-last correlation's
// Δφ below which closing the ring would produce a visible black seam and
// closure is skipped.
const ringClosureMinPhi = -0.18

// CloseRing detects the first-to-last drift on a closed ring of selected
// frames and linearly redistributes the correction: frame k receives a
// Y-rotation of Δφ*(1 - k/N) applied on the left of its adjusted pose, so
// index 0 gets the full correction and index N-1 gets none.
//
// It returns false (degrading gracefully) if the closure
// correlation is invalid or would produce a black seam.
func CloseRing(frames []*Frame, canvas EquirectCanvas) (applied bool, deltaPhi float64, err error) {
	n := len(frames)
	if n < 2 {
		return false, 0, nil
	}

	result, err := Correlate(frames[n-1], frames[0], canvas, true /* forceWholeImage */)
	if err != nil {
		return false, 0, err
	}
	if !result.Valid {
		log.Printf("[RINGCLOSER] skipping ring closure: correlation rejected (%s)", result.Reason)
		return false, 0, nil
	}
	if result.AngularPhi < ringClosureMinPhi {
		log.Printf("[RINGCLOSER] skipping ring closure: delta phi %.4f below floor %.4f", result.AngularPhi, ringClosureMinPhi)
		return false, 0, nil
	}

	deltaPhi = result.AngularPhi
	for k, f := range frames {
		frac := 1 - float64(k)/float64(n)
		correction := To4(RotY(deltaPhi * frac))
		f.AdjustedPose = Mul4(correction, f.AdjustedPose)
	}
	return true, deltaPhi, nil
}
