package pano

// forcedEdgeOverlapFraction is the fixed half-image overlap weight given to
// a forced (synthetic) alignment edge.
const forcedEdgeOverlapFraction = 0.5

// TrivialAlign returns the forced-edge correlation result used when the
// pyramid correlator rejects a required ring-neighbor pair outright: Δφ=0
// at a fixed half-image overlap weight (recovered from upstream
// trivialAligner.hpp — named explicitly here rather than left as an inline
// branch in the correspondence finder).
func TrivialAlign(frameWidth, frameHeight int) CorrelationResult {
	return CorrelationResult{
		Valid:         true,
		OverlapPixels: int(float64(frameWidth*frameHeight) * forcedEdgeOverlapFraction),
		Reason:        RejectionNone,
	}
}
