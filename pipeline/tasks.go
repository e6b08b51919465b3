package pipeline

import (
	"image"
	"log"
	"sync"

	"github.com/dscvr/panostitch/pano"
)

// ringWorker owns one ring's asynchronous stitcher: a bounded queue of
// depth 1 plus the stitcher's own one-element sliding window, matching the
// "push blocks on backpressure" task shape.
type ringWorker struct {
	ringID    int
	eye       pano.Eye
	ch        chan *pano.Frame
	stitcher  *pano.RingStitcher
	dropAfter func() bool // reports whether new work should be dropped instead of processed
}

func newRingWorker(ringID int, eye pano.Eye, canvas pano.EquirectCanvas, roi image.Rectangle, useFlow bool, dropAfter func() bool) *ringWorker {
	return &ringWorker{
		ringID:    ringID,
		eye:       eye,
		ch:        make(chan *pano.Frame, 1),
		stitcher:  pano.NewRingStitcher(ringID, eye, canvas, roi, useFlow),
		dropAfter: dropAfter,
	}
}

// run drains ch until it is closed. Once dropAfter reports true it keeps
// draining (so Finish's close+wait still terminates) but stops feeding the
// stitcher, matching the cancellation contract: in-flight queues drain,
// but work scheduled after the flag is observed is dropped.
func (w *ringWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for f := range w.ch {
		if w.dropAfter() {
			continue
		}
		if err := w.stitcher.Push(f); err != nil {
			log.Printf("[PIPELINE] ring %d eye %d: %v", w.ringID, w.eye, err)
		}
	}
}

// correspondenceWorker drains the single asynchronous queue feeding the
// correspondence finder, with the same drain-but-drop cancellation
// contract as ringWorker.
type correspondenceWorker struct {
	ch        chan *pano.Frame
	finder    *pano.CorrespondenceFinder
	dropAfter func() bool
}

func newCorrespondenceWorker(depth int, finder *pano.CorrespondenceFinder, dropAfter func() bool) *correspondenceWorker {
	return &correspondenceWorker{
		ch:        make(chan *pano.Frame, depth),
		finder:    finder,
		dropAfter: dropAfter,
	}
}

func (w *correspondenceWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for f := range w.ch {
		if w.dropAfter() {
			continue
		}
		if err := w.finder.PushFrame(f); err != nil {
			log.Printf("[PIPELINE] correspondence finder: %v", err)
		}
	}
}
