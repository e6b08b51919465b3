package pipeline

import (
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dscvr/panostitch/pano"
)

// DebugSink is the optional destination every accepted frame is written to
// as it is admitted, independent of the stitching pipeline.
type DebugSink interface {
	WriteFrame(id uint64, img *image.RGBA) error
}

// FileDebugSink writes each accepted frame as <id>.jpg under Dir.
type FileDebugSink struct {
	Dir     string
	Quality int
}

// NewFileDebugSink builds a debug sink rooted at dir, creating it if needed.
func NewFileDebugSink(dir string) (*FileDebugSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug sink: %w", err)
	}
	return &FileDebugSink{Dir: dir, Quality: 90}, nil
}

// WriteFrame encodes img as JPEG to <id>.jpg under Dir.
func (s *FileDebugSink) WriteFrame(id uint64, img *image.RGBA) error {
	f, err := os.Create(filepath.Join(s.Dir, fmt.Sprintf("%d.jpg", id)))
	if err != nil {
		return fmt.Errorf("debug sink: %w", err)
	}
	defer f.Close()
	quality := s.Quality
	if quality <= 0 {
		quality = 90
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("debug sink: encode: %w", err)
	}
	return nil
}

// CheckpointStore is the optional persistence surface a Recorder writes
// incremental and final state to, when attached. An implementation lives
// in the checkpoint package; it is declared here (rather than imported)
// to keep pipeline decoupled from any one storage format.
type CheckpointStore interface {
	SaveRawFrame(f *pano.Frame) error
	SaveResult(result *pano.CorrespondenceResult) error
	SaveRingResult(r pano.RingStitchResult) error
	SaveFinal(result *pano.MultiRingResult) error
}

// Config configures a Recorder's graph, canvas, admission tolerance, and
// optional sinks.
type Config struct {
	Graph       *pano.RecorderGraph
	Canvas      pano.EquirectCanvas
	Tolerance   pano.Tolerance
	StrictOrder bool

	CloseAllRings bool
	UseFlow       bool
	RefineFocal   bool
	OutputScale   float64

	MaxAngularVelocityRadPerSec float64 // 0 disables the jump filter
	CorrespondenceQueueDepth    int     // default 8

	// Stereo derives the left/right eye pair each selected frame feeds into
	// its ring stitchers. Defaults to pano.IdentityStereoGenerator (both
	// eyes see the same mono frame) when nil, since the real ray-synthesis
	// warp is an external collaborator.
	Stereo pano.StereoPairGenerator

	Checkpoint CheckpointStore
	DebugSink  DebugSink
}

// Recorder is the external-facing entry point: push(frame) / finish() /
// cancel(), fanning each selected frame into a best-effort center-ring
// preview, a per-ring asynchronous stitcher, and the correspondence
// finder's asynchronous queue, then running the multi-ring compositor and
// global alignment on a single finalizer task once finish() is called.
type Recorder struct {
	cfg    Config
	jump   *pano.JumpFilter
	sel    *pano.Selector
	finder *pano.CorrespondenceFinder

	mu          sync.Mutex
	ringWorkers map[ringWorkerKey]*ringWorker
	corrWorker  *correspondenceWorker
	preview     *pano.RingStitcher
	wg          sync.WaitGroup

	cancelled atomic.Bool
	closing   atomic.Bool

	pretouch [][]byte // pre-touched page-sized allocations, §5 startup jitter mitigation
}

const recorderPageSize = 4096

// ringWorkerKey identifies one per-ring, per-eye asynchronous stitcher.
type ringWorkerKey struct {
	RingID int
	Eye    pano.Eye
}

// NewRecorder builds a Recorder ready to accept pushes against graph/canvas.
func NewRecorder(cfg Config) *Recorder {
	if cfg.CorrespondenceQueueDepth <= 0 {
		cfg.CorrespondenceQueueDepth = 8
	}
	if cfg.OutputScale <= 0 {
		cfg.OutputScale = 1
	}
	if cfg.Stereo == nil {
		cfg.Stereo = pano.IdentityStereoGenerator{}
	}

	r := &Recorder{
		cfg:         cfg,
		finder:      pano.NewCorrespondenceFinder(cfg.Graph, cfg.Canvas, cfg.CloseAllRings),
		ringWorkers: make(map[ringWorkerKey]*ringWorker),
	}
	if cfg.MaxAngularVelocityRadPerSec > 0 {
		r.jump = pano.NewJumpFilter(cfg.MaxAngularVelocityRadPerSec)
	}
	r.sel = pano.NewSelector(cfg.Graph, cfg.Tolerance, cfg.StrictOrder, r.onMatch)

	ringSize := 0
	if len(cfg.Graph.Rings) > 0 {
		ringSize = len(cfg.Graph.Rings[cfg.Graph.CenterRingIndex()].Points)
	}
	r.pretouchAllocations(ringSize + 20)

	r.corrWorker = newCorrespondenceWorker(cfg.CorrespondenceQueueDepth, r.finder, r.cancelled.Load)
	r.wg.Add(1)
	go r.corrWorker.run(&r.wg)

	return r
}

// pretouchAllocations touches n page-sized buffers up front so the first
// ring's allocations don't stall the capture loop.
func (r *Recorder) pretouchAllocations(n int) {
	r.pretouch = make([][]byte, n)
	for i := range r.pretouch {
		buf := make([]byte, recorderPageSize)
		buf[0] = 0
		r.pretouch[i] = buf
	}
}

// Push normalizes and admits one raw frame. Input validation failures
// (unsupported colorspace, size mismatch) are fatal and returned as-is;
// a rejected jump-filter frame or an unselected frame is dropped silently.
func (r *Recorder) Push(raw RawFrame) error {
	if r.cancelled.Load() || r.closing.Load() {
		return nil
	}

	frame, err := ConvertFrame(raw)
	if err != nil {
		return err
	}

	if r.jump != nil && !r.jump.Admit(frame.AdjustedPose, raw.Timestamp) {
		return nil
	}

	if r.cfg.DebugSink != nil {
		img, release, err := frame.Pixels.AutoLoad()
		if err != nil {
			return fmt.Errorf("recorder: debug sink load: %w", err)
		}
		if err := r.cfg.DebugSink.WriteFrame(frame.ID, img); err != nil {
			log.Printf("[PIPELINE] debug sink: %v", err)
		}
		release()
	}

	r.sel.Push(frame)
	return nil
}

// onMatch is the selector's admission callback: it tees the admitted frame
// into the center-ring preview (synchronous, best-effort), the async
// correspondence queue (mono, pre-stereo), and — via the configured
// StereoPairGenerator — the left/right ring-stitcher fan-out.
func (r *Recorder) onMatch(info pano.SelectionInfo) {
	f := info.Frame
	f.RingID = info.Point.RingID
	f.LocalID = info.Point.LocalID

	if r.cfg.Checkpoint != nil {
		if err := r.cfg.Checkpoint.SaveRawFrame(f); err != nil {
			log.Printf("[PIPELINE] checkpoint raw frame: %v", err)
		}
	}

	if info.Point.RingID == r.cfg.Graph.CenterRingIndex() {
		r.previewPush(f)
	}

	if r.cancelled.Load() {
		return
	}
	r.corrWorker.ch <- f

	left, right, err := r.cfg.Stereo.Generate(f)
	if err != nil {
		log.Printf("[PIPELINE] stereo pair generator: %v", err)
		return
	}
	r.ringWorkerFor(info.Point.RingID, left.Eye).ch <- left.Frame
	r.ringWorkerFor(info.Point.RingID, right.Eye).ch <- right.Frame
}

// previewPush feeds the center-ring preview stitcher synchronously,
// creating it lazily on first use. Errors are swallowed: the preview is
// best-effort and must never block or fail admission.
func (r *Recorder) previewPush(f *pano.Frame) {
	r.mu.Lock()
	if r.preview == nil {
		ring := r.cfg.Graph.Rings[r.cfg.Graph.CenterRingIndex()]
		roi := pano.RingCanvasROI(ring, r.cfg.Canvas)
		r.preview = pano.NewRingStitcher(r.cfg.Graph.CenterRingIndex(), pano.EyeLeft, r.cfg.Canvas, roi, false)
	}
	preview := r.preview
	r.mu.Unlock()

	if err := preview.Push(f); err != nil {
		log.Printf("[PIPELINE] preview stitcher: %v", err)
	}
}

// Guidance returns the selector's current guidance snapshot, for a
// telemetry publisher or UI layer to poll after each Push.
func (r *Recorder) Guidance() pano.Guidance {
	return r.sel.Status()
}

// ringWorkerFor returns (creating if necessary) the asynchronous worker
// for ringID/eye.
func (r *Recorder) ringWorkerFor(ringID int, eye pano.Eye) *ringWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ringWorkerKey{RingID: ringID, Eye: eye}
	if w, ok := r.ringWorkers[key]; ok {
		return w
	}
	ring := r.cfg.Graph.Rings[ringID]
	roi := pano.RingCanvasROI(ring, r.cfg.Canvas)
	w := newRingWorker(ringID, eye, r.cfg.Canvas, roi, r.cfg.UseFlow, r.cancelled.Load)
	r.ringWorkers[key] = w
	r.wg.Add(1)
	go w.run(&r.wg)
	return w
}

// Cancel sets the poisoning flag: Push becomes a no-op, and any work
// already queued in ring/correspondence workers is drained without being
// processed. finish() afterward still returns a valid, possibly empty,
// partial result.
func (r *Recorder) Cancel() {
	r.cancelled.Store(true)
}

// Result is the output of Finish: the left/right multi-ring composites
// (a nil entry in Composites means that eye's rings never closed a full
// circuit) plus the correspondence finder's final per-frame alignment
// bookkeeping.
type Result struct {
	Composites     map[pano.Eye]*pano.MultiRingResult
	Correspondence *pano.CorrespondenceResult
	Rings          []pano.RingStitchResult
}

// Finish stops admitting new frames, drains every worker, runs the
// finalizer task (global alignment solve, ring closure, multi-ring
// compositing), and returns the result. Idempotent: calling Finish twice
// returns the same (already drained) state without reprocessing.
func (r *Recorder) Finish() (*Result, error) {
	if !r.closing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("recorder: finish already called")
	}

	r.mu.Lock()
	close(r.corrWorker.ch)
	for _, w := range r.ringWorkers {
		close(w.ch)
	}
	workers := make([]*ringWorker, 0, len(r.ringWorkers))
	for _, w := range r.ringWorkers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	r.wg.Wait()

	corrResult, err := r.finder.Finalize(r.cfg.RefineFocal)
	if err != nil {
		return nil, fmt.Errorf("recorder: finalize: %w", err)
	}
	if r.cfg.Checkpoint != nil {
		if err := r.cfg.Checkpoint.SaveResult(corrResult); err != nil {
			log.Printf("[PIPELINE] checkpoint result: %v", err)
		}
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ringID < workers[j].ringID })

	ringResults := make([]pano.RingStitchResult, 0, len(workers))
	byEye := map[pano.Eye][]pano.RingStitchResult{}
	for _, w := range workers {
		rr := w.stitcher.Finalize()
		if rr.Img == nil {
			continue
		}
		ringResults = append(ringResults, rr)
		// Only rings whose every successor edge was recorded enter a composite.
		closed := true
		for _, p := range r.cfg.Graph.Rings[rr.RingID].Points {
			if e := r.cfg.Graph.Edges[p.GlobalID]; e == nil || !e.Recorded {
				closed = false
			}
		}
		if closed {
			byEye[rr.Eye] = append(byEye[rr.Eye], rr)
		}
		if r.cfg.Checkpoint != nil {
			if err := r.cfg.Checkpoint.SaveRingResult(rr); err != nil {
				log.Printf("[PIPELINE] checkpoint ring %d eye %d: %v", rr.RingID, rr.Eye, err)
			}
		}
	}

	composites := map[pano.Eye]*pano.MultiRingResult{}
	for _, eye := range []pano.Eye{pano.EyeLeft, pano.EyeRight} {
		rings := byEye[eye]
		if len(rings) == 0 {
			continue
		}
		composite, err := pano.StitchMultiRing(rings, r.cfg.Canvas, r.cfg.OutputScale)
		if err != nil {
			log.Printf("[PIPELINE] multi-ring composite eye %d: %v", eye, err)
			continue
		}
		composites[eye] = composite
		if r.cfg.Checkpoint != nil {
			if err := r.cfg.Checkpoint.SaveFinal(composite); err != nil {
				log.Printf("[PIPELINE] checkpoint final eye %d: %v", eye, err)
			}
		}
	}

	return &Result{Composites: composites, Correspondence: corrResult, Rings: ringResults}, nil
}
