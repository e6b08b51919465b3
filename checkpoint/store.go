// Package checkpoint persists a recording session's incremental and final
// state to a run directory, so a crashed or resumed recorder can recover
// raw frames, ring composites, and the final stitched result.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/bmp"

	"github.com/dscvr/panostitch/pano"
)

// Store writes one run's persisted state under a single root directory:
// raw_images/<id>.bmp+.json per accepted frame, rings.json/exposure.json/
// offsets.json from the correspondence finder's result, rings/ring_<n>.*
// per finalized ring, and optograph/result.* for the final composite.
type Store struct {
	root string
}

// NewStore creates (if needed) and returns a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"raw_images", "rings", "optograph"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: creating %s: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

// rawFrameMeta is the raw_images/<id>.json schema.
type rawFrameMeta struct {
	ID                 uint64     `json:"id"`
	Width              int        `json:"width"`
	Height             int        `json:"height"`
	Intrinsics         [9]float64 `json:"intrinsics"`
	AdjustedExtrinsics [16]float64 `json:"adjustedExtrinsics"`
	OriginalExtrinsics [16]float64 `json:"originalExtrinsics"`
}

func writeBMP(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	if err := bmp.Encode(f, img); err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

// SaveRawFrame writes one accepted frame's pixel buffer and pose metadata.
func (s *Store) SaveRawFrame(f *pano.Frame) error {
	img, release, err := f.Pixels.AutoLoad()
	if err != nil {
		return fmt.Errorf("checkpoint: raw frame %d: %w", f.ID, err)
	}
	defer release()

	b := img.Bounds()
	base := filepath.Join(s.root, "raw_images", fmt.Sprintf("%d", f.ID))
	if err := writeBMP(base+".bmp", img); err != nil {
		return err
	}

	meta := rawFrameMeta{
		ID:                 f.ID,
		Width:              b.Dx(),
		Height:             b.Dy(),
		Intrinsics:         [9]float64(f.Intrinsics),
		AdjustedExtrinsics: [16]float64(f.AdjustedPose),
		OriginalExtrinsics: [16]float64(f.OriginalPose),
	}
	return writeJSON(base+".json", meta)
}

// SaveResult writes rings.json, exposure.json, and offsets.json from the
// correspondence finder's finalize output.
func (s *Store) SaveResult(result *pano.CorrespondenceResult) error {
	ringIDs := make([]int, 0, len(result.Rings))
	for id := range result.Rings {
		ringIDs = append(ringIDs, id)
	}
	sort.Ints(ringIDs)

	ringsOut := struct {
		Rings [][]uint64 `json:"rings"`
	}{}
	for _, id := range ringIDs {
		frames := append([]*pano.Frame(nil), result.Rings[id]...)
		sort.Slice(frames, func(i, j int) bool { return frames[i].LocalID < frames[j].LocalID })
		ids := make([]uint64, len(frames))
		for i, f := range frames {
			ids[i] = f.ID
		}
		ringsOut.Rings = append(ringsOut.Rings, ids)
	}
	if err := writeJSON(filepath.Join(s.root, "rings.json"), ringsOut); err != nil {
		return err
	}

	gainIDs := make([]int, 0, len(result.Gains))
	for id := range result.Gains {
		gainIDs = append(gainIDs, id)
	}
	sort.Ints(gainIDs)
	exposureOut := struct {
		Exposure []struct {
			ID int     `json:"id"`
			E  float64 `json:"e"`
		} `json:"exposure"`
	}{}
	for _, id := range gainIDs {
		exposureOut.Exposure = append(exposureOut.Exposure, struct {
			ID int     `json:"id"`
			E  float64 `json:"e"`
		}{ID: id, E: result.Gains[id]})
	}
	if err := writeJSON(filepath.Join(s.root, "exposure.json"), exposureOut); err != nil {
		return err
	}

	type offsetKey struct{ from, to uint64 }
	keys := make([]offsetKey, 0, len(result.Offsets))
	for k := range result.Offsets {
		keys = append(keys, offsetKey{k[0], k[1]})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	offsetsOut := struct {
		Offsets []int `json:"offsets"`
	}{}
	for _, k := range keys {
		p := result.Offsets[[2]uint64{k.from, k.to}]
		offsetsOut.Offsets = append(offsetsOut.Offsets, p.Y)
	}
	return writeJSON(filepath.Join(s.root, "offsets.json"), offsetsOut)
}

// ringData is the shared schema for a ring's .data.json and the final
// composite's optograph/result.data.json.
type ringData struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	ID     int  `json:"id"`
	Seamed bool `json:"seamed"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

// eyeSuffix names a per-eye checkpoint file: empty for left (the spec's
// literal single-eye schema), "_r" for right, so a mono run's layout is
// unchanged while a stereo run keeps both eyes' files distinct.
func eyeSuffix(eye pano.Eye) string {
	if eye == pano.EyeRight {
		return "_r"
	}
	return ""
}

// SaveRingResult writes rings/ring_<n>[_r].image.bmp, .mask.bmp, and
// .data.json for one finalized ring.
func (s *Store) SaveRingResult(r pano.RingStitchResult) error {
	if r.Img == nil {
		return nil
	}
	base := filepath.Join(s.root, "rings", fmt.Sprintf("ring_%d%s", r.RingID, eyeSuffix(r.Eye)))
	if err := writeBMP(base+".image.bmp", r.Img); err != nil {
		return err
	}
	if err := writeBMP(base+".mask.bmp", r.Mask); err != nil {
		return err
	}
	b := r.Img.Bounds()
	data := ringData{X: r.Corner.X, Y: r.Corner.Y, ID: r.RingID, Seamed: r.Seamed, Width: b.Dx(), Height: b.Dy()}
	return writeJSON(base+".data.json", data)
}

// SaveFinal writes optograph/result[_r].image.bmp, .mask.bmp, and
// .data.json for the final multi-ring composite.
func (s *Store) SaveFinal(result *pano.MultiRingResult) error {
	base := filepath.Join(s.root, "optograph", "result"+eyeSuffix(result.Eye))
	if err := writeBMP(base+".image.bmp", result.Img); err != nil {
		return err
	}
	if err := writeBMP(base+".mask.bmp", result.Mask); err != nil {
		return err
	}
	b := result.Img.Bounds()
	data := ringData{X: 0, Y: 0, ID: 0, Seamed: true, Width: b.Dx(), Height: b.Dy()}
	return writeJSON(base+".data.json", data)
}

// LoadRawFrames reconstructs every persisted raw_images/<id> entry back
// into a Frame, restoring OriginalPose from the saved original extrinsics
// and AdjustedPose from the saved adjusted extrinsics, for resuming a session against an existing run
// directory. A missing raw_images directory is a fatal error, per the
// "missing data file on load" taxonomy.
func LoadRawFrames(dir string) ([]*pano.Frame, error) {
	rawDir := filepath.Join(dir, "raw_images")
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load raw frames: %w", err)
	}

	var frames []*pano.Frame
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		metaPath := filepath.Join(rawDir, e.Name())
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: load %s: %w", metaPath, err)
		}
		var meta rawFrameMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("checkpoint: parse %s: %w", metaPath, err)
		}

		imgPath := filepath.Join(rawDir, fmt.Sprintf("%d.bmp", meta.ID))
		f := &pano.Frame{
			ID:           meta.ID,
			Pixels:       pano.NewLazyPixelBuffer(bmpLoader(imgPath)),
			OriginalPose: pano.Mat4(meta.OriginalExtrinsics),
			AdjustedPose: pano.Mat4(meta.AdjustedExtrinsics),
			Intrinsics:   pano.Mat3(meta.Intrinsics),
			RingID:       -1,
			LocalID:      -1,
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// bmpLoader returns a PixelBuffer loader that decodes path on first use.
func bmpLoader(path string) func() (*image.RGBA, error) {
	return func() (*image.RGBA, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
		}
		defer f.Close()
		img, err := bmp.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
		}
		rgba, ok := img.(*image.RGBA)
		if ok {
			return rgba, nil
		}
		b := img.Bounds()
		out := image.NewRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out.Set(x, y, img.At(x, y))
			}
		}
		return out, nil
	}
}
