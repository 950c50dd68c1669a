package nn

import (
	"github.com/chewxy/math32"
)

// Filter turns the raw output of a detector into a final list of detections.
//
// The steps are:
//  1. Drop rows whose box confidence is below ConfidenceThreshold
//  2. Pick the best class, and drop rows whose best class score is below ScoreThreshold
//  3. Map the box from network space back to the original image (undoing the letterbox),
//     and clip it to the image
//  4. Non-maximum suppression
//  5. Compute the centroid of each surviving box
type Filter struct {
	Params DetectionParams
	Model  *ModelConfig
}

func NewFilter(params *DetectionParams, model *ModelConfig) *Filter {
	return &Filter{
		Params: *params,
		Model:  model,
	}
}

// Filter returns the final detections for an image of the given size, sorted by
// descending confidence.
// Returns ErrShapeMismatch if raw is not laid out for the model's classes.
func (f *Filter) Filter(raw *RawTensor, imageWidth, imageHeight int) ([]Detection, error) {
	if err := raw.CheckShape(len(f.Model.Classes)); err != nil {
		return nil, err
	}

	xform := LetterboxTransform(imageWidth, imageHeight, f.Model.Width, f.Model.Height)
	bounds := Rect{X: 0, Y: 0, Width: imageWidth, Height: imageHeight}

	candidates := []Detection{}
	for i := 0; i < raw.Rows; i++ {
		row := raw.Row(i)

		confidence := row[RowConfidence]
		if !isFinite(confidence) || confidence < f.Params.ConfidenceThreshold {
			continue
		}

		class, score := bestClass(row[RowHeaderSize:])
		if class < 0 || !isFinite(score) || score < f.Params.ScoreThreshold {
			continue
		}

		cx, cy := xform.Unapply(row[RowCX], row[RowCY])
		w, h := xform.UnapplySize(row[RowWidth], row[RowHeight])
		if !validCoordinate(cx) || !validCoordinate(cy) || !validCoordinate(w) || !validCoordinate(h) {
			continue
		}

		box := Rect{
			X:      int(cx - 0.5*w),
			Y:      int(cy - 0.5*h),
			Width:  int(w),
			Height: int(h),
		}
		box = box.Intersection(bounds)
		if box.Empty() {
			continue
		}

		candidates = append(candidates, Detection{
			Class:      class,
			Confidence: confidence,
			Score:      score,
			Box:        box,
		})
	}

	final := NMS(candidates, f.Params.NmsIouThreshold, f.Params.PerClassNMS)
	for i := range final {
		final[i].Centroid = final[i].Box.Center()
	}
	return final, nil
}

// Returns the index and value of the highest score. The first index wins ties.
// NaN scores are ignored, and -1 is returned if there are no valid scores.
func bestClass(scores []float32) (int, float32) {
	best := -1
	bestScore := float32(0)
	for i, s := range scores {
		if math32.IsNaN(s) {
			continue
		}
		if best == -1 || s > bestScore {
			best = i
			bestScore = s
		}
	}
	return best, bestScore
}

// Coordinates beyond this are garbage, and would overflow when converted to int
const maxCoordinate = 1 << 24

func validCoordinate(v float32) bool {
	return isFinite(v) && math32.Abs(v) < maxCoordinate
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
