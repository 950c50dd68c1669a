package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NMS performs greedy non-maximum suppression.
// Boxes are visited in order of descending confidence, and any box that overlaps an
// already kept box with IoU > iouThreshold is discarded. Boxes with equal confidence
// are visited in their input order, so the earlier one wins.
// If perClass is true, a box can only suppress boxes of the same class.
// The returned list is sorted by descending confidence.
func NMS(input []Detection, iouThreshold float32, perClass bool) []Detection {
	if len(input) == 0 {
		return []Detection{}
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	// rank[i] is the position of input[i] in the visiting order
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	kept := make([]Detection, 0, len(input))
	nearby := []int{}

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep := &input[i]
		kept = append(kept, *keep)
		box := keep.Box
		nearby = fb.SearchFast(int32(box.X), int32(box.Y), int32(box.X2()), int32(box.Y2()), nearby)
		for _, j := range nearby {
			// Only boxes that come later in the visiting order can be suppressed by 'keep'.
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if perClass && input[j].Class != keep.Class {
				continue
			}
			if box.IOU(input[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}
