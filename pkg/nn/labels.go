package nn

// Detection is an object that survived thresholding and non-maximum suppression.
// Box and Centroid are in the pixel space of the original image.
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"` // Box confidence
	Score      float32 `json:"score"`      // Best class score
	Box        Rect    `json:"box"`
	Centroid   Point   `json:"centroid"`
}
