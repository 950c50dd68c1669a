package nn

import (
	"errors"
	"fmt"
)

// Each row of network output starts with cx, cy, w, h, box_confidence,
// followed by one score per class.
const RowHeaderSize = 5

const (
	RowCX = iota
	RowCY
	RowWidth
	RowHeight
	RowConfidence
)

var ErrShapeMismatch = errors.New("raw tensor shape mismatch")

// RawTensor is the output of a YOLOv5 style detector.
// It holds Rows candidate detections, each of Cols values, in row-major order.
// Coordinates are in network-input pixels.
type RawTensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

// NewRawTensor creates a zero-filled tensor
func NewRawTensor(rows, cols int) *RawTensor {
	return &RawTensor{
		Rows: rows,
		Cols: cols,
		Data: make([]float32, rows*cols),
	}
}

// Row returns row i as a slice into Data
func (t *RawTensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// AddRow appends a row.
// This is mostly useful for building tensors in tests and tools.
func (t *RawTensor) AddRow(row ...float32) {
	if t.Cols == 0 {
		t.Cols = len(row)
	}
	t.Data = append(t.Data, row...)
	t.Rows++
}

// CheckShape returns ErrShapeMismatch if the tensor is not laid out for numClasses
// An empty tensor has no rows to mismatch, so it always passes.
func (t *RawTensor) CheckShape(numClasses int) error {
	if t.Rows == 0 && len(t.Data) == 0 {
		return nil
	}
	if t.Cols != RowHeaderSize+numClasses {
		return fmt.Errorf("%w: row width is %v, but %v classes need %v", ErrShapeMismatch, t.Cols, numClasses, RowHeaderSize+numClasses)
	}
	// Rows comes off the wire, so Rows*Cols can overflow
	if t.Cols <= 0 || t.Rows < 0 || len(t.Data)%t.Cols != 0 || t.Rows != len(t.Data)/t.Cols {
		return fmt.Errorf("%w: %v values for %v x %v", ErrShapeMismatch, len(t.Data), t.Rows, t.Cols)
	}
	return nil
}
