// Package visualize draws detections onto their frame, for humans to look at.
package visualize

import (
	"bytes"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/fogleman/gg"
)

// Renderer keeps the most recent annotated frame, encoded as PNG
type Renderer struct {
	Log   logs.Log
	Model *nn.ModelConfig

	lock     sync.Mutex
	latest   []byte
	latestAt time.Time
	frames   int64
}

func NewRenderer(log logs.Log, model *nn.ModelConfig) *Renderer {
	return &Renderer{
		Log:   log,
		Model: model,
	}
}

// Visualize implements obstacle.Visualizer
func (r *Renderer) Visualize(frame *obstacle.Frame, detections []nn.Detection, obstacles []obstacle.Obstacle) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return
	}
	dc := Draw(frame, detections, obstacles, r.Model)
	buf := &bytes.Buffer{}
	if err := dc.EncodePNG(buf); err != nil {
		r.Log.Errorf("Failed to encode annotated image: %v", err)
		return
	}
	r.lock.Lock()
	r.latest = buf.Bytes()
	r.latestAt = time.Now()
	r.frames++
	r.lock.Unlock()
}

// Latest returns the most recent annotated image as PNG, or nil if there is none yet
func (r *Renderer) Latest() ([]byte, time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.latest, r.latestAt
}

// Frames returns the number of frames that have been drawn
func (r *Renderer) Frames() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.frames
}

var palette = []color.RGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{146, 204, 23, 255},
	{61, 219, 134, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
}

// ClassColor returns a stable color for a class
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Draw renders the frame with a box and label for every detection.
// If the frame has no image, the boxes are drawn on black.
// Obstacles are matched to detections by centroid, and their forward distance is added to the label.
func Draw(frame *obstacle.Frame, detections []nn.Detection, obstacles []obstacle.Obstacle, model *nn.ModelConfig) *gg.Context {
	dc := gg.NewContext(frame.Width, frame.Height)
	dc.SetColor(color.Black)
	dc.Clear()
	if frame.Image != nil {
		b := frame.Image.Bounds()
		dc.DrawImage(frame.Image, -b.Min.X, -b.Min.Y)
	}

	depth := map[nn.Point]float64{}
	for _, ob := range obstacles {
		depth[ob.Centroid] = ob.CameraPosition.Y
	}

	dc.SetLineWidth(2)
	for _, d := range detections {
		col := ClassColor(d.Class)
		dc.SetColor(col)
		dc.DrawRectangle(float64(d.Box.X), float64(d.Box.Y), float64(d.Box.Width), float64(d.Box.Height))
		dc.Stroke()
		dc.DrawCircle(float64(d.Centroid.X), float64(d.Centroid.Y), 3)
		dc.Fill()

		label := fmt.Sprintf("%v %.2f", model.ClassName(d.Class), d.Confidence)
		if z, ok := depth[d.Centroid]; ok {
			label += fmt.Sprintf(" %.1fm", z)
		}
		drawLabel(dc, label, col, d.Box)
	}
	return dc
}

func drawLabel(dc *gg.Context, label string, background color.RGBA, box nn.Rect) {
	w, h := dc.MeasureString(label)
	x := float64(box.X)
	y := float64(box.Y) - h - 4
	if y < 0 {
		// No room above the box, so draw inside it
		y = float64(box.Y)
	}
	dc.SetColor(background)
	dc.DrawRectangle(x, y, w+4, h+4)
	dc.Fill()
	dc.SetColor(color.White)
	dc.DrawStringAnchored(label, x+2, y+2, 0, 1)
}
