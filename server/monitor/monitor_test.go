package monitor

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/camgeom"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/stretchr/testify/require"
)

type dummyDetector struct {
	ModelConfig nn.ModelConfig
	Output      *nn.RawTensor
	Err         error
	closed      bool
}

func (d *dummyDetector) Close() {
	d.closed = true
}

func (d *dummyDetector) Detect(ctx context.Context, img image.Image) (*nn.RawTensor, error) {
	return d.Output, d.Err
}

func (d *dummyDetector) Config() *nn.ModelConfig {
	return &d.ModelConfig
}

func personTensor() *nn.RawTensor {
	row := make([]float32, nn.RowHeaderSize+len(nn.COCOClasses))
	row[nn.RowCX] = 320
	row[nn.RowCY] = 400
	row[nn.RowWidth] = 80
	row[nn.RowHeight] = 160
	row[nn.RowConfidence] = 0.9
	row[nn.RowHeaderSize+nn.COCOPerson] = 0.8
	raw := &nn.RawTensor{}
	raw.AddRow(row...)
	return raw
}

func testMonitor(t *testing.T, detector nn.Detector) *Monitor {
	logger := logs.NewTestingLog(t)
	calibrator, err := calib.NewCalibrator(logger, math.Pi/2, camgeom.DefaultMount(), true)
	require.NoError(t, err)
	model := nn.DefaultModelConfig()
	projector := obstacle.NewProjector(logger, "camera1", nn.NewFilter(nn.NewDetectionParams(), model), calibrator,
		calib.NewPoseStore(calib.DefaultParentFrame, calib.DefaultChildFrame))
	m := NewMonitor(logger, detector, projector)
	t.Cleanup(m.Close)
	return m
}

func TestSubmitFrame(t *testing.T) {
	detector := &dummyDetector{ModelConfig: *nn.DefaultModelConfig(), Output: personTensor()}
	m := testMonitor(t, detector)
	watcher := m.AddWatcher()

	img := image.NewRGBA(image.Rect(0, 0, 640, 640))
	result, err := m.SubmitFrame(context.Background(), obstacle.NewFrame(img, time.Now()))
	require.NoError(t, err)
	require.Len(t, result.Obstacles, 1)
	require.Equal(t, "person", result.Obstacles[0].Class)
	require.False(t, result.Stamp.IsZero())
	require.Equal(t, result.Stamp, result.Obstacles[0].Stamp)

	select {
	case got := <-watcher:
		require.Same(t, result, got)
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not receive the frame")
	}
	require.Same(t, result, m.Latest())

	stats := m.Stats()
	require.EqualValues(t, 1, stats.FramesProcessed)
	require.EqualValues(t, 0, stats.FramesFailed)
	require.Equal(t, 1.0, stats.ObstaclesPerFrame)
	require.Equal(t, "calibrated", stats.Calibration)

	m.RemoveWatcher(watcher)
	m.Close()
	require.True(t, detector.closed)
}

func TestSubmitTensor(t *testing.T) {
	m := testMonitor(t, nil)
	require.False(t, m.HasDetector())

	_, err := m.SubmitFrame(context.Background(), &obstacle.Frame{Width: 640, Height: 640})
	require.ErrorIs(t, err, ErrNoDetector)

	result, err := m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 640}, personTensor())
	require.NoError(t, err)
	require.Len(t, result.Obstacles, 1)
	require.Same(t, result, m.Latest())
}

func TestFrameFailures(t *testing.T) {
	detector := &dummyDetector{ModelConfig: *nn.DefaultModelConfig(), Err: errors.New("accelerator on fire")}
	m := testMonitor(t, detector)

	_, err := m.SubmitFrame(context.Background(), &obstacle.Frame{Width: 640, Height: 480})
	require.ErrorContains(t, err, "on fire")

	bad := &nn.RawTensor{}
	bad.AddRow(1, 2, 3, 4, 5, 6)
	_, err = m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 480}, bad)
	require.ErrorIs(t, err, nn.ErrShapeMismatch)

	// A failed frame does not stop the next one
	result, err := m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 480}, personTensor())
	require.NoError(t, err)
	require.NotNil(t, result)

	stats := m.Stats()
	require.EqualValues(t, 2, stats.FramesFailed)
	require.EqualValues(t, 1, stats.FramesProcessed)
}

type panicDetector struct {
	dummyDetector
}

func (d *panicDetector) Detect(ctx context.Context, img image.Image) (*nn.RawTensor, error) {
	panic("tensor buffer exhausted")
}

func TestFramePanic(t *testing.T) {
	m := testMonitor(t, &panicDetector{dummyDetector{ModelConfig: *nn.DefaultModelConfig()}})

	_, err := m.SubmitFrame(context.Background(), &obstacle.Frame{Width: 640, Height: 480})
	require.ErrorIs(t, err, ErrFramePanic)

	// The worker survives, and serves the next frame
	result, err := m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 480}, personTensor())
	require.NoError(t, err)
	require.NotNil(t, result)

	stats := m.Stats()
	require.EqualValues(t, 1, stats.FramesFailed)
	require.EqualValues(t, 1, stats.FramesProcessed)
}

func TestSubmitAfterClose(t *testing.T) {
	m := testMonitor(t, nil)
	m.Close()
	_, err := m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 480}, personTensor())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubmitCancelled(t *testing.T) {
	m := testMonitor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.SubmitTensor(ctx, &obstacle.Frame{Width: 640, Height: 480}, personTensor())
	// Depending on timing, the job either never enters the queue, or is skipped by the worker
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoseUpdatesDuringFrames(t *testing.T) {
	m := testMonitor(t, nil)
	poses := m.PoseStore()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			poses.Update(calib.Transform{
				ParentFrame: calib.DefaultParentFrame,
				ChildFrame:  calib.DefaultChildFrame,
				Translation: calib.Vector3{X: float64(i), Y: float64(i)},
				Rotation:    calib.Quaternion{W: 1},
			})
		}
	}()

	for i := 0; i < 50; i++ {
		result, err := m.SubmitTensor(context.Background(), &obstacle.Frame{Width: 640, Height: 640}, personTensor())
		require.NoError(t, err)
		require.Len(t, result.Obstacles, 1)
		ob := result.Obstacles[0]
		// Translation X and Y were always written together, so the frame must see a consistent pair
		require.InDelta(t, ob.Position.X-ob.CameraPosition.X, ob.Position.Y-ob.CameraPosition.Y, 1e-9)
	}
	wg.Wait()
	require.EqualValues(t, 200, m.Stats().PoseUpdates)
}
