package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/calib"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/obstacle"
	"github.com/cyclopcam/obstacled/pkg/perfstats"
	"github.com/cyclopcam/obstacled/server/log"
	serverperf "github.com/cyclopcam/obstacled/server/perfstats"
)

// monitor runs the detector and the obstacle projector on the frames of our camera

var ErrClosed = errors.New("monitor is closed")
var ErrNoDetector = errors.New("no detector configured")
var ErrFramePanic = errors.New("frame processing panicked")

// Number of frames that may wait for the worker
const QueueSize = 4

// Minimum interval between repeated frame errors in the log
const ErrorLogInterval = 15 * time.Second

type Monitor struct {
	Log       logs.Log
	detector  nn.Detector // May be nil, in which case only raw tensors can be submitted
	projector *obstacle.Projector

	queue         chan *job
	closed        chan struct{}
	closeOnce     sync.Once
	looperStopped chan bool // Closed when the worker has exited
	errThrottle   *log.Throttle

	watchersLock sync.RWMutex
	watchers     []chan *obstacle.FrameResult

	statsLock         sync.Mutex
	latest            *obstacle.FrameResult
	obstaclesPerFrame perfstats.Int64Accumulator
	frameTime         perfstats.TimeAccumulator
	framesProcessed   atomic.Int64
	framesFailed      atomic.Int64
	detectionsDropped atomic.Int64
}

type jobResult struct {
	result *obstacle.FrameResult
	err    error
}

// A frame waiting to be processed
type job struct {
	ctx   context.Context
	frame *obstacle.Frame
	raw   *nn.RawTensor // If nil, the detector is run on frame.Image
	done  chan jobResult
}

// Stats is a summary of the monitor's work so far
type Stats struct {
	FramesProcessed   int64               `json:"framesProcessed"`
	FramesFailed      int64               `json:"framesFailed"`
	DetectionsDropped int64               `json:"detectionsDropped"`
	ObstaclesPerFrame float64             `json:"obstaclesPerFrame"`
	AvgFrameMS        float64             `json:"avgFrameMS"`
	MaxFrameMS        float64             `json:"maxFrameMS"`
	PoseUpdates       int64               `json:"poseUpdates"`
	Calibration       string              `json:"calibration"`
	Perf              serverperf.Snapshot `json:"perf"`
}

// NewMonitor starts the frame worker.
// detector may be nil.
func NewMonitor(logger logs.Log, detector nn.Detector, projector *obstacle.Projector) *Monitor {
	m := &Monitor{
		Log:           log.NewPrefixLogger(logger, "Monitor"),
		detector:      detector,
		projector:     projector,
		queue:         make(chan *job, QueueSize),
		closed:        make(chan struct{}),
		looperStopped: make(chan bool),
		errThrottle:   log.NewThrottle(ErrorLogInterval),
	}
	go m.loop()
	return m
}

// Close the monitor object.
// Frames that are waiting in the queue fail with ErrClosed.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.Log.Infof("Shutting down")
		close(m.closed)
		<-m.looperStopped
		if m.detector != nil {
			m.detector.Close()
		}
		m.watchersLock.Lock()
		for _, ch := range m.watchers {
			close(ch)
		}
		m.watchers = nil
		m.watchersLock.Unlock()
		m.Log.Infof("Closed")
	})
}

// HasDetector returns true if SubmitFrame can run the detector
func (m *Monitor) HasDetector() bool {
	return m.detector != nil
}

// SubmitFrame runs the detector on the frame's image, projects the detections,
// and waits for the result.
func (m *Monitor) SubmitFrame(ctx context.Context, frame *obstacle.Frame) (*obstacle.FrameResult, error) {
	if m.detector == nil {
		return nil, ErrNoDetector
	}
	return m.submit(ctx, frame, nil)
}

// SubmitTensor projects detections that were produced by an external detector.
// frame.Image may be nil, but frame.Width and frame.Height must be the size of the
// original image.
func (m *Monitor) SubmitTensor(ctx context.Context, frame *obstacle.Frame, raw *nn.RawTensor) (*obstacle.FrameResult, error) {
	return m.submit(ctx, frame, raw)
}

func (m *Monitor) submit(ctx context.Context, frame *obstacle.Frame, raw *nn.RawTensor) (*obstacle.FrameResult, error) {
	j := &job{
		ctx:   ctx,
		frame: frame,
		raw:   raw,
		done:  make(chan jobResult, 1),
	}
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case m.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrClosed
	}
	select {
	case r := <-j.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.looperStopped:
		// The worker may have answered just before it exited
		select {
		case r := <-j.done:
			return r.result, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Latest returns the result of the most recent successful frame, or nil
func (m *Monitor) Latest() *obstacle.FrameResult {
	m.statsLock.Lock()
	defer m.statsLock.Unlock()
	return m.latest
}

func (m *Monitor) Stats() Stats {
	m.statsLock.Lock()
	s := Stats{
		ObstaclesPerFrame: m.obstaclesPerFrame.Average(),
		AvgFrameMS:        float64(m.frameTime.Average().Nanoseconds()) / 1e6,
		MaxFrameMS:        float64(m.frameTime.Max.Nanoseconds()) / 1e6,
	}
	m.statsLock.Unlock()
	s.FramesProcessed = m.framesProcessed.Load()
	s.FramesFailed = m.framesFailed.Load()
	s.DetectionsDropped = m.detectionsDropped.Load()
	s.PoseUpdates = m.projector.Poses.Updates()
	s.Calibration = m.projector.Calibrator.State().String()
	s.Perf = serverperf.Stats.Snapshot()
	return s
}

// Loop runs until Close()
func (m *Monitor) loop() {
	for {
		select {
		case <-m.closed:
			m.drain()
			close(m.looperStopped)
			return
		case j := <-m.queue:
			if j.ctx.Err() != nil {
				// Caller has given up
				continue
			}
			result, err := m.process(j)
			j.done <- jobResult{result, err}
		}
	}
}

// Fail every job that is still waiting in the queue
func (m *Monitor) drain() {
	for {
		select {
		case j := <-m.queue:
			j.done <- jobResult{nil, ErrClosed}
		default:
			return
		}
	}
}

// A panic while processing fails only that frame
func (m *Monitor) process(j *job) (result *obstacle.FrameResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrFramePanic, rec)
			m.frameFailed(err)
		}
	}()
	return m.processFrame(j)
}

func (m *Monitor) processFrame(j *job) (*obstacle.FrameResult, error) {
	start := time.Now()
	raw := j.raw
	if raw == nil {
		detectStart := time.Now()
		var err error
		raw, err = m.detector.Detect(j.ctx, j.frame.Image)
		serverperf.UpdateSince(&serverperf.Stats.Detect_Nanoseconds, detectStart)
		if err != nil {
			m.frameFailed(err)
			return nil, err
		}
	}

	projectStart := time.Now()
	result, err := m.projector.Project(j.frame, raw)
	serverperf.UpdateSince(&serverperf.Stats.Project_Nanoseconds, projectStart)
	if err != nil {
		m.frameFailed(err)
		return nil, err
	}

	result.SetStamp(time.Now())

	m.framesProcessed.Add(1)
	m.detectionsDropped.Add(int64(result.Dropped))
	m.statsLock.Lock()
	m.latest = result
	m.obstaclesPerFrame.AddSample(int64(len(result.Obstacles)))
	m.frameTime.AddSince(start)
	m.statsLock.Unlock()

	m.sendToWatchers(result)
	return result, nil
}

func (m *Monitor) frameFailed(err error) {
	m.framesFailed.Add(1)
	m.errThrottle.Errorf(m.Log, "Frame failed: %v", err)
}

// PoseStore exposes the pose store, so that pose updates can be delivered straight to it.
// Pose updates never go through the frame queue.
func (m *Monitor) PoseStore() *calib.PoseStore {
	return m.projector.Poses
}
