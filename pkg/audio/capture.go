package audio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

const (
	sampleRate  = 16000
	frameSamples = 800 // ~50ms at 16kHz mono
	queueDepth  = 20   // ~1s of audio, per the engine's resource model
)

// MalgoSource is the default-input-device AudioSource (C1), built on
// gen2brain/malgo the same way the teacher's cmd/agent wires its duplex
// device: a data callback accumulating raw capture bytes into
// fixed-size frames, pushed through a bounded queue that drops the
// oldest frame under backpressure rather than blocking the real-time
// capture callback.
type MalgoSource struct {
	deviceIndex int // -1 selects the default input device

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool

	frames  chan []int16
	dropped uint64

	pending []int16 // partial-frame accumulation across callback invocations
}

// NewMalgoSource constructs a source over the default input device.
func NewMalgoSource() *MalgoSource {
	return &MalgoSource{deviceIndex: -1, frames: make(chan []int16, queueDepth)}
}

func (s *MalgoSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return &engine.EngineError{Kind: engine.ErrKindDeviceUnavailable, Err: err}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return &engine.EngineError{Kind: engine.ErrKindDeviceUnavailable, Err: err}
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return &engine.EngineError{Kind: engine.ErrKindPermissionDenied, Err: err}
	}

	s.ctx = mctx
	s.device = device
	s.started = true

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	return nil
}

// onSamples is the malgo data callback: real-time priority, must never
// block on engine state (§5). It only appends to a local slice and
// performs a bounded, non-blocking channel send.
func (s *MalgoSource) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if len(pInput) == 0 {
		return
	}
	s.pending = append(s.pending, bytesToS16(pInput)...)
	for len(s.pending) >= frameSamples {
		frame := make([]int16, frameSamples)
		copy(frame, s.pending[:frameSamples])
		s.pending = s.pending[frameSamples:]
		s.enqueue(frame)
	}
}

// enqueue implements the drop-oldest backpressure policy (§4.1, §5).
func (s *MalgoSource) enqueue(frame []int16) {
	select {
	case s.frames <- frame:
		return
	default:
	}
	select {
	case <-s.frames:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}
	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func bytesToS16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Stop releases the device. Idempotent (§4.1).
func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		s.ctx.Uninit()
		s.ctx = nil
	}
	return nil
}

func (s *MalgoSource) Frames() <-chan []int16 {
	return s.frames
}

func (s *MalgoSource) DroppedFrames() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

var _ engine.AudioSource = (*MalgoSource)(nil)
