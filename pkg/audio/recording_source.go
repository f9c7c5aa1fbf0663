package audio

import (
	"context"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// RecordingSource wraps an AudioSource and tees every frame into a
// DebugRecorder, for the host's optional -debug-wav diagnostic mode
// (§12). It passes Start/Stop/DroppedFrames straight through.
type RecordingSource struct {
	inner    engine.AudioSource
	recorder *DebugRecorder
	out      chan []int16
}

func NewRecordingSource(inner engine.AudioSource, recorder *DebugRecorder) *RecordingSource {
	return &RecordingSource{inner: inner, recorder: recorder, out: make(chan []int16, queueDepth)}
}

func (s *RecordingSource) Start(ctx context.Context) error {
	if err := s.inner.Start(ctx); err != nil {
		return err
	}
	go s.relay(ctx)
	return nil
}

func (s *RecordingSource) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.inner.Frames():
			if !ok {
				return
			}
			s.recorder.Write(frame)
			select {
			case s.out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *RecordingSource) Stop() error { return s.inner.Stop() }

func (s *RecordingSource) Frames() <-chan []int16 { return s.out }

func (s *RecordingSource) DroppedFrames() uint64 { return s.inner.DroppedFrames() }

var _ engine.AudioSource = (*RecordingSource)(nil)
