package audio

import (
	"context"
	"time"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// defaultSilenceThreshold and defaultSilenceLimit tune MonitoredSource's
// built-in SilenceMonitor. They favor not nagging the user: a single
// sentence pause shouldn't warn, but a muted or unplugged microphone
// should.
const (
	defaultSilenceThreshold = 0.01
	defaultSilenceLimit     = 20 * time.Second
)

// MonitoredSource wraps an AudioSource with a SilenceMonitor and invokes
// onSustainedSilence at most once per silence episode. It is always on
// (unlike RecordingSource's -debug-wav gating) because the warning is
// cheap to compute and useful in every run, not just diagnostic ones.
type MonitoredSource struct {
	inner   engine.AudioSource
	monitor *SilenceMonitor
	onWarn  func()
	out     chan []int16
}

func NewMonitoredSource(inner engine.AudioSource, onSustainedSilence func()) *MonitoredSource {
	return &MonitoredSource{
		inner:   inner,
		monitor: NewSilenceMonitor(defaultSilenceThreshold, defaultSilenceLimit),
		onWarn:  onSustainedSilence,
		out:     make(chan []int16, queueDepth),
	}
}

func (s *MonitoredSource) Start(ctx context.Context) error {
	if err := s.inner.Start(ctx); err != nil {
		return err
	}
	go s.relay(ctx)
	return nil
}

func (s *MonitoredSource) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.inner.Frames():
			if !ok {
				return
			}
			if s.monitor.Observe(frame, time.Now()) && s.onWarn != nil {
				s.onWarn()
			}
			select {
			case s.out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *MonitoredSource) Stop() error { return s.inner.Stop() }

func (s *MonitoredSource) Frames() <-chan []int16 { return s.out }

func (s *MonitoredSource) DroppedFrames() uint64 { return s.inner.DroppedFrames() }

var _ engine.AudioSource = (*MonitoredSource)(nil)
