package audio

import (
	"context"
	"testing"
	"time"
)

type fakeInnerSource struct {
	frames  chan []int16
	dropped uint64
}

func (f *fakeInnerSource) Start(ctx context.Context) error { return nil }
func (f *fakeInnerSource) Stop() error                     { return nil }
func (f *fakeInnerSource) Frames() <-chan []int16           { return f.frames }
func (f *fakeInnerSource) DroppedFrames() uint64            { return f.dropped }

func TestRecordingSource_RelaysAndRecordsFrames(t *testing.T) {
	inner := &fakeInnerSource{frames: make(chan []int16, 4)}
	recorder := NewDebugRecorder()
	rs := NewRecordingSource(inner, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rs.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	inner.frames <- []int16{1, 2, 3}

	select {
	case got := <-rs.Frames():
		if len(got) != 3 {
			t.Fatalf("expected relayed frame of length 3, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed frame")
	}

	recorder.mu.Lock()
	n := len(recorder.frames)
	recorder.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected 3 recorded samples, got %d", n)
	}
}
