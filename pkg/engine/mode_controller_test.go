package engine

import (
	"context"
	"errors"
	"testing"
)

type fakeAudioPipeline struct {
	startCaptureErr error
	openSessionErr  error

	startCaptureCalls int
	stopCaptureCalls  int
	openSessionCalls  int
	closeSessionCalls int
	abortCalls        int
}

func (f *fakeAudioPipeline) StartCapture(ctx context.Context) error {
	f.startCaptureCalls++
	return f.startCaptureErr
}

func (f *fakeAudioPipeline) StopCapture(ctx context.Context) error {
	f.stopCaptureCalls++
	return nil
}

func (f *fakeAudioPipeline) OpenSession(ctx context.Context) error {
	f.openSessionCalls++
	return f.openSessionErr
}

func (f *fakeAudioPipeline) CloseSession(ctx context.Context) error {
	f.closeSessionCalls++
	return nil
}

func (f *fakeAudioPipeline) AbortCurrentUtterance() {
	f.abortCalls++
}

type recordingUIPort struct {
	events []UIEvent
}

func (r *recordingUIPort) Publish(e UIEvent) {
	r.events = append(r.events, e)
}

func TestModeController_OffToWakeStartsCaptureAndOpensSession(t *testing.T) {
	pipeline := &fakeAudioPipeline{}
	ui := &recordingUIPort{}
	c := NewModeController(ModeOff, pipeline, ui, nil)

	if err := c.RequestTransition(context.Background(), ModeWake, SourceUIToggle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Mode() != ModeWake {
		t.Fatalf("expected mode Wake, got %v", c.Mode())
	}
	if pipeline.startCaptureCalls != 1 || pipeline.openSessionCalls != 1 {
		t.Fatalf("expected capture+session to start, got %+v", pipeline)
	}
	if len(ui.events) != 1 || ui.events[0].Kind != UIEventModeChanged || ui.events[0].Mode != ModeWake {
		t.Fatalf("expected a mode_changed UI event, got %+v", ui.events)
	}
}

func TestModeController_DictationWakeToggleLeavesPipelineRunning(t *testing.T) {
	pipeline := &fakeAudioPipeline{}
	c := NewModeController(ModeOff, pipeline, nil, nil)
	_ = c.RequestTransition(context.Background(), ModeWake, SourceUIToggle)

	if err := c.RequestTransition(context.Background(), ModeDictation, SourceVoiceCommand); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pipeline.startCaptureCalls != 1 || pipeline.openSessionCalls != 1 {
		t.Fatalf("expected no additional capture/session starts on Dictation<->Wake toggle, got %+v", pipeline)
	}
	if pipeline.stopCaptureCalls != 0 || pipeline.closeSessionCalls != 0 {
		t.Fatalf("expected pipeline to keep running, got %+v", pipeline)
	}
}

func TestModeController_AnyToOffAbortsAndTearsDown(t *testing.T) {
	pipeline := &fakeAudioPipeline{}
	c := NewModeController(ModeOff, pipeline, nil, nil)
	_ = c.RequestTransition(context.Background(), ModeDictation, SourceUIToggle)

	if err := c.RequestTransition(context.Background(), ModeOff, SourceQuit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pipeline.abortCalls != 1 {
		t.Errorf("expected in-flight utterance aborted, got abortCalls=%d", pipeline.abortCalls)
	}
	if pipeline.closeSessionCalls != 1 || pipeline.stopCaptureCalls != 1 {
		t.Fatalf("expected session closed and capture stopped, got %+v", pipeline)
	}
}

func TestModeController_SameModeIsNoOp(t *testing.T) {
	pipeline := &fakeAudioPipeline{}
	c := NewModeController(ModeOff, pipeline, nil, nil)

	if err := c.RequestTransition(context.Background(), ModeOff, SourceUIToggle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pipeline.startCaptureCalls != 0 || pipeline.stopCaptureCalls != 0 {
		t.Fatalf("expected no pipeline calls for a same-mode no-op, got %+v", pipeline)
	}
}

func TestModeController_StartCaptureFailureLeavesModeUnchanged(t *testing.T) {
	pipeline := &fakeAudioPipeline{startCaptureErr: errors.New("no device")}
	c := NewModeController(ModeOff, pipeline, nil, nil)

	err := c.RequestTransition(context.Background(), ModeWake, SourceUIToggle)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != ErrKindDeviceUnavailable {
		t.Fatalf("expected ErrKindDeviceUnavailable, got %v", err)
	}
	if c.Mode() != ModeOff {
		t.Fatalf("expected mode to remain Off after failed transition, got %v", c.Mode())
	}
}

func TestModeController_OpenSessionFailureRollsBackCapture(t *testing.T) {
	pipeline := &fakeAudioPipeline{openSessionErr: errors.New("handshake failed")}
	c := NewModeController(ModeOff, pipeline, nil, nil)

	if err := c.RequestTransition(context.Background(), ModeWake, SourceUIToggle); err == nil {
		t.Fatal("expected an error")
	}
	if pipeline.stopCaptureCalls != 1 {
		t.Errorf("expected capture stopped after failed session open, got stopCaptureCalls=%d", pipeline.stopCaptureCalls)
	}
	if c.Mode() != ModeOff {
		t.Fatalf("expected mode to remain Off, got %v", c.Mode())
	}
}
