package engine

import "context"

// ModeTransitionSource identifies what asked for a mode change (§4.6),
// purely for logging/UI purposes; the transition logic itself doesn't
// branch on it.
type ModeTransitionSource string

const (
	SourceUIToggle      ModeTransitionSource = "ui_toggle"
	SourceVoiceCommand  ModeTransitionSource = "voice_command"
	SourceCredentialLost ModeTransitionSource = "credential_rejected"
	SourceQuit          ModeTransitionSource = "quit"
)

// AudioPipeline is the subset of C1+C2 lifecycle the Mode Controller
// drives directly: starting capture and opening the speech-service
// session on Off -> {Dictation,Wake}, and tearing both down on -> Off.
// Implemented by the Engine, which owns the concrete AudioSource and
// StreamingClient instances.
type AudioPipeline interface {
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	OpenSession(ctx context.Context) error
	CloseSession(ctx context.Context) error
	// AbortCurrentUtterance discards any in-flight utterance without
	// emitting dictation or firing commands (§4.6's "Any -> Off" rule).
	AbortCurrentUtterance()
}

// ModeController implements C6 (§4.6): the authoritative current Mode,
// serializing transitions from the UI, voice commands, and operational
// events.
//
// Like TurnAggregator and CommandMatcher, ModeController expects to be
// driven exclusively from the Engine's single event-processing thread
// (§5); "transitions are serialized" falls out of that discipline for
// free rather than needing its own lock.
type ModeController struct {
	mode     Mode
	pipeline AudioPipeline
	ui       UIPort
	logger   Logger
}

func NewModeController(initial Mode, pipeline AudioPipeline, ui UIPort, logger Logger) *ModeController {
	if ui == nil {
		ui = NoOpUIPort{}
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &ModeController{mode: initial, pipeline: pipeline, ui: ui, logger: logger}
}

// Mode returns the current authoritative mode.
func (c *ModeController) Mode() Mode {
	return c.mode
}

// RequestTransition attempts to move to target, per §4.6's transition
// table. It is the single choke point every mode change passes through,
// whether it originates from the UI, a fired ModeSet command, or an
// operational event.
func (c *ModeController) RequestTransition(ctx context.Context, target Mode, source ModeTransitionSource) error {
	if !target.Valid() {
		return newEngineError(ErrKindInvalidTransition, ErrInvalidTransition)
	}
	if target == c.mode {
		return nil
	}

	from := c.mode
	c.logger.Info("mode transition", "from", from, "to", target, "source", source)

	switch {
	case from == ModeOff && (target == ModeDictation || target == ModeWake):
		if err := c.pipeline.StartCapture(ctx); err != nil {
			c.logger.Error("mode transition: start capture failed", "error", err)
			return newEngineError(ErrKindDeviceUnavailable, err)
		}
		if err := c.pipeline.OpenSession(ctx); err != nil {
			c.logger.Error("mode transition: open session failed", "error", err)
			_ = c.pipeline.StopCapture(ctx)
			return err
		}

	case (from == ModeDictation && target == ModeWake) || (from == ModeWake && target == ModeDictation):
		// C1/C2 keep running; only gating flags change.

	case target == ModeOff:
		c.pipeline.AbortCurrentUtterance()
		if err := c.pipeline.CloseSession(ctx); err != nil {
			c.logger.Warn("mode transition: close session error", "error", err)
		}
		if err := c.pipeline.StopCapture(ctx); err != nil {
			c.logger.Warn("mode transition: stop capture error", "error", err)
		}

	default:
		return newEngineError(ErrKindInvalidTransition, ErrInvalidTransition)
	}

	c.mode = target
	c.ui.Publish(UIEvent{Kind: UIEventModeChanged, Mode: target})
	return nil
}
