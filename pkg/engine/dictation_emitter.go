package engine

import "context"

// DictationEmitter implements C5 (§4.5): decides, for a terminated
// Utterance, whether its text should be injected, and performs the
// injection through the TextInjector port.
type DictationEmitter struct {
	injector TextInjector
	logger   Logger
}

func NewDictationEmitter(injector TextInjector, logger Logger) *DictationEmitter {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &DictationEmitter{injector: injector, logger: logger}
}

// ShouldInject implements §4.5's gating rule: inject only in Dictation
// mode, only for utterances not consumed by a fired command, and only
// when there is non-empty text to inject.
func (e *DictationEmitter) ShouldInject(mode Mode, u *Utterance) bool {
	if mode != ModeDictation {
		return false
	}
	if u.ConsumedByCommand {
		return false
	}
	return u.BestFinalText() != ""
}

// Emit injects u's best final text if ShouldInject allows it. Returns
// (injected, error). Injection failures are reported to the caller as an
// ErrKindInjectionError-wrapped error (§7); they never panic or silently
// drop the utterance.
func (e *DictationEmitter) Emit(ctx context.Context, mode Mode, u *Utterance) (bool, error) {
	if !e.ShouldInject(mode, u) {
		return false, nil
	}
	text := u.BestFinalText()
	if err := e.injector.InjectText(ctx, text); err != nil {
		e.logger.Error("dictation injection failed", "utteranceID", u.ID, "text", text, "error", err)
		return false, newEngineError(ErrKindInjectionError, err)
	}
	e.logger.Debug("dictation injected", "utteranceID", u.ID, "length", len(text))
	return true, nil
}
