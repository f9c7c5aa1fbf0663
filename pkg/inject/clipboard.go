// Package inject provides the reference TextInjector and HotkeyPort
// implementations: clipboard-based dictation injection and keystroke
// synthesis for fired voice commands.
package inject

import (
	"context"
	"time"

	"github.com/atotto/clipboard"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// pasteKeySequence is what ClipboardInjector asks the HotkeyPort to send
// once the dictated text is on the clipboard.
var pasteKeySequence = engine.KeySequence{Modifiers: []engine.Modifier{engine.ModCmd}, Key: "v"}

// restoreDelay gives the target application's paste handler time to read
// the clipboard before ClipboardInjector restores the user's prior
// clipboard contents.
const restoreDelay = 150 * time.Millisecond

// ClipboardInjector implements engine.TextInjector (C5 → OS) the way
// most dictation tools inject text: place the string on the system
// clipboard, synthesize a paste chord into the frontmost application,
// then restore whatever was on the clipboard beforehand.
type ClipboardInjector struct {
	hotkey engine.HotkeyPort
	logger engine.Logger
}

func NewClipboardInjector(hotkey engine.HotkeyPort, logger engine.Logger) *ClipboardInjector {
	if logger == nil {
		logger = engine.NoOpLogger{}
	}
	return &ClipboardInjector{hotkey: hotkey, logger: logger}
}

func (c *ClipboardInjector) InjectText(ctx context.Context, text string) error {
	prior, err := clipboard.ReadAll()
	if err != nil {
		// A clipboard that cannot be read is still writable on most
		// platforms; proceed without a restore target rather than fail
		// the whole injection over it.
		c.logger.Warn("inject: could not read prior clipboard contents", "error", err)
	}

	if err := clipboard.WriteAll(text); err != nil {
		return &engine.EngineError{Kind: engine.ErrKindInjectionError, Err: err}
	}

	if err := c.hotkey.SendKeySequence(ctx, pasteKeySequence); err != nil {
		return &engine.EngineError{Kind: engine.ErrKindInjectionError, Err: err}
	}

	if prior != "" {
		go c.restore(prior)
	}
	return nil
}

// restore runs detached from InjectText so the caller (the engine's
// single-writer loop) never blocks on restoreDelay.
func (c *ClipboardInjector) restore(prior string) {
	time.Sleep(restoreDelay)
	if err := clipboard.WriteAll(prior); err != nil {
		c.logger.Warn("inject: could not restore prior clipboard contents", "error", err)
	}
}

var _ engine.TextInjector = (*ClipboardInjector)(nil)
