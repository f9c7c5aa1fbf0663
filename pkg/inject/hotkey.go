package inject

import (
	"context"

	"github.com/go-vgo/robotgo"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// modifierNames maps the engine's platform-independent Modifier
// vocabulary onto robotgo's key-name strings.
var modifierNames = map[engine.Modifier]string{
	engine.ModCmd:   "cmd",
	engine.ModShift: "shift",
	engine.ModCtrl:  "ctrl",
	engine.ModAlt:   "alt",
	engine.ModFn:    "fn",
}

// RobotgoHotkeyPort implements engine.HotkeyPort (C4 → OS) by
// synthesizing an actual key-chord press into the frontmost application
// via go-vgo/robotgo. golang.design/x/hotkey, used elsewhere for the
// host's optional global toggle, only registers inbound listeners and
// cannot perform this outbound role.
type RobotgoHotkeyPort struct {
	logger engine.Logger
}

func NewRobotgoHotkeyPort(logger engine.Logger) *RobotgoHotkeyPort {
	if logger == nil {
		logger = engine.NoOpLogger{}
	}
	return &RobotgoHotkeyPort{logger: logger}
}

func (p *RobotgoHotkeyPort) SendKeySequence(ctx context.Context, seq engine.KeySequence) error {
	mods := make([]string, 0, len(seq.Modifiers))
	for _, m := range seq.Modifiers {
		name, ok := modifierNames[m]
		if !ok {
			return &engine.EngineError{Kind: engine.ErrKindInjectionError, Err: engine.ErrInjectionFailed}
		}
		mods = append(mods, name)
	}

	args := make([]interface{}, 0, len(mods))
	for _, m := range mods {
		args = append(args, m)
	}

	if err := robotgo.KeyTap(string(seq.Key), args...); err != nil {
		p.logger.Warn("inject: key synthesis failed", "key", seq.Key, "modifiers", mods, "error", err)
		return &engine.EngineError{Kind: engine.ErrKindInjectionError, Err: err}
	}
	return nil
}

var _ engine.HotkeyPort = (*RobotgoHotkeyPort)(nil)
