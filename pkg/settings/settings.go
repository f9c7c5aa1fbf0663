// Package settings implements the externally-facing SettingsPort (§6,
// §10.3): a YAML file of user commands and tuning knobs, reloaded live
// via viper's file-watch support, with CLI flags bound over the top.
package settings

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// fileAction mirrors engine.Action as it appears in the YAML settings
// file; exactly one of Keys/Mode is meaningful, selected by Kind.
type fileAction struct {
	Kind      string   `mapstructure:"kind"`
	Modifiers []string `mapstructure:"modifiers"`
	Key       string   `mapstructure:"key"`
	Mode      string   `mapstructure:"mode"`
}

type fileCommand struct {
	Phrase   string     `mapstructure:"phrase"`
	Category string     `mapstructure:"category"`
	Action   fileAction `mapstructure:"action"`
}

type fileSettings struct {
	APIKeyEnvVar  string        `mapstructure:"api_key_env_var"`
	WakeWord      string        `mapstructure:"wake_word"`
	PauseMs       int           `mapstructure:"pause_ms"`
	GraceMs       int           `mapstructure:"grace_ms"`
	AudioDeviceID string        `mapstructure:"audio_device_id"`
	StartMode     string        `mapstructure:"start_mode"`
	Commands      []fileCommand `mapstructure:"commands"`
}

// Port implements engine.SettingsPort over a viper instance watching a
// single YAML file, the same file/flag pairing iamprashant-voice-ai uses
// for its own service config.
type Port struct {
	v      *viper.Viper
	logger engine.Logger

	mu        sync.Mutex
	listeners map[int]func(engine.Settings)
	nextID    int
}

// New constructs a Port reading path (a YAML file) with defaults applied
// and any bound pflags layered on top. flags may be nil.
func New(path string, flags *pflag.FlagSet, logger engine.Logger) (*Port, error) {
	if logger == nil {
		logger = engine.NoOpLogger{}
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("api_key_env_var", "ASSEMBLYAI_API_KEY")
	v.SetDefault("wake_word", "voiceflow")
	v.SetDefault("pause_ms", 500)
	v.SetDefault("grace_ms", 500)
	v.SetDefault("start_mode", "off")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("settings: binding flags: %w", err)
		}
	}

	p := &Port{v: v, logger: logger, listeners: make(map[int]func(engine.Settings))}
	return p, nil
}

func (p *Port) Load(ctx context.Context) (engine.Settings, error) {
	if err := p.v.ReadInConfig(); err != nil {
		// SetConfigFile makes viper report a missing file as a plain
		// not-exist error rather than ConfigFileNotFoundError.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return engine.Settings{}, &engine.EngineError{Kind: engine.ErrKindConfigurationError, Err: err}
		}
		p.logger.Warn("settings: no settings file found, using defaults")
	}
	return p.build()
}

func (p *Port) build() (engine.Settings, error) {
	var raw fileSettings
	if err := p.v.Unmarshal(&raw); err != nil {
		return engine.Settings{}, &engine.EngineError{Kind: engine.ErrKindConfigurationError, Err: err}
	}

	mode := engine.Mode(raw.StartMode)
	if raw.StartMode == "" {
		mode = engine.ModeOff
	}
	if !mode.Valid() {
		return engine.Settings{}, &engine.EngineError{
			Kind: engine.ErrKindConfigurationError,
			Err:  fmt.Errorf("settings: invalid start_mode %q", raw.StartMode),
		}
	}

	// A malformed command entry rejects only that entry and keeps the
	// rest of the set (§7 ConfigurationError: "reject the offending
	// entry; keep prior valid set"), rather than failing the whole load.
	commands := make([]engine.CommandDefinition, 0, len(raw.Commands))
	for _, fc := range raw.Commands {
		action, err := buildAction(fc.Action)
		if err != nil {
			p.logger.Warn("settings: skipping invalid command", "phrase", fc.Phrase, "error", err)
			continue
		}
		category := engine.CategoryUser
		if fc.Category == string(engine.CategorySystem) {
			category = engine.CategorySystem
		}
		def, err := engine.NewCommandDefinition(fc.Phrase, action, category)
		if err != nil {
			p.logger.Warn("settings: skipping invalid command", "phrase", fc.Phrase, "error", err)
			continue
		}
		commands = append(commands, def)
	}

	return engine.Settings{
		APIKeyEnvVar:  raw.APIKeyEnvVar,
		Commands:      commands,
		WakeWord:      raw.WakeWord,
		PauseMs:       raw.PauseMs,
		GraceMs:       raw.GraceMs,
		AudioDeviceID: raw.AudioDeviceID,
		StartMode:     mode,
	}, nil
}

var modifierValues = map[string]engine.Modifier{
	"cmd": engine.ModCmd, "shift": engine.ModShift, "ctrl": engine.ModCtrl,
	"alt": engine.ModAlt, "fn": engine.ModFn,
}

func buildAction(fa fileAction) (engine.Action, error) {
	switch fa.Kind {
	case string(engine.ActionKeySequence):
		mods := make([]engine.Modifier, 0, len(fa.Modifiers))
		for _, m := range fa.Modifiers {
			mv, ok := modifierValues[m]
			if !ok {
				return engine.Action{}, &engine.EngineError{
					Kind: engine.ErrKindConfigurationError,
					Err:  fmt.Errorf("settings: unknown modifier %q", m),
				}
			}
			mods = append(mods, mv)
		}
		return engine.Action{Kind: engine.ActionKeySequence, Keys: engine.KeySequence{Modifiers: mods, Key: engine.KeyCode(fa.Key)}}, nil

	case string(engine.ActionModeSet):
		mode := engine.Mode(fa.Mode)
		if !mode.Valid() {
			return engine.Action{}, &engine.EngineError{
				Kind: engine.ErrKindConfigurationError,
				Err:  fmt.Errorf("settings: unknown mode %q", fa.Mode),
			}
		}
		return engine.Action{Kind: engine.ActionModeSet, Mode: mode}, nil

	case string(engine.ActionQuit):
		return engine.Action{Kind: engine.ActionQuit}, nil

	case string(engine.ActionCancelLast):
		return engine.Action{Kind: engine.ActionCancelLast}, nil

	default:
		return engine.Action{}, &engine.EngineError{
			Kind: engine.ErrKindConfigurationError,
			Err:  fmt.Errorf("settings: unknown action kind %q", fa.Kind),
		}
	}
}

// Subscribe registers listener to be invoked, with the freshly reloaded
// Settings, whenever the watched file changes on disk. The first call
// starts viper's fsnotify-backed watch; subsequent calls just add
// another listener to the same watch.
func (p *Port) Subscribe(listener func(engine.Settings)) (func(), error) {
	p.mu.Lock()
	first := len(p.listeners) == 0
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	p.mu.Unlock()

	if first {
		p.v.OnConfigChange(func(_ fsnotify.Event) {
			settings, err := p.build()
			if err != nil {
				p.logger.Warn("settings: reload failed, keeping previous settings", "error", err)
				return
			}
			p.mu.Lock()
			listeners := make([]func(engine.Settings), 0, len(p.listeners))
			for _, l := range p.listeners {
				listeners = append(listeners, l)
			}
			p.mu.Unlock()
			for _, l := range listeners {
				l(settings)
			}
		})
		p.v.WatchConfig()
	}

	unsubscribe := func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
	return unsubscribe, nil
}

var _ engine.SettingsPort = (*Port)(nil)
