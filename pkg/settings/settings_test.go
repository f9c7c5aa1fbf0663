package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

const sampleYAML = `
api_key_env_var: ASSEMBLYAI_API_KEY
wake_word: voiceflow
pause_ms: 400
grace_ms: 600
start_mode: wake
commands:
  - phrase: copy that
    category: user
    action:
      kind: key_sequence
      modifiers: [cmd]
      key: c
  - phrase: switch to dictation
    category: system
    action:
      kind: mode_set
      mode: dictation
  - phrase: quit voiceflow
    category: system
    action:
      kind: quit
`

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	return path
}

func TestPort_LoadParsesCommandsAndTuning(t *testing.T) {
	p, err := New(writeFile(t, sampleYAML), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.WakeWord != "voiceflow" || s.PauseMs != 400 || s.GraceMs != 600 || s.StartMode != engine.ModeWake {
		t.Fatalf("unexpected tuning values: %+v", s)
	}
	if len(s.Commands) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(s.Commands))
	}

	if s.Commands[0].Action.Kind != engine.ActionKeySequence || s.Commands[0].Action.Keys.Key != "c" {
		t.Fatalf("unexpected first command: %+v", s.Commands[0])
	}
	if s.Commands[1].Action.Kind != engine.ActionModeSet || s.Commands[1].Action.Mode != engine.ModeDictation {
		t.Fatalf("unexpected second command: %+v", s.Commands[1])
	}
	if s.Commands[2].Action.Kind != engine.ActionQuit || !s.Commands[2].IsSystem() {
		t.Fatalf("unexpected third command: %+v", s.Commands[2])
	}
}

func TestPort_LoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	p, err := New(missing, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load should tolerate a missing file: %v", err)
	}
	if s.WakeWord != "voiceflow" || s.PauseMs != 500 || s.StartMode != engine.ModeOff {
		t.Fatalf("expected default settings, got %+v", s)
	}
}

func TestPort_LoadSkipsCommandWithUnknownModifierButKeepsOthers(t *testing.T) {
	mixed := `
commands:
  - phrase: do a thing
    category: user
    action:
      kind: key_sequence
      modifiers: [meta]
      key: x
  - phrase: copy that
    category: user
    action:
      kind: key_sequence
      modifiers: [cmd]
      key: c
`
	p, err := New(writeFile(t, mixed), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load should reject only the offending entry, not the whole set: %v", err)
	}
	if len(s.Commands) != 1 || s.Commands[0].Phrase != "copy that" {
		t.Fatalf("expected only the valid command to survive, got %+v", s.Commands)
	}
}

func TestPort_LoadRejectsInvalidStartMode(t *testing.T) {
	bad := "start_mode: sleeping\n"
	p, err := New(writeFile(t, bad), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Load(context.Background()); err == nil {
		t.Fatal("expected an error for an invalid start_mode")
	}
}
