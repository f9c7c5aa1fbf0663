// Package engine implements the VoiceFlow transcription engine: the
// mode-driven pipeline that turns a stream of speech-service Turn events
// into fired voice commands, injected dictation, and live hypothesis
// updates for the (out of process) status UI.
package engine

import (
	"sync"
	"time"
)

// Logger is the narrow structured-logging port every engine component
// depends on. Components never import a concrete logging library; the
// host binary wires a real implementation (see pkg/logging).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Used as the zero-value default and in
// tests that don't care about log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// Mode is the engine's global operating mode (§3).
type Mode string

const (
	ModeOff       Mode = "off"
	ModeDictation Mode = "dictation"
	ModeWake      Mode = "wake"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeDictation, ModeWake:
		return true
	default:
		return false
	}
}

// CommandCategory distinguishes system commands (always active, never
// dictated) from user-editable ones.
type CommandCategory string

const (
	CategorySystem CommandCategory = "system"
	CategoryUser   CommandCategory = "user"
)

// ActionKind identifies what a fired command does.
type ActionKind string

const (
	ActionKeySequence ActionKind = "key_sequence"
	ActionModeSet     ActionKind = "mode_set"
	ActionQuit        ActionKind = "quit"
	ActionCancelLast  ActionKind = "cancel_last"
)

// Modifier is one held modifier key for a synthesized key-chord.
type Modifier string

const (
	ModCmd   Modifier = "cmd"
	ModShift Modifier = "shift"
	ModCtrl  Modifier = "ctrl"
	ModAlt   Modifier = "alt"
	ModFn    Modifier = "fn"
)

// KeyCode identifies the non-modifier key of a chord. It is deliberately
// a plain string ("c", "tab", "z", ...) so the engine stays independent of
// any one platform's keycode enumeration; the HotkeyPort implementation
// maps it to whatever its backend requires.
type KeyCode string

// KeySequence is one chord: a set of modifiers plus a key.
type KeySequence struct {
	Modifiers []Modifier
	Key       KeyCode
}

// Action is the effect a fired CommandDefinition has. Exactly one of the
// fields is meaningful, selected by Kind.
type Action struct {
	Kind ActionKind
	Keys KeySequence // ActionKeySequence
	Mode Mode        // ActionModeSet
}

// CommandDefinition is an immutable, user- or system-defined voice command
// (§3). The set of CommandDefinitions is read-only to the engine; it is
// replaced atomically on settings reload (§6 SettingsPort).
type CommandDefinition struct {
	// Phrase is already lowercase and whitespace-normalized at construction
	// time (see NormalizePhrase); NewCommandDefinition enforces this.
	Phrase   string
	Action   Action
	Category CommandCategory
}

// NewCommandDefinition validates and normalizes phrase, rejecting the
// ConfigurationError case from §7 (empty phrase after normalization).
func NewCommandDefinition(phrase string, action Action, category CommandCategory) (CommandDefinition, error) {
	norm := NormalizePhrase(phrase)
	if norm == "" {
		return CommandDefinition{}, ErrEmptyCommandPhrase
	}
	return CommandDefinition{Phrase: norm, Action: action, Category: category}, nil
}

// IsSystem reports whether this command is always active regardless of
// the user-editable command list (mode switches and quit).
func (c CommandDefinition) IsSystem() bool {
	return c.Category == CategorySystem
}

// TurnWord is one word of a Turn's transcript (§3). Timestamps may be
// absent; consumers must tolerate nil.
type TurnWord struct {
	Text    string
	IsFinal bool
	StartMs *int
	EndMs   *int
}

// Turn is the cumulative state of the currently-open utterance as of the
// last inbound event (§3).
type Turn struct {
	Transcript       string
	Words            []TurnWord
	EndOfTurn        bool
	TurnIsFormatted  bool
	ReceivedAt       time.Time
}

// UtteranceState is the Turn Aggregator's per-utterance lifecycle state
// (§4.3's state machine column "To").
type UtteranceState string

const (
	StateNoUtterance      UtteranceState = "no_utterance"
	StateOpen             UtteranceState = "open"
	StateAwaitingFormatted UtteranceState = "awaiting_formatted"
)

// Utterance is the per-utterance scratchpad the engine owns exclusively
// (§3).
type Utterance struct {
	ID                 uint64
	State              UtteranceState
	Turn               Turn
	ExecutedCommands   map[string]struct{}
	ConsumedByCommand  bool
	FormattedText      *string
	UnformattedFinalText *string

	// OpenedAt/EndedAt support the latency instrumentation described in
	// SPEC_FULL.md §12.
	OpenedAt time.Time
	EndedAt  time.Time

	mu sync.Mutex
}

func newUtterance(id uint64, now time.Time) *Utterance {
	return &Utterance{
		ID:               id,
		State:            StateOpen,
		ExecutedCommands: make(map[string]struct{}),
		OpenedAt:         now,
	}
}

// HasFired reports whether phrase already fired in this utterance.
func (u *Utterance) HasFired(phrase string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.ExecutedCommands[phrase]
	return ok
}

// MarkFired records phrase as fired (idempotent, §4.4's dedupe set).
func (u *Utterance) MarkFired(phrase string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ExecutedCommands[phrase] = struct{}{}
}

// BestFinalText returns the text the Dictation Emitter should inject:
// the formatted variant, falling back to the unformatted one (§4.5).
func (u *Utterance) BestFinalText() string {
	if u.FormattedText != nil {
		return *u.FormattedText
	}
	if u.UnformattedFinalText != nil {
		return *u.UnformattedFinalText
	}
	return ""
}

// ConnectionState is the Streaming Client's connection lifecycle (§4.2).
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnOpen         ConnectionState = "open"
	ConnClosing      ConnectionState = "closing"
	ConnFailed       ConnectionState = "failed"
)

// Session is the engine's top-level, exclusively-owned state (§3).
type Session struct {
	ConnectionState  ConnectionState
	CurrentUtterance *Utterance
	LastActivity     time.Time
}

// InboundMessage is one inbound frame from the speech service, as decoded by C2
// and handed to C3. Exactly one of the typed payload fields is set,
// selected by Kind.
type MessageKind string

const (
	MsgBegin       MessageKind = "begin"
	MsgTurn        MessageKind = "turn"
	MsgTermination MessageKind = "termination"
	MsgError       MessageKind = "error"
)

type InboundMessage struct {
	Kind MessageKind

	// MsgBegin
	SessionID string

	// MsgTurn
	Turn Turn

	// MsgError
	ErrorCode    string
	ErrorMessage string
}

// UIEventKind enumerates the UI port's publish(event) variants (§6).
type UIEventKind string

const (
	UIEventModeChanged            UIEventKind = "mode_changed"
	UIEventHypothesisChanged      UIEventKind = "hypothesis_changed"
	UIEventUtteranceCompleted     UIEventKind = "utterance_completed"
	UIEventConnectionStateChanged UIEventKind = "connection_state_changed"
	UIEventError                 UIEventKind = "error"
)

// UIEvent is one event published to the (out of scope) status UI.
type UIEvent struct {
	Kind UIEventKind

	Mode             Mode
	Hypothesis       string
	UtteranceText    string
	ConnectionState  ConnectionState
	// ReconnectBackoff carries a reconnect delay for the UI. Nothing in
	// this module sets it: the events Engine publishes leave it zero, and
	// the stt client's internal reconnects publish no UI events.
	ReconnectBackoff time.Duration
	ErrorKind        ErrorKind
	ErrorMessage     string
}
