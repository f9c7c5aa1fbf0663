package engine

import "context"

// AudioSource is C1 (§4.1): a lazy, infinite-unless-stopped stream of
// 16 kHz mono S16LE PCM frames.
type AudioSource interface {
	Start(ctx context.Context) error
	Stop() error
	// Frames returns the produced frame stream. Each frame is nominally
	// 800 samples (~50ms). Backpressure policy (drop-oldest) is the
	// implementation's responsibility; see pkg/audio.
	Frames() <-chan []int16
	// DroppedFrames reports the cumulative count of frames dropped due
	// to a slow downstream (SPEC_FULL.md §12).
	DroppedFrames() uint64
}

// StreamingClient is C2 (§4.2): the speech-service WebSocket session.
type StreamingClient interface {
	// Connect opens the session. Blocks until Open or a fatal error.
	Connect(ctx context.Context) error
	// Close performs a graceful close: flush in-flight audio, signal
	// end-of-stream, then disconnect.
	Close(ctx context.Context) error
	// SendAudio enqueues one PCM frame for transmission.
	SendAudio(samples []int16) error
	// Inbound is the decoded event stream handed to the Turn Aggregator.
	Inbound() <-chan InboundMessage
	State() ConnectionState
}

// TextInjector is the text-injection port (§6, C5 → OS).
type TextInjector interface {
	InjectText(ctx context.Context, text string) error
}

// HotkeyPort is the hotkey port (§6, C4 → OS).
type HotkeyPort interface {
	SendKeySequence(ctx context.Context, seq KeySequence) error
}

// Settings is the payload returned by SettingsPort.Load (§6).
type Settings struct {
	APIKeyEnvVar string
	Commands     []CommandDefinition
	WakeWord     string
	PauseMs      int
	GraceMs      int
	AudioDeviceID string
	StartMode    Mode
}

// SettingsPort is the settings port (§6, Settings UI ↔ engine).
type SettingsPort interface {
	Load(ctx context.Context) (Settings, error)
	// Subscribe registers listener to be invoked on any settings change.
	// The engine swaps in the new CommandDefinition set atomically on
	// its next event-loop tick (§6).
	Subscribe(listener func(Settings)) (unsubscribe func(), err error)
}

// UIPort is the UI port (§6, engine → status panel/menu).
type UIPort interface {
	Publish(event UIEvent)
}

// NoOpUIPort discards every event; useful as a default and in tests that
// only care about engine-internal state.
type NoOpUIPort struct{}

func (NoOpUIPort) Publish(UIEvent) {}

// AccessibilityPort is the accessibility/permission port (§6).
type AccessibilityPort interface {
	CheckAccessibilityPermission() bool
	RequestAccessibilityPermission()
}

// AlwaysGrantedAccessibilityPort is a reference implementation used in
// tests and on platforms with no accessibility gate.
type AlwaysGrantedAccessibilityPort struct{}

func (AlwaysGrantedAccessibilityPort) CheckAccessibilityPermission() bool { return true }
func (AlwaysGrantedAccessibilityPort) RequestAccessibilityPermission()    {}
