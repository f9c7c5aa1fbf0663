package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeAudioSource struct {
	frames chan []int16
}

func newFakeAudioSource() *fakeAudioSource {
	return &fakeAudioSource{frames: make(chan []int16, 4)}
}

func (f *fakeAudioSource) Start(ctx context.Context) error  { return nil }
func (f *fakeAudioSource) Stop() error                      { return nil }
func (f *fakeAudioSource) Frames() <-chan []int16            { return f.frames }
func (f *fakeAudioSource) DroppedFrames() uint64             { return 0 }

type fakeStreamingClient struct {
	inbound chan InboundMessage

	mu        sync.Mutex
	sentAudio int
	closed    bool
}

func newFakeStreamingClient() *fakeStreamingClient {
	return &fakeStreamingClient{inbound: make(chan InboundMessage, 16)}
}

func (f *fakeStreamingClient) Connect(ctx context.Context) error { return nil }

func (f *fakeStreamingClient) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreamingClient) SendAudio(samples []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAudio++
	return nil
}

func (f *fakeStreamingClient) Inbound() <-chan InboundMessage { return f.inbound }
func (f *fakeStreamingClient) State() ConnectionState         { return ConnOpen }

func (f *fakeStreamingClient) push(msg InboundMessage) {
	f.inbound <- msg
}

type fakeHotkeyPort struct {
	mu    sync.Mutex
	fired []KeySequence
}

func (f *fakeHotkeyPort) SendKeySequence(ctx context.Context, seq KeySequence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, seq)
	return nil
}

func (f *fakeHotkeyPort) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

// pollUntil polls cond every 5ms until it returns true or timeout elapses.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			return false
		}
	}
}

type testHarness struct {
	engine   *Engine
	audio    *fakeAudioSource
	stt      *fakeStreamingClient
	hotkey   *fakeHotkeyPort
	injector *fakeTextInjector
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

func newTestHarness(t *testing.T, commands []CommandDefinition, startMode Mode) *testHarness {
	t.Helper()
	audio := newFakeAudioSource()
	stt := newFakeStreamingClient()
	hotkey := &fakeHotkeyPort{}
	injector := &fakeTextInjector{}

	e := NewEngine(EngineConfig{
		Audio:    audio,
		STT:      stt,
		Injector: injector,
		Hotkey:   hotkey,
		WakeWord: "voiceflow",
		PauseMs:  50 * time.Millisecond,
		GraceMs:  50 * time.Millisecond,
		Commands: commands,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	if startMode != ModeOff {
		if err := e.RequestMode(context.Background(), startMode, SourceUIToggle); err != nil {
			t.Fatalf("RequestMode(%v): %v", startMode, err)
		}
	}

	h := &testHarness{engine: e, audio: audio, stt: stt, hotkey: hotkey, injector: injector, cancel: cancel, doneCh: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func wakeCommand(t *testing.T, phrase string, keys KeySequence) CommandDefinition {
	return mustDef(t, phrase, Action{Kind: ActionKeySequence, Keys: keys}, CategoryUser)
}

func words(pairs ...string) []TurnWord {
	var ws []TurnWord
	for _, p := range pairs {
		ws = append(ws, TurnWord{Text: p, IsFinal: false})
	}
	return ws
}

func finalWords(pairs ...string) []TurnWord {
	var ws []TurnWord
	for _, p := range pairs {
		ws = append(ws, TurnWord{Text: p, IsFinal: true})
	}
	return ws
}

// Scenario 1: single wake command.
func TestEngine_Scenario_SingleWakeCommand(t *testing.T) {
	tabBack := wakeCommand(t, "tab back", KeySequence{Modifiers: []Modifier{ModCtrl, ModShift}, Key: "tab"})
	h := newTestHarness(t, []CommandDefinition{tabBack}, ModeWake)

	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("tab"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("tab", "back"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("tab", "back"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "tab back", Words: finalWords("tab", "back"), EndOfTurn: true, TurnIsFormatted: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "Tab back.", Words: finalWords("tab", "back"), EndOfTurn: true, TurnIsFormatted: true}})

	if !pollUntil(t, time.Second, func() bool { return h.hotkey.count() == 1 }) {
		t.Fatalf("expected exactly one hotkey fire, got %d", h.hotkey.count())
	}
	time.Sleep(50 * time.Millisecond)
	if h.hotkey.count() != 1 {
		t.Fatalf("expected no extra fires, got %d", h.hotkey.count())
	}
	if len(h.injector.injected) != 0 {
		t.Fatalf("expected no dictation in Wake mode, got %+v", h.injector.injected)
	}
}

// Scenario 2: two commands in one utterance, no re-fire of the first.
func TestEngine_Scenario_TwoCommandsOneUtterance(t *testing.T) {
	undo := wakeCommand(t, "undo that", KeySequence{Modifiers: []Modifier{ModCmd}, Key: "z"})
	redo := wakeCommand(t, "redo that", KeySequence{Modifiers: []Modifier{ModCmd, ModShift}, Key: "z"})
	h := newTestHarness(t, []CommandDefinition{undo, redo}, ModeWake)

	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("undo", "that"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("undo", "that", "redo", "that"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "undo that redo that", Words: finalWords("undo", "that", "redo", "that"), EndOfTurn: true, TurnIsFormatted: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "Undo that. Redo that.", Words: finalWords("undo", "that", "redo", "that"), EndOfTurn: true, TurnIsFormatted: true}})

	if !pollUntil(t, time.Second, func() bool { return h.hotkey.count() == 2 }) {
		t.Fatalf("expected exactly two hotkey fires, got %d", h.hotkey.count())
	}
	time.Sleep(50 * time.Millisecond)
	if h.hotkey.count() != 2 {
		t.Fatalf("expected no re-fire of either command, got %d", h.hotkey.count())
	}
	if len(h.injector.injected) != 0 {
		t.Fatalf("expected no dictation, got %+v", h.injector.injected)
	}
}

// Scenario 3: dictation of a sentence.
func TestEngine_Scenario_DictationOfSentence(t *testing.T) {
	h := newTestHarness(t, nil, ModeDictation)

	final := "I need to send an email to John about the meeting."
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("I", "need", "to", "send"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: final, Words: finalWords("I", "need", "to", "send", "an", "email", "to", "John", "about", "the", "meeting"), EndOfTurn: true, TurnIsFormatted: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: final, Words: finalWords("I", "need", "to", "send", "an", "email", "to", "John", "about", "the", "meeting"), EndOfTurn: true, TurnIsFormatted: true}})

	if !pollUntil(t, time.Second, func() bool { return len(h.injector.injected) == 1 }) {
		t.Fatalf("expected exactly one injection, got %+v", h.injector.injected)
	}
	if h.injector.injected[0] != final {
		t.Fatalf("expected literal final text, got %q", h.injector.injected[0])
	}
	if h.hotkey.count() != 0 {
		t.Fatalf("expected no commands fired, got %d", h.hotkey.count())
	}
}

// Scenario 4: mode switch via voice.
func TestEngine_Scenario_ModeSwitchViaVoice(t *testing.T) {
	micOn := mustDef(t, "microphone on", Action{Kind: ActionModeSet, Mode: ModeDictation}, CategorySystem)
	h := newTestHarness(t, []CommandDefinition{micOn}, ModeWake)

	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("microphone", "on"), EndOfTurn: false}})

	// System commands fire instantly on the eot=false frame that first
	// matches them, without waiting for endpointing or a pause timer.
	if !pollUntil(t, 200*time.Millisecond, func() bool { return h.engine.modeCtrl.Mode() == ModeDictation }) {
		t.Fatalf("expected an immediate mode switch on the eot=false frame, got %v", h.engine.modeCtrl.Mode())
	}

	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "microphone on", Words: finalWords("microphone", "on"), EndOfTurn: true, TurnIsFormatted: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: "Microphone on.", Words: finalWords("microphone", "on"), EndOfTurn: true, TurnIsFormatted: true}})

	if h.engine.modeCtrl.Mode() != ModeDictation {
		t.Fatalf("expected mode Dictation, got %v", h.engine.modeCtrl.Mode())
	}
	time.Sleep(50 * time.Millisecond)
	if len(h.injector.injected) != 0 {
		t.Fatalf("expected no text injected for the mode-switch utterance, got %+v", h.injector.injected)
	}
}

// Scenario 5: instant prefix fires immediately, before end_of_turn.
func TestEngine_Scenario_InstantPrefix(t *testing.T) {
	copyCmd := wakeCommand(t, "copy that", KeySequence{Modifiers: []Modifier{ModCmd}, Key: "c"})
	h := newTestHarness(t, []CommandDefinition{copyCmd}, ModeWake)

	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("voiceflow", "copy", "that"), EndOfTurn: false}})

	if !pollUntil(t, 200*time.Millisecond, func() bool { return h.hotkey.count() == 1 }) {
		t.Fatalf("expected immediate fire on the eot=false frame, got %d", h.hotkey.count())
	}
	if len(h.injector.injected) != 0 {
		t.Fatalf("expected no dictation, got %+v", h.injector.injected)
	}
}

// Scenario 6: command phrase in Dictation mode is ignored; text is injected.
func TestEngine_Scenario_CommandIgnoredInDictationMode(t *testing.T) {
	copyCmd := wakeCommand(t, "copy this", KeySequence{Modifiers: []Modifier{ModCmd}, Key: "c"})
	h := newTestHarness(t, []CommandDefinition{copyCmd}, ModeDictation)

	final := "I need to copy this."
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Words: words("I", "need", "to", "copy", "this"), EndOfTurn: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: final, Words: finalWords("I", "need", "to", "copy", "this"), EndOfTurn: true, TurnIsFormatted: false}})
	h.stt.push(InboundMessage{Kind: MsgTurn, Turn: Turn{Transcript: final, Words: finalWords("I", "need", "to", "copy", "this"), EndOfTurn: true, TurnIsFormatted: true}})

	if !pollUntil(t, time.Second, func() bool { return len(h.injector.injected) == 1 }) {
		t.Fatalf("expected the sentence injected, got %+v", h.injector.injected)
	}
	if h.injector.injected[0] != final {
		t.Fatalf("expected literal sentence injected, got %q", h.injector.injected[0])
	}
	if h.hotkey.count() != 0 {
		t.Fatalf("expected no command fired in Dictation mode, got %d", h.hotkey.count())
	}
}

// Testable property: in Mode = Off, no command fires and no text is injected.
func TestEngine_Property_OffModeSuppressesEverything(t *testing.T) {
	copyCmd := wakeCommand(t, "copy that", KeySequence{Modifiers: []Modifier{ModCmd}, Key: "c"})
	h := newTestHarness(t, []CommandDefinition{copyCmd}, ModeOff)

	// Off mode never opens a streaming session, so there is nothing to
	// push through h.stt; verify directly that neither the hotkey nor the
	// text-injection port was exercised.
	time.Sleep(50 * time.Millisecond)
	if h.hotkey.count() != 0 || len(h.injector.injected) != 0 {
		t.Fatalf("expected no activity while Off, got hotkeys=%d injections=%+v", h.hotkey.count(), h.injector.injected)
	}
}

// Testable property: cancellation is clean — after Shutdown the engine
// reports itself closed instead of accepting further events.
func TestEngine_Property_CleanCancellation(t *testing.T) {
	copyCmd := wakeCommand(t, "copy that", KeySequence{Modifiers: []Modifier{ModCmd}, Key: "c"})
	h := newTestHarness(t, []CommandDefinition{copyCmd}, ModeWake)

	if err := h.engine.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Posting after shutdown must not panic and must report the engine
	// as closed rather than deliver the event.
	err := h.engine.RequestMode(context.Background(), ModeDictation, SourceUIToggle)
	if err == nil {
		t.Fatal("expected an error requesting a mode change after shutdown")
	}
}
