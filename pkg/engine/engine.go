package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type msgKind string

const (
	msgAudioFrame        msgKind = "audio_frame"
	msgInbound           msgKind = "inbound"
	msgGraceTimerFired   msgKind = "grace_timer_fired"
	msgPauseTimerFired   msgKind = "pause_timer_fired"
	msgModeRequested     msgKind = "mode_requested"
	msgSettingsChanged   msgKind = "settings_changed"
	msgShutdownRequested msgKind = "shutdown_requested"
)

// envelope is the single message carried on the engine's mailbox (§5's
// serialized event queue: AudioFrameReady,
// Inbound(Turn|Begin|Termination|Error), GraceTimerFired, ModeRequested,
// ShutdownRequested — PauseTimerFired and SettingsChanged are this
// implementation's own additions to the same queue, for C4's pause
// policy and live settings reload).
type envelope struct {
	kind        msgKind
	frame       []int16
	inbound     InboundMessage
	utteranceID uint64
	phrase      string
	mode        Mode
	source      ModeTransitionSource
	settings    Settings
	respond     chan error
}

type pauseKey struct {
	utteranceID uint64
	phrase      string
}

// EngineConfig bundles every external port the Engine needs. Audio, STT,
// Injector, and Hotkey are required. Logger, UI, Accessibility, and
// Settings may be nil; zero PauseMs, GraceMs, and StartMode take defaults.
type EngineConfig struct {
	Audio         AudioSource
	STT           StreamingClient
	Injector      TextInjector
	Hotkey        HotkeyPort
	Settings      SettingsPort
	UI            UIPort
	Accessibility AccessibilityPort
	Logger        Logger

	Commands []CommandDefinition
	WakeWord string
	PauseMs  time.Duration
	GraceMs  time.Duration
	StartMode Mode
}

// Engine is the single-writer event loop that wires C1-C6 together
// (§5). All mutation of Session, the current Utterance, Mode, and the
// command dedupe sets happens inside the goroutine running Run; every
// other goroutine (audio pump, inbound pump, timer callbacks) only ever
// posts a message onto mailbox.
type Engine struct {
	audio         AudioSource
	stt           StreamingClient
	injector      TextInjector
	hotkey        HotkeyPort
	settingsPort  SettingsPort
	ui            UIPort
	accessibility AccessibilityPort
	logger        Logger

	session    *Session
	aggregator *TurnAggregator
	matcher    *CommandMatcher
	emitter    *DictationEmitter
	modeCtrl   *ModeController

	mailbox chan envelope
	done    chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup

	audioCancel context.CancelFunc
	sttCancel   context.CancelFunc

	graceMu    sync.Mutex
	graceTimer *time.Timer

	pauseMu     sync.Mutex
	pauseTimers map[pauseKey]*time.Timer

	// modeCache mirrors modeCtrl's authoritative Mode for Mode(), which
	// callers outside the mailbox goroutine (e.g. a global hotkey
	// listener) need to read without racing the single-writer loop.
	modeCache atomic.Value
}

// Mode reports the engine's current operating mode. Safe to call from
// any goroutine; reflects the most recently completed transition.
func (e *Engine) Mode() Mode {
	if v := e.modeCache.Load(); v != nil {
		return v.(Mode)
	}
	return ModeOff
}

// NewEngine constructs an Engine in Mode Off. Call Run to start the
// event loop, then RequestMode to enter Dictation or Wake.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = NoOpLogger{}
	}
	if cfg.UI == nil {
		cfg.UI = NoOpUIPort{}
	}
	if cfg.Accessibility == nil {
		cfg.Accessibility = AlwaysGrantedAccessibilityPort{}
	}
	if cfg.PauseMs == 0 {
		cfg.PauseMs = 500 * time.Millisecond
	}
	if cfg.GraceMs == 0 {
		cfg.GraceMs = 500 * time.Millisecond
	}
	if cfg.StartMode == "" {
		cfg.StartMode = ModeOff
	}

	e := &Engine{
		audio:         cfg.Audio,
		stt:           cfg.STT,
		injector:      cfg.Injector,
		hotkey:        cfg.Hotkey,
		settingsPort:  cfg.Settings,
		ui:            cfg.UI,
		accessibility: cfg.Accessibility,
		logger:        cfg.Logger,
		session:       &Session{ConnectionState: ConnDisconnected},
		mailbox:       make(chan envelope, 256),
		done:          make(chan struct{}),
		pauseTimers:   make(map[pauseKey]*time.Timer),
	}
	e.aggregator = NewTurnAggregator(e.session, cfg.GraceMs, e, cfg.Logger)
	e.matcher = NewCommandMatcher(cfg.Commands, cfg.WakeWord, cfg.PauseMs, e, cfg.Logger)
	e.emitter = NewDictationEmitter(cfg.Injector, cfg.Logger)
	e.modeCtrl = NewModeController(cfg.StartMode, e, cfg.UI, cfg.Logger)
	e.modeCache.Store(cfg.StartMode)
	return e
}

// post enqueues msg, returning ErrEngineClosed if the engine has already
// shut down rather than blocking forever.
func (e *Engine) post(env envelope) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	select {
	case e.mailbox <- env:
		return nil
	case <-e.done:
		return ErrEngineClosed
	}
}

// --- GraceScheduler ---

func (e *Engine) Schedule(utteranceID uint64, d time.Duration) {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.graceTimer = time.AfterFunc(d, func() {
		_ = e.post(envelope{kind: msgGraceTimerFired, utteranceID: utteranceID})
	})
}

func (e *Engine) Cancel() {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

// --- PauseScheduler ---

func (e *Engine) SchedulePause(utteranceID uint64, phrase string, d time.Duration) {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	key := pauseKey{utteranceID, phrase}
	if t, ok := e.pauseTimers[key]; ok {
		t.Stop()
	}
	e.pauseTimers[key] = time.AfterFunc(d, func() {
		_ = e.post(envelope{kind: msgPauseTimerFired, utteranceID: utteranceID, phrase: phrase})
	})
}

func (e *Engine) CancelPause(utteranceID uint64, phrase string) {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	key := pauseKey{utteranceID, phrase}
	if t, ok := e.pauseTimers[key]; ok {
		t.Stop()
		delete(e.pauseTimers, key)
	}
}

// --- AudioPipeline (implements the interface ModeController drives) ---

func (e *Engine) StartCapture(ctx context.Context) error {
	pctx, cancel := context.WithCancel(context.Background())
	if err := e.audio.Start(pctx); err != nil {
		cancel()
		return err
	}
	e.audioCancel = cancel
	e.wg.Add(1)
	go e.pumpAudioFrames(pctx)
	return nil
}

func (e *Engine) StopCapture(ctx context.Context) error {
	if e.audioCancel != nil {
		e.audioCancel()
		e.audioCancel = nil
	}
	return e.audio.Stop()
}

func (e *Engine) OpenSession(ctx context.Context) error {
	sctx, cancel := context.WithCancel(context.Background())
	if err := e.stt.Connect(sctx); err != nil {
		cancel()
		return err
	}
	e.sttCancel = cancel
	e.wg.Add(1)
	go e.pumpInbound(sctx)
	return nil
}

func (e *Engine) CloseSession(ctx context.Context) error {
	err := e.stt.Close(ctx)
	if e.sttCancel != nil {
		e.sttCancel()
		e.sttCancel = nil
	}
	return err
}

func (e *Engine) AbortCurrentUtterance() {
	cur := e.session.CurrentUtterance
	if cur == nil {
		return
	}
	e.Cancel()
	e.matcher.Forget(cur.ID)
	e.session.CurrentUtterance = nil
}

func (e *Engine) pumpAudioFrames(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-e.audio.Frames():
			if !ok {
				return
			}
			if err := e.post(envelope{kind: msgAudioFrame, frame: frame}); err != nil {
				return
			}
		}
	}
}

func (e *Engine) pumpInbound(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.stt.Inbound():
			if !ok {
				return
			}
			if err := e.post(envelope{kind: msgInbound, inbound: msg}); err != nil {
				return
			}
		}
	}
}

// Run drives the engine's single-writer event loop until ctx is
// cancelled or Shutdown completes. It also spawns the settings
// subscription, if a SettingsPort was configured.
func (e *Engine) Run(ctx context.Context) error {
	var unsubscribe func()
	if e.settingsPort != nil {
		u, err := e.settingsPort.Subscribe(func(s Settings) {
			_ = e.post(envelope{kind: msgSettingsChanged, settings: s})
		})
		if err == nil {
			unsubscribe = u
		} else {
			e.logger.Warn("settings subscribe failed", "error", err)
		}
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case env := <-e.mailbox:
			e.handle(ctx, env)
		}
	}
}

// RequestMode asks the engine to transition to mode, blocking for the
// transition's completion (or ctx's cancellation).
func (e *Engine) RequestMode(ctx context.Context, mode Mode, source ModeTransitionSource) error {
	respond := make(chan error, 1)
	if err := e.post(envelope{kind: msgModeRequested, mode: mode, source: source, respond: respond}); err != nil {
		return err
	}
	select {
	case err := <-respond:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests an orderly Off transition and stops the event loop.
func (e *Engine) Shutdown(ctx context.Context) error {
	respond := make(chan error, 1)
	if err := e.post(envelope{kind: msgShutdownRequested, respond: respond}); err != nil {
		return nil // already closed
	}
	select {
	case err := <-respond:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handle(ctx context.Context, env envelope) {
	switch env.kind {
	case msgAudioFrame:
		if err := e.stt.SendAudio(env.frame); err != nil {
			e.logger.Warn("send audio failed", "error", err)
		}

	case msgInbound:
		e.handleInbound(ctx, env.inbound)

	case msgGraceTimerFired:
		e.dispatchTurnEvents(ctx, e.aggregator.HandleGraceTimeout(env.utteranceID, time.Now()))

	case msgPauseTimerFired:
		cur := e.session.CurrentUtterance
		if cur == nil || cur.ID != env.utteranceID {
			return // stale timer; the utterance already moved on
		}
		if fired := e.matcher.OnPauseTimeout(e.modeCtrl.Mode(), cur, env.phrase); fired != nil {
			e.dispatchFired(ctx, *fired)
		}

	case msgModeRequested:
		err := e.modeCtrl.RequestTransition(ctx, env.mode, env.source)
		e.modeCache.Store(e.modeCtrl.Mode())
		if env.respond != nil {
			env.respond <- err
		}

	case msgSettingsChanged:
		e.matcher.SetCommands(env.settings.Commands)
		e.matcher.SetWakeWord(env.settings.WakeWord)

	case msgShutdownRequested:
		err := e.modeCtrl.RequestTransition(ctx, ModeOff, SourceQuit)
		e.modeCache.Store(e.modeCtrl.Mode())
		e.closeOnce.Do(func() { close(e.done) })
		if env.respond != nil {
			env.respond <- err
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, im InboundMessage) {
	switch im.Kind {
	case MsgBegin:
		e.session.ConnectionState = ConnOpen
		e.ui.Publish(UIEvent{Kind: UIEventConnectionStateChanged, ConnectionState: ConnOpen})

	case MsgTurn:
		e.dispatchTurnEvents(ctx, e.aggregator.HandleTurn(im.Turn, time.Now()))

	case MsgTermination:
		e.dispatchTurnEvents(ctx, e.aggregator.HandleConnectionLost(time.Now()))
		e.session.ConnectionState = ConnDisconnected
		e.ui.Publish(UIEvent{Kind: UIEventConnectionStateChanged, ConnectionState: ConnDisconnected})

	case MsgError:
		e.handleStreamError(ctx, im)
	}
}

// handleStreamError distinguishes the fatal CredentialRejected condition
// from a recoverable transport fault (§4.2, §7).
func (e *Engine) handleStreamError(ctx context.Context, im InboundMessage) {
	if im.ErrorCode == "credential_rejected" || im.ErrorCode == "unauthorized" {
		e.logger.Error("speech service rejected credentials", "message", im.ErrorMessage)
		e.ui.Publish(UIEvent{Kind: UIEventError, ErrorKind: ErrKindCredentialRejected, ErrorMessage: im.ErrorMessage})
		_ = e.modeCtrl.RequestTransition(ctx, ModeOff, SourceCredentialLost)
		e.modeCache.Store(e.modeCtrl.Mode())
		return
	}
	e.logger.Warn("streaming client error", "code", im.ErrorCode, "message", im.ErrorMessage)
	e.dispatchTurnEvents(ctx, e.aggregator.HandleConnectionLost(time.Now()))
	e.ui.Publish(UIEvent{Kind: UIEventError, ErrorKind: ErrKindTransportFault, ErrorMessage: im.ErrorMessage})
}

func (e *Engine) dispatchTurnEvents(ctx context.Context, events []TurnEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case TurnEventHypothesisChanged:
			e.ui.Publish(UIEvent{Kind: UIEventHypothesisChanged, Hypothesis: ev.Hypothesis})
			for _, f := range e.matcher.OnHypothesisChanged(e.modeCtrl.Mode(), ev.Utterance, ev.Hypothesis) {
				e.dispatchFired(ctx, f)
			}

		case TurnEventUtteranceEndedUnformatted:
			for _, f := range e.matcher.OnUtteranceEndedUnformatted(e.modeCtrl.Mode(), ev.Utterance, ev.Utterance.BestFinalText()) {
				e.dispatchFired(ctx, f)
			}

		case TurnEventUtteranceEndedFormatted:
			if !e.accessibility.CheckAccessibilityPermission() {
				e.logger.Warn("dictation injection suppressed: accessibility permission not granted", "utteranceID", ev.Utterance.ID)
				e.accessibility.RequestAccessibilityPermission()
			} else if _, err := e.emitter.Emit(ctx, e.modeCtrl.Mode(), ev.Utterance); err != nil {
				e.ui.Publish(UIEvent{Kind: UIEventError, ErrorKind: ErrKindInjectionError, ErrorMessage: err.Error()})
			}
			e.ui.Publish(UIEvent{Kind: UIEventUtteranceCompleted, UtteranceText: ev.Utterance.BestFinalText()})
			e.matcher.Forget(ev.Utterance.ID)

		case TurnEventUtteranceAborted:
			e.matcher.Forget(ev.Utterance.ID)
		}
	}
}

func (e *Engine) dispatchFired(ctx context.Context, f FiredCommand) {
	switch f.Def.Action.Kind {
	case ActionKeySequence:
		if !e.accessibility.CheckAccessibilityPermission() {
			e.logger.Warn("hotkey suppressed: accessibility permission not granted", "phrase", f.Def.Phrase)
			e.accessibility.RequestAccessibilityPermission()
			return
		}
		if err := e.hotkey.SendKeySequence(ctx, f.Def.Action.Keys); err != nil {
			e.logger.Error("hotkey dispatch failed", "phrase", f.Def.Phrase, "keys", f.Def.Action.Keys, "error", err)
			e.ui.Publish(UIEvent{Kind: UIEventError, ErrorKind: ErrKindInjectionError, ErrorMessage: err.Error()})
		}

	case ActionModeSet:
		if err := e.modeCtrl.RequestTransition(ctx, f.Def.Action.Mode, SourceVoiceCommand); err != nil {
			e.logger.Warn("voice-triggered mode transition failed", "error", err)
		}
		e.modeCache.Store(e.modeCtrl.Mode())

	case ActionQuit:
		_ = e.modeCtrl.RequestTransition(ctx, ModeOff, SourceQuit)
		e.modeCache.Store(e.modeCtrl.Mode())
		e.closeOnce.Do(func() { close(e.done) })

	case ActionCancelLast:
		// Reserved; not in V1 (§4.4).
	}
}
