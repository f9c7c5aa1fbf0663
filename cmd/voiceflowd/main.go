// Command voiceflowd is the VoiceFlow host process: it wires the engine
// (pkg/engine) to real ports — a microphone (pkg/audio), the AssemblyAI
// Streaming v3 service (pkg/stt), clipboard/keystroke injection
// (pkg/inject), a YAML settings file (pkg/settings), and rotating
// structured logs (pkg/logging) — then runs until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	gohotkey "golang.design/x/hotkey"

	"github.com/tmad4000/voiceflow/pkg/audio"
	"github.com/tmad4000/voiceflow/pkg/engine"
	"github.com/tmad4000/voiceflow/pkg/inject"
	"github.com/tmad4000/voiceflow/pkg/logging"
	"github.com/tmad4000/voiceflow/pkg/settings"
	"github.com/tmad4000/voiceflow/pkg/stt"
	"github.com/tmad4000/voiceflow/pkg/stt/fake"
)

const (
	shutdownTimeout = 5 * time.Second
	requestTimeout  = 2 * time.Second
)

func main() {
	pflags := pflag.NewFlagSet("voiceflowd", pflag.ExitOnError)
	settingsPath := pflags.String("settings", "voiceflow.yaml", "path to the voice commands/settings YAML file")
	logPath := pflags.String("log-file", "voiceflow.log", "path to the rotating log file")
	useFakeSTT := pflags.Bool("fake-stt", false, "replay a scripted transcript instead of connecting to AssemblyAI (SPEC_FULL.md §12 dev mode)")
	debugWavPath := pflags.String("debug-wav", "", "if set, record all captured audio to this WAV file for diagnosing the microphone")
	if err := pflags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("voiceflowd: parsing flags: %v", err)
	}

	logger := logging.New(logging.Options{Path: *logPath})
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Info("voiceflowd: no .env file found, using process environment")
	}

	settingsPort, err := settings.New(*settingsPath, pflags, logger)
	if err != nil {
		log.Fatalf("voiceflowd: settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded, err := settingsPort.Load(ctx)
	if err != nil {
		log.Fatalf("voiceflowd: loading settings: %v", err)
	}

	apiKeyEnvVar := loaded.APIKeyEnvVar
	if apiKeyEnvVar == "" {
		apiKeyEnvVar = "ASSEMBLYAI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnvVar)
	if apiKey == "" && !*useFakeSTT {
		log.Fatalf("voiceflowd: %s must be set (or run with -fake-stt)", apiKeyEnvVar)
	}

	hotkeyPort := inject.NewRobotgoHotkeyPort(logger)
	injector := inject.NewClipboardInjector(hotkeyPort, logger)

	var audioSource engine.AudioSource = audio.NewMalgoSource()
	var debugRecorder *audio.DebugRecorder
	if *debugWavPath != "" {
		debugRecorder = audio.NewDebugRecorder()
		audioSource = audio.NewRecordingSource(audioSource, debugRecorder)
	}
	audioSource = audio.NewMonitoredSource(audioSource, func() {
		logger.Warn("voiceflowd: no speech-level audio detected for a while; check that the microphone isn't muted")
	})

	var sttClient engine.StreamingClient
	if *useFakeSTT {
		sessionID := uuid.NewString()
		sttClient = fake.NewClient(demoScript(sessionID), 0)
		logger.Info("voiceflowd: using the scripted fake speech client", "session_id", sessionID)
	} else {
		sttClient = stt.NewClient(apiKey, "", logger)
	}

	eng := engine.NewEngine(engine.EngineConfig{
		Audio:         audioSource,
		STT:           sttClient,
		Injector:      injector,
		Hotkey:        hotkeyPort,
		Settings:      settingsPort,
		UI:            engine.NoOpUIPort{}, // the status UI is out of scope; wire a real UIPort here to surface events
		Accessibility: engine.AlwaysGrantedAccessibilityPort{},
		Logger:        logger,
		Commands:      loaded.Commands,
		WakeWord:      loaded.WakeWord,
		StartMode:     loaded.StartMode,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	unregisterToggle := registerGlobalToggle(ctx, eng, logger)
	defer unregisterToggle()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		fmt.Println("\nvoiceflowd: shutting down...")
	case err := <-runDone:
		if err != nil {
			logger.Error("voiceflowd: engine loop exited", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("voiceflowd: shutdown reported an error", "error", err)
	}
	<-runDone

	if debugRecorder != nil {
		if err := debugRecorder.Flush(*debugWavPath); err != nil {
			logger.Warn("voiceflowd: failed to flush debug WAV recording", "path", *debugWavPath, "error", err)
		} else {
			logger.Info("voiceflowd: wrote debug WAV recording", "path", *debugWavPath)
		}
	}
}

// registerGlobalToggle wires an optional Ctrl+Shift+M global hotkey that
// flips Mode between Off and Wake from outside the app, mirroring
// mDW's registerHotkey. golang.design/x/hotkey is known to crash via
// CGO on macOS, so it is skipped there (see the pack's own reference).
func registerGlobalToggle(ctx context.Context, eng *engine.Engine, logger engine.Logger) func() {
	if runtime.GOOS == "darwin" {
		logger.Info("voiceflowd: global toggle hotkey disabled on macOS; flip Mode via settings instead")
		return func() {}
	}

	hk := gohotkey.New([]gohotkey.Modifier{gohotkey.ModCtrl, gohotkey.ModShift}, gohotkey.KeyM)
	if err := hk.Register(); err != nil {
		logger.Warn("voiceflowd: failed to register global toggle hotkey", "error", err)
		return func() {}
	}

	go func() {
		for range hk.Keydown() {
			target := engine.ModeWake
			if eng.Mode() != engine.ModeOff {
				target = engine.ModeOff
			}
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			if err := eng.RequestMode(reqCtx, target, engine.SourceUIToggle); err != nil {
				logger.Warn("voiceflowd: global toggle mode request failed", "error", err)
			}
			cancel()
		}
	}()

	logger.Info("voiceflowd: global toggle hotkey registered", "shortcut", "ctrl+shift+m")
	return func() { hk.Unregister() }
}

// demoScript is a short, representative Begin/Turn/Termination sequence
// for -fake-stt, exercising a wake-word command followed by dictation.
func demoScript(sessionID string) []engine.InboundMessage {
	return []engine.InboundMessage{
		{Kind: engine.MsgBegin, SessionID: sessionID},
		{Kind: engine.MsgTurn, Turn: engine.Turn{
			Transcript: "voiceflow copy that", EndOfTurn: false, TurnIsFormatted: false,
			Words: []engine.TurnWord{{Text: "voiceflow", IsFinal: true}, {Text: "copy", IsFinal: true}, {Text: "that", IsFinal: true}},
		}},
		{Kind: engine.MsgTurn, Turn: engine.Turn{
			Transcript: "Hello there.", EndOfTurn: true, TurnIsFormatted: true,
			Words: []engine.TurnWord{{Text: "Hello", IsFinal: true}, {Text: "there.", IsFinal: true}},
		}},
		{Kind: engine.MsgTermination},
	}
}
