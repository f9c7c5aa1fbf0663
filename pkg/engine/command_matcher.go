package engine

import (
	"strings"
	"time"
)

// FiredCommand is one CommandDefinition that the matcher has decided to
// execute now.
type FiredCommand struct {
	Def        CommandDefinition
	MatchStart int
}

// PauseScheduler lets the Command Matcher ask its host to fire a callback
// after pause_ms of continuous presence (§4.4's pause policy, rule b),
// and to cancel one early if the phrase disappears or fires via another
// rule first. Mirrors GraceScheduler's shape; the Engine implements both
// with the same timer-posting-to-mailbox mechanism (§5).
type PauseScheduler interface {
	SchedulePause(utteranceID uint64, phrase string, d time.Duration)
	CancelPause(utteranceID uint64, phrase string)
}

type noopPauseScheduler struct{}

func (noopPauseScheduler) SchedulePause(uint64, string, time.Duration) {}
func (noopPauseScheduler) CancelPause(uint64, string)                  {}

// CommandMatcher implements C4 (§4.4): phrase matching against the live
// hypothesis, per-utterance dedupe, and the instant-prefix / pause
// execution policies.
//
// Like TurnAggregator, CommandMatcher assumes single-writer access from
// the Engine event loop; it does no internal locking of its own mutable
// state (the pending-phrase tracking map).
type CommandMatcher struct {
	commands []CommandDefinition
	wakeWord string
	pauseMs  time.Duration
	sched    PauseScheduler
	logger   Logger

	// pending tracks, per utterance, the non-prefix command phrases
	// currently matched in the live hypothesis and awaiting either the
	// AwaitingFormatted rule or the pause timeout to fire them.
	pending map[uint64]map[string]struct{}
}

// NewCommandMatcher constructs a matcher. wakeWord is normalized at
// construction (§4.4's "configurable, case-insensitive, whitespace
// normalized"). sched may be nil in tests that drive OnPauseTimeout
// manually.
func NewCommandMatcher(commands []CommandDefinition, wakeWord string, pauseMs time.Duration, sched PauseScheduler, logger Logger) *CommandMatcher {
	if sched == nil {
		sched = noopPauseScheduler{}
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &CommandMatcher{
		commands: commands,
		wakeWord: NormalizePhrase(wakeWord),
		pauseMs:  pauseMs,
		sched:    sched,
		logger:   logger,
		pending:  make(map[uint64]map[string]struct{}),
	}
}

// SetCommands atomically swaps the command list, implementing the
// settings port's "atomically swaps in the new CommandDefinition set on
// the next engine-loop tick" contract (§6). Called only from the Engine
// loop, so no extra synchronization is required here.
func (m *CommandMatcher) SetCommands(commands []CommandDefinition) {
	m.commands = commands
}

// SetWakeWord updates the configurable instant-prefix wake word (§9 Open
// Question: single configurable phrase).
func (m *CommandMatcher) SetWakeWord(word string) {
	m.wakeWord = NormalizePhrase(word)
}

func eligibleCommands(mode Mode, commands []CommandDefinition) []CommandDefinition {
	if mode == ModeWake {
		return commands
	}
	var out []CommandDefinition
	for _, c := range commands {
		if c.IsSystem() && (c.Action.Kind == ActionModeSet || c.Action.Kind == ActionQuit) {
			out = append(out, c)
		}
	}
	return out
}

type match struct {
	def      CommandDefinition
	start    int
	end      int
	instant  bool
}

// findMatches returns every eligible command that matches somewhere in
// hypothesis, in left-to-right order of first match position (§4.4
// "Ordering").
func (m *CommandMatcher) findMatches(mode Mode, hypothesis string) []match {
	var matches []match
	for _, def := range eligibleCommands(mode, m.commands) {
		start, end, ok := firstWordBoundaryMatch(hypothesis, def.Phrase)
		if !ok {
			continue
		}
		matches = append(matches, match{
			def:     def,
			start:   start,
			end:     end,
			instant: m.isInstantPrefix(hypothesis, start),
		})
	}
	// Stable left-to-right ordering by first match position.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].start < matches[j-1].start; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	return matches
}

// firstWordBoundaryMatch finds the first occurrence of phrase in h such
// that both boundaries fall on whitespace or string edges (§4.4's
// stricter-than-substring matching rule: "copy" must not match
// "photocopy").
func firstWordBoundaryMatch(h, phrase string) (start, end int, ok bool) {
	if phrase == "" {
		return 0, 0, false
	}
	from := 0
	for {
		idx := strings.Index(h[from:], phrase)
		if idx < 0 {
			return 0, 0, false
		}
		i := from + idx
		j := i + len(phrase)
		leftOK := i == 0 || h[i-1] == ' '
		rightOK := j == len(h) || h[j] == ' '
		if leftOK && rightOK {
			return i, j, true
		}
		from = i + 1
	}
}

// isInstantPrefix reports whether the wake word, followed by exactly one
// space, immediately precedes the match starting at idx (§4.4's
// instant-prefix policy).
func (m *CommandMatcher) isInstantPrefix(h string, idx int) bool {
	if m.wakeWord == "" {
		return false
	}
	prefixLen := len(m.wakeWord) + 1 // wake word + one space
	if idx < prefixLen {
		return false
	}
	segment := h[idx-prefixLen : idx]
	if segment != m.wakeWord+" " {
		return false
	}
	// The wake word itself must be a word boundary (not a suffix of a
	// longer word), otherwise "myvoiceflow copy that" would wrongly
	// trigger.
	start := idx - prefixLen
	return start == 0 || h[start-1] == ' '
}

func (m *CommandMatcher) pendingSet(utteranceID uint64) map[string]struct{} {
	s, ok := m.pending[utteranceID]
	if !ok {
		s = make(map[string]struct{})
		m.pending[utteranceID] = s
	}
	return s
}

// OnHypothesisChanged is the matcher's main entry point, invoked on each
// HypothesisChanged event (§4.4). It fires instant-prefix matches and
// system commands (ModeSet/Quit) immediately, and starts/cancels pause
// timers for every other candidate; those non-instant, non-system
// commands are NOT fired here (they fire via OnUtteranceEndedUnformatted
// or OnPauseTimeout).
func (m *CommandMatcher) OnHypothesisChanged(mode Mode, u *Utterance, hypothesis string) []FiredCommand {
	if mode != ModeWake && !anySystemEligible(mode, m.commands) {
		return nil
	}

	matches := m.findMatches(mode, hypothesis)
	stillPresent := make(map[string]struct{}, len(matches))

	var fired []FiredCommand
	for _, mt := range matches {
		stillPresent[mt.def.Phrase] = struct{}{}
		if u.HasFired(mt.def.Phrase) {
			continue
		}
		if mt.instant || isInstantSystemAction(mt.def) {
			m.sched.CancelPause(u.ID, mt.def.Phrase)
			delete(m.pendingSet(u.ID), mt.def.Phrase)
			fired = append(fired, m.fire(u, mt))
			continue
		}
		pend := m.pendingSet(u.ID)
		if _, already := pend[mt.def.Phrase]; !already {
			pend[mt.def.Phrase] = struct{}{}
			m.sched.SchedulePause(u.ID, mt.def.Phrase, m.pauseMs)
		}
	}

	// Any phrase previously pending but no longer present has dropped
	// out of the hypothesis (the user kept talking past it, or it was an
	// ASR correction); cancel its pause timer.
	for phrase := range m.pendingSet(u.ID) {
		if _, ok := stillPresent[phrase]; !ok {
			m.sched.CancelPause(u.ID, phrase)
			delete(m.pending[u.ID], phrase)
		}
	}

	return fired
}

func anySystemEligible(mode Mode, commands []CommandDefinition) bool {
	return len(eligibleCommands(mode, commands)) > 0
}

// isInstantSystemAction reports whether def is a ModeSet/Quit system
// command, which fires the instant it matches regardless of wake-word
// prefix (§3: system commands "fire instantly without pause-waiting").
func isInstantSystemAction(def CommandDefinition) bool {
	return def.IsSystem() && (def.Action.Kind == ActionModeSet || def.Action.Kind == ActionQuit)
}

// OnUtteranceEndedUnformatted implements pause-policy rule (a): fire any
// matched, not-yet-fired command once the utterance reaches
// AwaitingFormatted, evaluated against the final transcript (§4.4).
func (m *CommandMatcher) OnUtteranceEndedUnformatted(mode Mode, u *Utterance, finalTranscript string) []FiredCommand {
	normalized := NormalizePhrase(finalTranscript)
	matches := m.findMatches(mode, normalized)

	var fired []FiredCommand
	for _, mt := range matches {
		if u.HasFired(mt.def.Phrase) {
			continue
		}
		m.sched.CancelPause(u.ID, mt.def.Phrase)
		delete(m.pendingSet(u.ID), mt.def.Phrase)
		fired = append(fired, m.fire(u, mt))
	}
	return fired
}

// OnPauseTimeout implements pause-policy rule (b): the command has been
// present continuously for >= pause_ms; fire it unless it already fired
// via rule (a) or disappeared from the hypothesis in the meantime.
func (m *CommandMatcher) OnPauseTimeout(mode Mode, u *Utterance, phrase string) *FiredCommand {
	pend := m.pendingSet(u.ID)
	if _, stillPending := pend[phrase]; !stillPending {
		return nil
	}
	delete(pend, phrase)
	if u.HasFired(phrase) {
		return nil
	}

	hypothesis := BuildHypothesis(u.Turn.Words)
	for _, mt := range m.findMatches(mode, hypothesis) {
		if mt.def.Phrase == phrase {
			f := m.fire(u, mt)
			return &f
		}
	}
	return nil
}

// Forget drops all pending pause-timer bookkeeping for an utterance once
// it terminates, matching §4.4's "the set is cleared when the Utterance
// terminates" for the matcher's own scratch state (the Utterance's own
// ExecutedCommands set is owned by the Utterance itself and simply goes
// out of scope with it).
func (m *CommandMatcher) Forget(utteranceID uint64) {
	delete(m.pending, utteranceID)
}

func (m *CommandMatcher) fire(u *Utterance, mt match) FiredCommand {
	u.MarkFired(mt.def.Phrase)
	u.ConsumedByCommand = true
	m.logger.Debug("command fired", "phrase", mt.def.Phrase, "utteranceID", u.ID, "instant", mt.instant)
	return FiredCommand{Def: mt.def, MatchStart: mt.start}
}
