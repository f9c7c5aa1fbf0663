package engine

import "time"

// TurnEventKind enumerates the products the Turn Aggregator hands to its
// consumers (§4.3).
type TurnEventKind string

const (
	TurnEventHypothesisChanged         TurnEventKind = "hypothesis_changed"
	TurnEventUtteranceEndedUnformatted TurnEventKind = "utterance_ended_unformatted"
	TurnEventUtteranceEndedFormatted   TurnEventKind = "utterance_ended_formatted"
	TurnEventUtteranceAborted          TurnEventKind = "utterance_aborted"
)

// TurnEvent is one output of the Turn Aggregator's state machine.
type TurnEvent struct {
	Kind       TurnEventKind
	Utterance  *Utterance
	Hypothesis string // meaningful for TurnEventHypothesisChanged
}

// GraceScheduler lets the Turn Aggregator ask its host (the Engine event
// loop) to fire a callback after the grace interval, and to cancel a
// pending one. The Engine implements this with time.AfterFunc, posting a
// GraceTimerFired message back onto its own serialized mailbox (§5) -
// the Aggregator itself never spawns a goroutine or blocks.
type GraceScheduler interface {
	Schedule(utteranceID uint64, d time.Duration)
	Cancel()
}

// noopGraceScheduler is used when a caller (tests) doesn't care about
// timer scheduling and drives HandleGraceTimeout manually.
type noopGraceScheduler struct{}

func (noopGraceScheduler) Schedule(uint64, time.Duration) {}
func (noopGraceScheduler) Cancel()                        {}

// TurnAggregator implements C3 (§4.3): it reduces the raw inbound Turn
// stream into a clean per-utterance lifecycle, deriving the live
// hypothesis and the end-of-utterance final text.
//
// TurnAggregator is not internally synchronized: like the teacher's
// ManagedStream state transitions, all mutation is expected to happen on
// a single logical thread (the Engine event loop, §5). Concurrent access
// from multiple goroutines is a caller bug, not something this type
// defends against.
type TurnAggregator struct {
	session   *Session
	graceMs   time.Duration
	scheduler GraceScheduler
	logger    Logger
	nextID    uint64
}

// NewTurnAggregator constructs a TurnAggregator over session. graceMs is
// the formatted-follow-up grace window (§4.3, default 500ms). scheduler
// may be nil, in which case grace timeouts must be driven manually via
// HandleGraceTimeout (useful in tests).
func NewTurnAggregator(session *Session, graceMs time.Duration, scheduler GraceScheduler, logger Logger) *TurnAggregator {
	if scheduler == nil {
		scheduler = noopGraceScheduler{}
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &TurnAggregator{session: session, graceMs: graceMs, scheduler: scheduler, logger: logger}
}

func (a *TurnAggregator) newUtteranceLocked(now time.Time) *Utterance {
	a.nextID++
	return newUtterance(a.nextID, now)
}

// HandleTurn processes one inbound Turn event (§4.3's state table) and
// returns the downstream events it produces, in order.
func (a *TurnAggregator) HandleTurn(turn Turn, now time.Time) []TurnEvent {
	turn.ReceivedAt = now

	cur := a.session.CurrentUtterance
	if cur == nil {
		cur = a.newUtteranceLocked(now)
		a.session.CurrentUtterance = cur
		a.logger.Debug("turn aggregator: opened utterance", "utteranceID", cur.ID)
	}

	a.session.LastActivity = now
	return a.dispatch(cur, turn, now)
}

func (a *TurnAggregator) dispatch(cur *Utterance, turn Turn, now time.Time) []TurnEvent {
	switch cur.State {
	case StateOpen:
		return a.dispatchOpen(cur, turn, now)
	case StateAwaitingFormatted:
		return a.dispatchAwaitingFormatted(cur, turn, now)
	default:
		// Defensive: a terminated Utterance should never still be
		// session.CurrentUtterance. Treat it as a fresh open.
		fresh := a.newUtteranceLocked(now)
		a.session.CurrentUtterance = fresh
		return a.dispatchOpen(fresh, turn, now)
	}
}

func (a *TurnAggregator) dispatchOpen(cur *Utterance, turn Turn, now time.Time) []TurnEvent {
	switch {
	case !turn.EndOfTurn:
		cur.Turn = turn
		return []TurnEvent{a.hypothesisEvent(cur)}

	case turn.EndOfTurn && !turn.TurnIsFormatted:
		cur.Turn = turn
		text := turn.Transcript
		cur.UnformattedFinalText = &text
		cur.State = StateAwaitingFormatted
		a.scheduler.Schedule(cur.ID, a.graceMs)
		return []TurnEvent{{Kind: TurnEventUtteranceEndedUnformatted, Utterance: cur}}

	default:
		// EndOfTurn && TurnIsFormatted with no preceding unformatted
		// end-of-turn: the combined-event case from spec.md §9's Open
		// Question, resolved here as Open -> NoUtterance directly, no
		// grace timer involved.
		cur.Turn = turn
		text := turn.Transcript
		cur.FormattedText = &text
		cur.EndedAt = now
		a.session.CurrentUtterance = nil
		return []TurnEvent{{Kind: TurnEventUtteranceEndedFormatted, Utterance: cur}}
	}
}

func (a *TurnAggregator) dispatchAwaitingFormatted(cur *Utterance, turn Turn, now time.Time) []TurnEvent {
	switch {
	case turn.EndOfTurn && turn.TurnIsFormatted:
		cur.Turn = turn
		text := turn.Transcript
		cur.FormattedText = &text
		cur.EndedAt = now
		a.scheduler.Cancel()
		a.session.CurrentUtterance = nil
		return []TurnEvent{{Kind: TurnEventUtteranceEndedFormatted, Utterance: cur}}

	case !turn.EndOfTurn:
		// New speech started before the formatted follow-up arrived:
		// close the previous utterance (as the grace timeout would) then
		// open a new one for this turn.
		closeEvents := a.finalizeWithFallback(cur, now)
		a.scheduler.Cancel()
		a.session.CurrentUtterance = nil

		fresh := a.newUtteranceLocked(now)
		a.session.CurrentUtterance = fresh
		return append(closeEvents, a.dispatchOpen(fresh, turn, now)...)

	default:
		// turn.EndOfTurn && !turn.TurnIsFormatted while already awaiting
		// a formatted follow-up: not an enumerated transition. Tolerate
		// it by refreshing the unformatted fallback text without
		// changing state, matching C2's "tolerate unknown shapes"
		// philosophy (§4.2).
		text := turn.Transcript
		cur.UnformattedFinalText = &text
		return nil
	}
}

// finalizeWithFallback closes cur using its unformatted text as the
// formatted_text, per the grace-timeout and "new speech before formatted
// follow-up" rows of §4.3's table.
func (a *TurnAggregator) finalizeWithFallback(cur *Utterance, now time.Time) []TurnEvent {
	fallback := ""
	if cur.UnformattedFinalText != nil {
		fallback = *cur.UnformattedFinalText
	}
	cur.FormattedText = &fallback
	cur.EndedAt = now
	return []TurnEvent{{Kind: TurnEventUtteranceEndedFormatted, Utterance: cur}}
}

// HandleGraceTimeout processes a GraceTimerFired event for utteranceID
// (§4.3, §5). Stale timers (the utterance already moved on) are ignored.
func (a *TurnAggregator) HandleGraceTimeout(utteranceID uint64, now time.Time) []TurnEvent {
	cur := a.session.CurrentUtterance
	if cur == nil || cur.ID != utteranceID || cur.State != StateAwaitingFormatted {
		return nil
	}
	events := a.finalizeWithFallback(cur, now)
	a.session.CurrentUtterance = nil
	return events
}

// HandleConnectionLost aborts any in-flight utterance (§4.3's "connection
// lost" row, §5's cancellation rules).
func (a *TurnAggregator) HandleConnectionLost(now time.Time) []TurnEvent {
	cur := a.session.CurrentUtterance
	if cur == nil {
		return nil
	}
	a.scheduler.Cancel()
	a.session.CurrentUtterance = nil
	cur.EndedAt = now
	return []TurnEvent{{Kind: TurnEventUtteranceAborted, Utterance: cur}}
}

func (a *TurnAggregator) hypothesisEvent(cur *Utterance) TurnEvent {
	return TurnEvent{
		Kind:       TurnEventHypothesisChanged,
		Utterance:  cur,
		Hypothesis: BuildHypothesis(cur.Turn.Words),
	}
}
