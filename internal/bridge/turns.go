package bridge

import (
	"sync"
	"time"
)

// EndReason says why a caller turn was closed.
type EndReason string

const (
	// EndSilence closes a turn after no caller frame for the silence window.
	EndSilence EndReason = "silence"

	// EndHardCap closes a turn that exceeded the maximum utterance length.
	EndHardCap EndReason = "hard_cap"

	// EndForced closes a turn on stream stop.
	EndForced EndReason = "forced"
)

// TurnHooks are invoked by the controller on turn boundaries. All hooks are
// called without the controller lock held, so they may call back into it.
// Nil hooks are skipped.
type TurnHooks struct {
	// OnTurnStart fires when the caller opens a turn.
	OnTurnStart func()

	// OnTurnEnd fires exactly once per open turn, with the exit reason.
	OnTurnEnd func(reason EndReason)

	// OnActivity fires when the caller speaks while turn entry is blocked by
	// recent agent output (barge-in), at most once per blocked utterance.
	// Agent audio re-arms it.
	OnActivity func()
}

// TurnController tracks whether the caller is speaking, using frame arrival
// as the only voice signal: the telephony side suppresses comfort noise, so
// absence of frames is a reliable silence indicator on phone calls.
//
// A turn opens on the first caller frame while idle, provided the agent has
// not produced output within the cooldown (or has never spoken, or the agent
// socket is not open yet). It closes on silence, on the hard cap, or when
// agent audio takes the turn back.
type TurnController struct {
	mu sync.Mutex

	silence      time.Duration
	maxUtterance time.Duration
	cooldown     time.Duration
	hooks        TurnHooks

	speaking        bool
	lastAgentOutput time.Time
	agentEverSpoke  bool
	activitySent    bool
	closed          bool

	silenceTimer *time.Timer
	capTimer     *time.Timer
}

// NewTurnController creates a controller in the idle state.
func NewTurnController(silence, maxUtterance, cooldown time.Duration, hooks TurnHooks) *TurnController {
	return &TurnController{
		silence:      silence,
		maxUtterance: maxUtterance,
		cooldown:     cooldown,
		hooks:        hooks,
	}
}

// OnCallerFrame records one inbound caller frame. agentOpen says whether the
// agent socket is at least open; entry is never blocked by cooldown while the
// agent side is still connecting.
func (tc *TurnController) OnCallerFrame(agentOpen bool) {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}

	if tc.speaking {
		tc.silenceTimer.Reset(tc.silence)
		tc.mu.Unlock()
		return
	}

	eligible := !tc.agentEverSpoke || !agentOpen ||
		time.Since(tc.lastAgentOutput) > tc.cooldown
	if !eligible {
		fireActivity := !tc.activitySent
		tc.activitySent = true
		tc.mu.Unlock()
		if fireActivity && tc.hooks.OnActivity != nil {
			tc.hooks.OnActivity()
		}
		return
	}

	tc.speaking = true
	tc.activitySent = false
	tc.silenceTimer = time.AfterFunc(tc.silence, func() { tc.endTurn(EndSilence) })
	tc.capTimer = time.AfterFunc(tc.maxUtterance, func() { tc.endTurn(EndHardCap) })
	tc.mu.Unlock()

	if tc.hooks.OnTurnStart != nil {
		tc.hooks.OnTurnStart()
	}
}

// OnAgentAudio records agent output. Any open caller turn is reset to idle
// without emitting a turn end: the agent has taken the turn. The activity
// signal is re-armed, so each new stretch of agent speech can report one
// barge-in of its own.
func (tc *TurnController) OnAgentAudio() {
	tc.mu.Lock()
	tc.lastAgentOutput = time.Now()
	tc.agentEverSpoke = true
	tc.activitySent = false
	if tc.speaking {
		tc.speaking = false
		tc.stopTimersLocked()
	}
	tc.mu.Unlock()
}

// ForceEnd closes an open turn immediately (stream stop). A second call, or
// a call while idle, is a no-op.
func (tc *TurnController) ForceEnd() {
	tc.endTurn(EndForced)
}

// Speaking reports whether a caller turn is open.
func (tc *TurnController) Speaking() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.speaking
}

// Close cancels all timers and suppresses any further events.
func (tc *TurnController) Close() {
	tc.mu.Lock()
	tc.closed = true
	tc.speaking = false
	tc.stopTimersLocked()
	tc.mu.Unlock()
}

// endTurn transitions speaking → idle exactly once per open turn, regardless
// of how many exit conditions race.
func (tc *TurnController) endTurn(reason EndReason) {
	tc.mu.Lock()
	if tc.closed || !tc.speaking {
		tc.mu.Unlock()
		return
	}
	tc.speaking = false
	tc.stopTimersLocked()
	tc.mu.Unlock()

	if tc.hooks.OnTurnEnd != nil {
		tc.hooks.OnTurnEnd(reason)
	}
}

func (tc *TurnController) stopTimersLocked() {
	if tc.silenceTimer != nil {
		tc.silenceTimer.Stop()
	}
	if tc.capTimer != nil {
		tc.capTimer.Stop()
	}
}
