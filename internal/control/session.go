// internal/control/session.go
package control

import (
	"sync"
	"time"

	"github.com/swarmlabs/solswarm/internal/market"
)

// SessionConfig carries the per-session options supplied at engage.
type SessionConfig struct {
	UserID        string
	WalletGroupID string
	Thresholds    Thresholds
	AutoExecute   bool
	EmitInterval  time.Duration
	Monitor       market.MonitorConfig
	ForceAMMPhase bool // explicit override: start in (or jump to) AMM
}

// StatusSnapshot is the immutable value emitted per evaluation.
type StatusSnapshot struct {
	AssetID        string
	Phase          Phase
	ProtocolStatus ProtocolStatus
	Strategy       Strategy
	Metrics        market.AssetState
	Config         SessionConfig
	UpdatedAt      time.Time
}

// Session is the per-asset control state. At most one exists per asset.
type Session struct {
	AssetID string
	Config  SessionConfig

	mu            sync.RWMutex
	phase         Phase
	status        ProtocolStatus
	strategy      Strategy
	lastMetrics   market.AssetState
	emergencyStop bool
	lastEmitAt    time.Time
	evaluated     bool

	unwatch func()
	handle  *market.Handle
}

func newSession(assetID string, cfg SessionConfig) *Session {
	phase := PhaseBonding
	if cfg.ForceAMMPhase {
		phase = PhaseAMM
	}
	return &Session{
		AssetID:  assetID,
		Config:   cfg,
		phase:    phase,
		status:   StatusStabilizing,
		strategy: SelectStrategy(phase, StatusStabilizing),
	}
}

// Snapshot returns the session's current status as an immutable value.
func (s *Session) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{
		AssetID:        s.AssetID,
		Phase:          s.phase,
		ProtocolStatus: s.status,
		Strategy:       s.strategy,
		Metrics:        s.lastMetrics,
		Config:         s.Config,
		UpdatedAt:      s.lastEmitAt,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Strategy returns the currently selected strategy.
func (s *Session) Strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// Stopped reports whether the sticky emergency-stop flag is set.
// Executors must check this before acting on a plan.
func (s *Session) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergencyStop
}

// evaluate folds a metrics snapshot into the session and reports
// whether a status event must be emitted. Phase only ever moves
// forward; status and strategy are recomputed from scratch.
func (s *Session) evaluate(state market.AssetState, now time.Time) (StatusSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevPhase := s.phase
	if s.phase == PhaseBonding && (state.MigrationDetected || s.Config.ForceAMMPhase) {
		s.phase = PhaseAMM
	}

	newStatus := ClassifyStatus(state, s.Config.Thresholds)
	newStrategy := SelectStrategy(s.phase, newStatus)

	changed := !s.evaluated ||
		s.phase != prevPhase ||
		newStatus != s.status ||
		newStrategy != s.strategy

	s.status = newStatus
	s.strategy = newStrategy
	s.lastMetrics = state
	s.evaluated = true

	// Emit on meaningful change immediately; otherwise rate-limit to
	// the idle interval.
	emit := changed || now.Sub(s.lastEmitAt) >= s.Config.EmitInterval
	if !emit {
		return StatusSnapshot{}, false
	}
	s.lastEmitAt = now

	return StatusSnapshot{
		AssetID:        s.AssetID,
		Phase:          s.phase,
		ProtocolStatus: s.status,
		Strategy:       s.strategy,
		Metrics:        state,
		Config:         s.Config,
		UpdatedAt:      now,
	}, true
}

// markStopped sets the sticky emergency flag.
func (s *Session) markStopped() {
	s.mu.Lock()
	s.emergencyStop = true
	s.mu.Unlock()
}
