// internal/control/service.go
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlabs/solswarm/internal/events"
	"github.com/swarmlabs/solswarm/internal/market"
)

// ErrSessionNotFound is returned for operations on unknown assets.
var ErrSessionNotFound = errors.New("control session not found")

// Monitor is the slice of the metrics aggregator the service uses.
type Monitor interface {
	StartMonitoring(ctx context.Context, assetID string, cfg market.MonitorConfig) (*market.Handle, error)
	StopMonitoring(assetID string) error
	Subscribe(assetID string, cb market.WatchFunc) func()
}

// Service owns the per-asset control sessions: regime classification,
// strategy selection, and rate-limited status broadcast.
type Service struct {
	monitor Monitor
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates the control service.
func NewService(monitor Monitor, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{
		monitor:  monitor,
		bus:      bus,
		logger:   logger.Named("control"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Engage creates (or returns) the control session for an asset. It
// starts monitoring, attaches a watcher, and evaluates once against
// any already-known state. An initialization failure leaves no partial
// session behind.
//
// The monitor calls run without s.mu held: StartMonitoring blocks on
// the subscription round-trip, and the service must stay responsive
// while it is in flight.
func (s *Service) Engage(ctx context.Context, assetID string, cfg SessionConfig) (*Session, error) {
	s.mu.RLock()
	existing, ok := s.sessions[assetID]
	s.mu.RUnlock()
	if ok {
		s.logger.Debug("Session already engaged", zap.String("asset", assetID))
		return existing, nil
	}

	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = 5 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	session := newSession(assetID, cfg)

	handle, err := s.monitor.StartMonitoring(ctx, assetID, cfg.Monitor)
	if err != nil {
		return nil, fmt.Errorf("engage %s: %w", assetID, err)
	}
	session.handle = handle

	// The watcher fires immediately with the current snapshot, so the
	// first evaluation happens before Engage returns.
	session.unwatch = s.monitor.Subscribe(assetID, func(state market.AssetState) {
		s.onUpdate(session, state)
	})

	s.mu.Lock()
	if winner, ok := s.sessions[assetID]; ok {
		// A concurrent Engage finished first. Monitoring registrations
		// merge, so only our watcher needs detaching.
		s.mu.Unlock()
		session.unwatch()
		return winner, nil
	}
	s.sessions[assetID] = session
	s.mu.Unlock()

	s.logger.Info("Control session engaged",
		zap.String("asset", assetID),
		zap.String("user", cfg.UserID),
		zap.String("strategy", string(session.Strategy())))

	return session, nil
}

// onUpdate is driven synchronously by the watcher callback, so
// evaluations for one asset never interleave.
func (s *Service) onUpdate(session *Session, state market.AssetState) {
	snapshot, emit := session.evaluate(state, s.now())
	if !emit {
		return
	}

	s.logger.Debug("Status update",
		zap.String("asset", snapshot.AssetID),
		zap.String("phase", string(snapshot.Phase)),
		zap.String("status", string(snapshot.ProtocolStatus)),
		zap.String("strategy", string(snapshot.Strategy)))

	if s.bus != nil {
		_ = s.bus.Publish(events.StatusUpdateEvent{
			BaseEvent:      events.BaseEvent{EventType: events.StatusUpdated, EventTime: snapshot.UpdatedAt},
			AssetID:        snapshot.AssetID,
			Phase:          string(snapshot.Phase),
			ProtocolStatus: string(snapshot.ProtocolStatus),
			Strategy:       string(snapshot.Strategy),
			Snapshot:       snapshot.Metrics,
			Config:         snapshot.Config,
			UpdatedAt:      snapshot.UpdatedAt,
		})
	}
}

// Disengage tears the session down and emits session-ended. Unknown
// assets report ErrSessionNotFound; nothing is raised beyond that.
func (s *Service) Disengage(assetID, reason string) error {
	s.mu.Lock()
	session, ok := s.sessions[assetID]
	if ok {
		delete(s.sessions, assetID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if session.unwatch != nil {
		session.unwatch()
	}
	if err := s.monitor.StopMonitoring(assetID); err != nil {
		s.logger.Warn("Stop monitoring during disengage",
			zap.String("asset", assetID), zap.Error(err))
	}

	endedAt := s.now()
	if s.bus != nil {
		_ = s.bus.Publish(events.SessionEndedEvent{
			BaseEvent: events.BaseEvent{EventType: events.SessionEnded, EventTime: endedAt},
			AssetID:   assetID,
			Reason:    reason,
			EndedAt:   endedAt,
		})
	}

	s.logger.Info("Control session disengaged",
		zap.String("asset", assetID),
		zap.String("reason", reason))
	return nil
}

// EmergencyStop sets the sticky stop flag and emits the event. The
// session stays alive; executors must check Stopped() themselves.
func (s *Service) EmergencyStop(assetID, cause string) error {
	s.mu.RLock()
	session, ok := s.sessions[assetID]
	s.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}

	session.markStopped()
	s.logger.Warn("Emergency stop",
		zap.String("asset", assetID),
		zap.String("cause", cause))

	if s.bus != nil {
		_ = s.bus.Publish(events.EmergencyStopEvent{
			BaseEvent: events.BaseEvent{EventType: events.EmergencyStop, EventTime: s.now()},
			AssetID:   assetID,
			Context:   cause,
		})
	}
	return nil
}

// Session returns the live session for an asset.
func (s *Service) Session(assetID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[assetID]
	return session, ok
}

// GetStatus returns the current status snapshot for an asset.
func (s *Service) GetStatus(assetID string) (StatusSnapshot, bool) {
	s.mu.RLock()
	session, ok := s.sessions[assetID]
	s.mu.RUnlock()

	if !ok {
		return StatusSnapshot{}, false
	}
	return session.Snapshot(), true
}

// ListSessions returns the asset ids with an active session.
func (s *Service) ListSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// OnStatusUpdate subscribes a handler to status updates.
func (s *Service) OnStatusUpdate(fn func(ctx context.Context, e events.StatusUpdateEvent)) events.Subscription {
	return s.bus.SubscribeFunc(events.StatusUpdated, func(ctx context.Context, e events.Event) error {
		if ev, ok := e.(events.StatusUpdateEvent); ok {
			fn(ctx, ev)
		}
		return nil
	})
}

// OnEmergencyStop subscribes a handler to emergency-stop events.
func (s *Service) OnEmergencyStop(fn func(ctx context.Context, e events.EmergencyStopEvent)) events.Subscription {
	return s.bus.SubscribeFunc(events.EmergencyStop, func(ctx context.Context, e events.Event) error {
		if ev, ok := e.(events.EmergencyStopEvent); ok {
			fn(ctx, ev)
		}
		return nil
	})
}

// Shutdown disengages every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Disengage(id, "shutdown")
	}
}
