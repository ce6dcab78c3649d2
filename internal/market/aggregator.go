// internal/market/aggregator.go
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmlabs/solswarm/internal/events"
	"github.com/swarmlabs/solswarm/internal/stream"
)

// Subscriber is the slice of the stream hub the aggregator uses.
type Subscriber interface {
	Subscribe(ctx context.Context, desc *stream.Descriptor) (func(), error)
}

// WatchFunc receives a state snapshot on every update.
type WatchFunc func(state AssetState)

// Handle controls one monitored asset.
type Handle struct {
	AssetID string
	stop    func() error
}

// Stop unregisters the asset's subscriptions and discards its state.
func (h *Handle) Stop() error {
	return h.stop()
}

type assetEntry struct {
	state   AssetState
	config  MonitorConfig
	unsubs  []func()
	prices  []pricePoint
	volumes []volumePoint
}

// Aggregator folds stream events into per-asset snapshots and fans
// updates out to watchers.
type Aggregator struct {
	hub    Subscriber
	bus    *events.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	assets   map[string]*assetEntry
	watchers map[string]map[string]WatchFunc
}

// NewAggregator creates the metrics aggregator.
func NewAggregator(hub Subscriber, bus *events.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		hub:      hub,
		bus:      bus,
		logger:   logger.Named("market"),
		assets:   make(map[string]*assetEntry),
		watchers: make(map[string]map[string]WatchFunc),
	}
}

// StartMonitoring registers the asset's subscriptions and creates its
// state. Calling it again for a live asset merges the config and
// returns a handle to the existing registration.
//
// The subscribe round-trips happen without holding a.mu: the ack comes
// back through the same stream loop that dispatches notifications, and
// those handlers need the lock. Holding it across Subscribe would wedge
// the whole stream path.
func (a *Aggregator) StartMonitoring(ctx context.Context, assetID string, cfg MonitorConfig) (*Handle, error) {
	a.mu.Lock()
	if existing, exists := a.assets[assetID]; exists {
		existing.config.merge(cfg)
		a.mu.Unlock()
		a.logger.Debug("Monitoring already active, merged config",
			zap.String("asset", assetID))
		return &Handle{AssetID: assetID, stop: func() error { return a.StopMonitoring(assetID) }}, nil
	}

	if cfg.TradeLogTarget == "" {
		cfg.TradeLogTarget = assetID
	}

	// Claim the slot first so a concurrent start is idempotent and
	// notifications arriving mid-setup find the entry.
	entry := &assetEntry{
		state:  AssetState{AssetID: assetID},
		config: cfg,
	}
	a.assets[assetID] = entry
	a.mu.Unlock()

	descriptors := a.buildDescriptors(assetID, cfg)
	var unsubs []func()
	for _, desc := range descriptors {
		unsub, err := a.hub.Subscribe(ctx, desc)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			a.mu.Lock()
			if a.assets[assetID] == entry {
				delete(a.assets, assetID)
			}
			a.mu.Unlock()
			return nil, fmt.Errorf("failed to start monitoring %s: %w", assetID, err)
		}
		unsubs = append(unsubs, unsub)
	}

	a.mu.Lock()
	if a.assets[assetID] != entry {
		// Stopped while the subscriptions were being set up.
		a.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return nil, fmt.Errorf("monitoring for %s stopped during startup", assetID)
	}
	entry.unsubs = unsubs
	a.mu.Unlock()

	a.logger.Info("Monitoring started",
		zap.String("asset", assetID),
		zap.Int("subscriptions", len(unsubs)))

	return &Handle{AssetID: assetID, stop: func() error { return a.StopMonitoring(assetID) }}, nil
}

func (a *Aggregator) buildDescriptors(assetID string, cfg MonitorConfig) []*stream.Descriptor {
	var descs []*stream.Descriptor
	if cfg.PoolAccount != "" {
		descs = append(descs, &stream.Descriptor{
			Type:    stream.SubscribeAccount,
			Key:     assetID + "/pool",
			Target:  cfg.PoolAccount,
			Handler: func(n stream.Notification) { a.onPoolUpdate(assetID, n) },
		})
	}
	descs = append(descs, &stream.Descriptor{
		Type:    stream.SubscribeLogs,
		Key:     assetID + "/trades",
		Target:  cfg.TradeLogTarget,
		Handler: func(n stream.Notification) { a.onTradeLog(assetID, n) },
	})
	if cfg.MigrationProgram != "" {
		descs = append(descs, &stream.Descriptor{
			Type:    stream.SubscribeProgram,
			Key:     assetID + "/migration",
			Target:  cfg.MigrationProgram,
			Handler: func(n stream.Notification) { a.onProgramEvent(assetID, n) },
		})
	}
	return descs
}

// StopMonitoring unregisters subscriptions and discards state. There
// is no tombstone: a later StartMonitoring begins fresh.
func (a *Aggregator) StopMonitoring(assetID string) error {
	a.mu.Lock()
	entry, exists := a.assets[assetID]
	if exists {
		delete(a.assets, assetID)
	}
	a.mu.Unlock()

	if !exists {
		return fmt.Errorf("asset %s is not monitored", assetID)
	}

	for _, unsub := range entry.unsubs {
		unsub()
	}
	a.logger.Info("Monitoring stopped", zap.String("asset", assetID))
	return nil
}

// GetState returns a copy of the asset's snapshot.
func (a *Aggregator) GetState(assetID string) (AssetState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, exists := a.assets[assetID]
	if !exists {
		return AssetState{}, false
	}
	return copyState(entry.state), true
}

// Subscribe registers a watcher. The callback fires immediately with
// the current snapshot (or a default if the asset is not yet
// monitored), then on every update. The returned function removes the
// watcher.
func (a *Aggregator) Subscribe(assetID string, cb WatchFunc) func() {
	a.mu.Lock()
	id := uuid.New().String()
	if a.watchers[assetID] == nil {
		a.watchers[assetID] = make(map[string]WatchFunc)
	}
	a.watchers[assetID][id] = cb

	snapshot := AssetState{AssetID: assetID}
	if entry, exists := a.assets[assetID]; exists {
		snapshot = copyState(entry.state)
	}
	a.mu.Unlock()

	cb(snapshot)

	return func() {
		a.mu.Lock()
		if m, ok := a.watchers[assetID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(a.watchers, assetID)
			}
		}
		a.mu.Unlock()
	}
}

// poolAccountData is the parsed pool account shape delivered by the
// relay. Holders and circulating supply ride along as external facts.
type poolAccountData struct {
	BaseReserve       float64 `json:"base_reserve"`
	QuoteReserve      float64 `json:"quote_reserve"`
	Decimals          uint8   `json:"decimals"`
	Holders           float64 `json:"holders"`
	CirculatingSupply float64 `json:"circulating_supply"`
}

func (a *Aggregator) onPoolUpdate(assetID string, n stream.Notification) {
	var data poolAccountData
	if err := json.Unmarshal(n.Value, &data); err != nil {
		a.logger.Warn("Malformed pool account data",
			zap.String("asset", assetID), zap.Error(err))
		return
	}

	now := time.Now()

	a.mu.Lock()
	entry, exists := a.assets[assetID]
	if !exists {
		// Response for an asset that was stopped mid-flight: no-op.
		a.mu.Unlock()
		return
	}

	prevQuote := entry.state.Reserves.Quote

	// Price is quote/base, guarded against an empty pool.
	price := entry.state.Price
	if data.BaseReserve > 0 {
		price = data.QuoteReserve / data.BaseReserve
	}

	entry.state.Price = price
	entry.state.Reserves = Reserves{
		Base:     data.BaseReserve,
		Quote:    data.QuoteReserve,
		Decimals: data.Decimals,
	}
	// Depth score is min(quote, base×price): a lower bound, not exact.
	entry.state.LPHealth = LPHealth{
		SolReserve:   data.QuoteReserve,
		TokenReserve: data.BaseReserve,
		Score:        math.Min(data.QuoteReserve, data.BaseReserve*price),
	}
	if data.Holders > 0 {
		entry.state.Stats.Holders = data.Holders
	}
	if data.CirculatingSupply > 0 {
		entry.state.Stats.CirculatingSupply = data.CirculatingSupply
	}

	entry.prices = append(entry.prices, pricePoint{at: now, price: price})
	entry.prices = pruneOld(entry.prices, func(p pricePoint) time.Time { return p.at }, now)
	if prevQuote > 0 {
		// Quote-reserve delta is the traded-volume proxy.
		entry.volumes = append(entry.volumes, volumePoint{at: now, amount: math.Abs(data.QuoteReserve - prevQuote)})
	}
	entry.volumes = pruneOld(entry.volumes, func(p volumePoint) time.Time { return p.at }, now)

	entry.state.Stats.PriceChange5m = priceChangeOver(entry.prices, price)
	entry.state.Stats.Volume5m = sumVolume(entry.volumes)
	entry.state.LastUpdate = now

	snapshot := copyState(entry.state)
	a.mu.Unlock()

	if a.bus != nil {
		_ = a.bus.Publish(events.PoolUpdateEvent{
			BaseEvent:    events.BaseEvent{EventType: events.PoolUpdated, EventTime: now},
			AssetID:      assetID,
			BaseReserve:  data.BaseReserve,
			QuoteReserve: data.QuoteReserve,
			Decimals:     data.Decimals,
			Slot:         n.Slot,
		})
	}
	a.notifyWatchers(assetID, snapshot)
}

// tradeLogValue is the logs notification payload.
type tradeLogValue struct {
	Signature string   `json:"signature"`
	Logs      []string `json:"logs"`
}

func (a *Aggregator) onTradeLog(assetID string, n stream.Notification) {
	var data tradeLogValue
	if err := json.Unmarshal(n.Value, &data); err != nil {
		a.logger.Warn("Malformed trade log notification",
			zap.String("asset", assetID), zap.Error(err))
		return
	}

	now := time.Now()
	classification := ClassifyTradeLogs(data.Logs)

	a.mu.Lock()
	entry, exists := a.assets[assetID]
	if !exists {
		a.mu.Unlock()
		return
	}

	// Only the latest trade is retained.
	entry.state.LastTrade = &LastTrade{
		Classification: classification,
		Signature:      data.Signature,
		Slot:           n.Slot,
		At:             now,
	}
	entry.state.LastUpdate = now
	snapshot := copyState(entry.state)
	a.mu.Unlock()

	if a.bus != nil {
		_ = a.bus.Publish(events.TradeLogEvent{
			BaseEvent: events.BaseEvent{EventType: events.TradeLogged, EventTime: now},
			AssetID:   assetID,
			Signature: data.Signature,
			Logs:      data.Logs,
			Slot:      n.Slot,
		})
	}
	a.notifyWatchers(assetID, snapshot)
}

// programNotifyValue is the program notification payload.
type programNotifyValue struct {
	Pubkey string `json:"pubkey"`
}

func (a *Aggregator) onProgramEvent(assetID string, n stream.Notification) {
	var data programNotifyValue
	if err := json.Unmarshal(n.Value, &data); err != nil {
		a.logger.Warn("Malformed program notification",
			zap.String("asset", assetID), zap.Error(err))
		return
	}

	now := time.Now()

	a.mu.Lock()
	entry, exists := a.assets[assetID]
	if !exists {
		a.mu.Unlock()
		return
	}

	migrated := entry.config.MigrationAuthority != "" &&
		data.Pubkey == entry.config.MigrationAuthority
	if migrated && !entry.state.MigrationDetected {
		// One-way: never cleared once set.
		entry.state.MigrationDetected = true
		entry.state.LastUpdate = now
		a.logger.Info("Migration detected", zap.String("asset", assetID))
	}
	snapshot := copyState(entry.state)
	program := entry.config.MigrationProgram
	a.mu.Unlock()

	if a.bus != nil {
		_ = a.bus.Publish(events.ProgramNotifyEvent{
			BaseEvent: events.BaseEvent{EventType: events.ProgramEvent, EventTime: now},
			AssetID:   assetID,
			Program:   program,
			Data:      n.Value,
			Slot:      n.Slot,
		})
	}
	if migrated {
		a.notifyWatchers(assetID, snapshot)
	}
}

func (a *Aggregator) notifyWatchers(assetID string, snapshot AssetState) {
	a.mu.RLock()
	cbs := make([]WatchFunc, 0, len(a.watchers[assetID]))
	for _, cb := range a.watchers[assetID] {
		cbs = append(cbs, cb)
	}
	a.mu.RUnlock()

	for _, cb := range cbs {
		cb(snapshot)
	}
}

func copyState(s AssetState) AssetState {
	out := s
	if s.LastTrade != nil {
		lt := *s.LastTrade
		out.LastTrade = &lt
	}
	return out
}
