// internal/bundle/confirm.go
package bundle

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// ConfirmStatus is the terminal result of a confirmation wait. Timeout
// is a result, not an error: callers decide whether to resubmit.
type ConfirmStatus string

const (
	ConfirmConfirmed         ConfirmStatus = "confirmed"
	ConfirmFailed            ConfirmStatus = "failed"
	ConfirmTimeout           ConfirmStatus = "timeout"
	ConfirmInvalidConnection ConfirmStatus = "invalid_connection"
	ConfirmNoSignatures      ConfirmStatus = "no_signatures"
)

// Outcome is the confirmation result.
type Outcome struct {
	Success  bool
	Status   ConfirmStatus
	Slot     uint64
	Statuses map[string]string // per-signature last known status
}

// WaitConfig tunes the confirmation wait.
type WaitConfig struct {
	Timeout           time.Duration // hard wall-clock deadline
	PollInterval      time.Duration // RPC signature-status poll cadence
	RelayPollInterval time.Duration // relay bundle-status cadence, min 5s in production
}

// DefaultWaitConfig matches production behavior.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		Timeout:           120 * time.Second,
		PollInterval:      2 * time.Second,
		RelayPollInterval: 5 * time.Second,
	}
}

// WaitForConfirmation resolves the instant either confirmation source
// agrees: RPC signature statuses polled at PollInterval, raced against
// the relay's own bundle status. A relay "landed" is accepted as
// authoritative since the relay can run ahead of RPC propagation. Any
// on-chain error for any signature is an immediate hard failure.
// Relay polls go to the endpoint the submission landed on.
func (ex *Executor) WaitForConfirmation(ctx context.Context, sub *Submission, cfg WaitConfig) Outcome {
	if sub == nil || len(sub.Signatures) == 0 {
		return Outcome{Success: false, Status: ConfirmNoSignatures}
	}
	if ex.chain == nil {
		return Outcome{Success: false, Status: ConfirmInvalidConnection}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWaitConfig().Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWaitConfig().PollInterval
	}
	if cfg.RelayPollInterval <= 0 {
		cfg.RelayPollInterval = DefaultWaitConfig().RelayPollInterval
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Outcome, 2)

	go ex.pollSignatures(waitCtx, sub.Signatures, cfg.PollInterval, results)
	if sub.BundleID != "" && ex.relay != nil {
		go ex.pollRelay(waitCtx, sub, cfg.RelayPollInterval, results)
	}

	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()

	select {
	case outcome := <-results:
		return outcome
	case <-deadline.C:
		ex.logger.Warn("Confirmation wait timed out",
			zap.String("bundle_id", sub.BundleID),
			zap.Duration("timeout", cfg.Timeout))
		return Outcome{Success: false, Status: ConfirmTimeout}
	case <-ctx.Done():
		return Outcome{Success: false, Status: ConfirmTimeout}
	}
}

// pollSignatures is the RPC confirmation source.
func (ex *Executor) pollSignatures(ctx context.Context, signatures []solana.Signature, interval time.Duration, results chan<- Outcome) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statuses := make(map[string]string, len(signatures))
	for _, sig := range signatures {
		statuses[sig.String()] = "pending"
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := ex.chain.GetSignatureStatuses(ctx, false, signatures...)
		if err != nil {
			ex.logger.Debug("Signature status poll failed", zap.Error(err))
			continue
		}
		if resp == nil || len(resp.Value) != len(signatures) {
			continue
		}

		allConfirmed := true
		var maxSlot uint64
		for i, status := range resp.Value {
			key := signatures[i].String()
			if status == nil {
				statuses[key] = "pending"
				allConfirmed = false
				continue
			}
			if status.Err != nil {
				// One failed transaction fails the whole bundle.
				statuses[key] = "failed"
				results <- Outcome{Success: false, Status: ConfirmFailed, Slot: status.Slot, Statuses: statuses}
				return
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				statuses[key] = string(status.ConfirmationStatus)
				if status.Slot > maxSlot {
					maxSlot = status.Slot
				}
			default:
				statuses[key] = "pending"
				allConfirmed = false
			}
		}

		if allConfirmed {
			results <- Outcome{Success: true, Status: ConfirmConfirmed, Slot: maxSlot, Statuses: statuses}
			return
		}
	}
}

// pollRelay is the relay confirmation source.
func (ex *Executor) pollRelay(ctx context.Context, sub *Submission, interval time.Duration, results chan<- Outcome) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := ex.relay.GetBundleStatus(ctx, sub.Endpoint, sub.BundleID)
		if err != nil {
			ex.logger.Debug("Bundle status poll failed",
				zap.String("bundle_id", sub.BundleID), zap.Error(err))
			continue
		}

		if status.Status == StatusLanded {
			statuses := make(map[string]string, len(sub.Signatures))
			for _, sig := range sub.Signatures {
				statuses[sig.String()] = "confirmed"
			}
			ex.logger.Info("Relay reports bundle landed",
				zap.String("bundle_id", sub.BundleID),
				zap.Uint64("slot", status.LandedSlot))
			results <- Outcome{Success: true, Status: ConfirmConfirmed, Slot: status.LandedSlot, Statuses: statuses}
			return
		}
		if status.Status == "failed" || status.Status == "invalid" {
			ex.logger.Warn("Relay reports bundle failed",
				zap.String("bundle_id", sub.BundleID),
				zap.String("status", status.Status))
			// RPC remains the authority for failure; keep polling.
		}
	}
}
