// internal/bundle/executor.go
package bundle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// ChainClient is the subset of the RPC client the executor uses.
// Satisfied by *rpc.Client.
type ChainClient interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Submission records one submitted group of transactions. Terminal
// states are decided by WaitForConfirmation.
type Submission struct {
	BundleID    string
	Endpoint    string
	Signatures  []solana.Signature
	Degraded    bool // sequential fallback used; atomicity forfeited
	SubmittedAt time.Time
}

// Config tunes submission and fallback behavior.
type Config struct {
	FallbackDelay   time.Duration // inter-transaction delay in degraded mode
	FallbackRetries uint64        // per-send retry count in degraded mode
}

// Executor submits grouped transactions through the relay, falling
// back to direct sequential broadcast when the relay is unavailable.
type Executor struct {
	relay  Relay
	chain  ChainClient
	logger *zap.Logger
	config Config
}

// NewExecutor creates the bundle executor.
func NewExecutor(relay Relay, chain ChainClient, config Config, logger *zap.Logger) *Executor {
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = 250 * time.Millisecond
	}
	if config.FallbackRetries == 0 {
		config.FallbackRetries = 3
	}
	return &Executor{
		relay:  relay,
		chain:  chain,
		logger: logger.Named("bundle"),
		config: config,
	}
}

// Submit sends the signed transactions as one atomic bundle. A
// retryable relay rejection degrades to sequential RPC broadcast of
// the same signed envelopes; that forfeits atomicity and switches
// confirmation to per-transaction.
func (ex *Executor) Submit(ctx context.Context, txs []*solana.Transaction) (*Submission, error) {
	if len(txs) == 0 {
		return nil, errors.New("no transactions to submit")
	}

	signatures := make([]solana.Signature, 0, len(txs))
	encoded := make([]string, 0, len(txs))
	for i, tx := range txs {
		if len(tx.Signatures) == 0 {
			return nil, fmt.Errorf("transaction %d is unsigned", i)
		}
		signatures = append(signatures, tx.Signatures[0])

		bin, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize transaction %d: %w", i, err)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(bin))
	}

	bundleID, endpoint, err := ex.relay.SendBundle(ctx, encoded)
	if err == nil {
		ex.logger.Info("Bundle submitted",
			zap.String("bundle_id", bundleID),
			zap.String("endpoint", endpoint),
			zap.Int("transactions", len(txs)))
		return &Submission{
			BundleID:    bundleID,
			Endpoint:    endpoint,
			Signatures:  signatures,
			SubmittedAt: time.Now(),
		}, nil
	}

	if !IsRetryable(err) {
		return nil, fmt.Errorf("bundle submission failed: %w", err)
	}

	// Degraded mode: the atomicity guarantee is gone from here on.
	ex.logger.Warn("Relay unavailable, degrading to sequential broadcast",
		zap.Int("transactions", len(txs)),
		zap.Error(err))

	if err := ex.broadcastSequential(ctx, txs); err != nil {
		return nil, err
	}

	return &Submission{
		Signatures:  signatures,
		Degraded:    true,
		SubmittedAt: time.Now(),
	}, nil
}

// broadcastSequential sends each envelope directly over RPC, retrying
// each send independently and pacing sends to reduce self-competition
// for block space.
func (ex *Executor) broadcastSequential(ctx context.Context, txs []*solana.Transaction) error {
	for i, tx := range txs {
		operation := func() error {
			_, err := ex.chain.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
				SkipPreflight: true,
			})
			if err != nil {
				ex.logger.Warn("Retrying sequential send",
					zap.Int("index", i), zap.Error(err))
				return err
			}
			return nil
		}

		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), ex.config.FallbackRetries)
		if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
			return fmt.Errorf("sequential broadcast failed at transaction %d: %w", i, err)
		}

		if i < len(txs)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ex.config.FallbackDelay):
			}
		}
	}

	ex.logger.Info("Sequential broadcast complete", zap.Int("transactions", len(txs)))
	return nil
}
