// internal/bundle/executor_test.go
package bundle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRelay scripts relay responses for the executor.
type fakeRelay struct {
	mu         sync.Mutex
	sendErr    error
	bundleID   string
	sendCalls  int
	statuses   []*BundleStatus
	statusIdx  int
	statusErr  error
	statusGets int
	polled     []string // endpoints handed to status polls
}

func (f *fakeRelay) SendBundle(_ context.Context, _ []string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return "", "", f.sendErr
	}
	return f.bundleID, "http://relay.test", nil
}

func (f *fakeRelay) GetBundleStatus(_ context.Context, endpoint, bundleID string) (*BundleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusGets++
	f.polled = append(f.polled, endpoint)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &BundleStatus{BundleID: bundleID, Status: "pending"}, nil
	}
	status := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return status, nil
}

func (f *fakeRelay) endpointsPolled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polled...)
}

// fakeChain scripts RPC behavior: per-call send errors and a
// per-poll signature status script.
type fakeChain struct {
	mu          sync.Mutex
	sendCalls   int
	sendErrs    []error // consumed one per call; nil entry means success
	statusCalls int
	statusFn    func(call int, sigs []solana.Signature) *rpc.GetSignatureStatusesResult
}

func (f *fakeChain) SendTransactionWithOpts(_ context.Context, _ *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}
	return solana.Signature{}, nil
}

func (f *fakeChain) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusFn == nil {
		return pendingStatuses(sigs), nil
	}
	return f.statusFn(f.statusCalls, sigs), nil
}

func (f *fakeChain) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func pendingStatuses(sigs []solana.Signature) *rpc.GetSignatureStatusesResult {
	value := make([]*rpc.SignatureStatusesResult, len(sigs))
	return &rpc.GetSignatureStatusesResult{Value: value}
}

func confirmedStatuses(sigs []solana.Signature, baseSlot uint64) *rpc.GetSignatureStatusesResult {
	value := make([]*rpc.SignatureStatusesResult, len(sigs))
	for i := range value {
		value[i] = &rpc.SignatureStatusesResult{
			Slot:               baseSlot + uint64(i),
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}
	}
	return &rpc.GetSignatureStatusesResult{Value: value}
}

func signedTx(seed byte) *solana.Transaction {
	return &solana.Transaction{
		Signatures: []solana.Signature{{seed}},
	}
}

func newTestExecutor(t *testing.T, relay Relay, chain ChainClient) *Executor {
	t.Helper()
	return NewExecutor(relay, chain, Config{
		FallbackDelay:   time.Millisecond,
		FallbackRetries: 2,
	}, zaptest.NewLogger(t))
}

func TestSubmitViaRelay(t *testing.T) {
	relay := &fakeRelay{bundleID: "b-1"}
	chain := &fakeChain{}
	ex := newTestExecutor(t, relay, chain)

	sub, err := ex.Submit(context.Background(), []*solana.Transaction{signedTx(1), signedTx(2)})
	require.NoError(t, err)

	assert.Equal(t, "b-1", sub.BundleID)
	assert.False(t, sub.Degraded)
	assert.Len(t, sub.Signatures, 2)
	// No direct RPC sends when the relay accepts.
	assert.Equal(t, 0, chain.sends())
}

func TestSubmitRejectsUnsigned(t *testing.T) {
	ex := newTestExecutor(t, &fakeRelay{}, &fakeChain{})

	_, err := ex.Submit(context.Background(), []*solana.Transaction{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsigned")
}

func TestSubmitRejectsEmpty(t *testing.T) {
	ex := newTestExecutor(t, &fakeRelay{}, &fakeChain{})
	_, err := ex.Submit(context.Background(), nil)
	require.Error(t, err)
}

func TestSubmitHardRelayErrorDoesNotFallBack(t *testing.T) {
	relay := &fakeRelay{sendErr: errors.New("invalid bundle")}
	chain := &fakeChain{}
	ex := newTestExecutor(t, relay, chain)

	_, err := ex.Submit(context.Background(), []*solana.Transaction{signedTx(1)})
	require.Error(t, err)
	assert.Equal(t, 0, chain.sends())
}

func TestSubmitDegradesToSequentialBroadcast(t *testing.T) {
	relay := &fakeRelay{sendErr: &retryableError{err: errors.New("rate limit")}}
	chain := &fakeChain{}
	ex := newTestExecutor(t, relay, chain)

	txs := []*solana.Transaction{signedTx(1), signedTx(2), signedTx(3)}
	sub, err := ex.Submit(context.Background(), txs)
	require.NoError(t, err)

	assert.True(t, sub.Degraded)
	assert.Empty(t, sub.BundleID)
	assert.Len(t, sub.Signatures, 3)
	assert.Equal(t, 3, chain.sends())
}

func TestSequentialBroadcastRetriesEachSend(t *testing.T) {
	relay := &fakeRelay{sendErr: &retryableError{err: errors.New("timeout")}}
	chain := &fakeChain{sendErrs: []error{errors.New("blockhash not found"), nil}}
	ex := newTestExecutor(t, relay, chain)

	sub, err := ex.Submit(context.Background(), []*solana.Transaction{signedTx(1)})
	require.NoError(t, err)
	assert.True(t, sub.Degraded)
	// First attempt failed, the retry succeeded.
	assert.Equal(t, 2, chain.sends())
}

func TestSequentialBroadcastGivesUp(t *testing.T) {
	relay := &fakeRelay{sendErr: &retryableError{err: errors.New("timeout")}}
	chain := &fakeChain{sendErrs: []error{
		errors.New("node unhealthy"),
		errors.New("node unhealthy"),
		errors.New("node unhealthy"),
	}}
	ex := newTestExecutor(t, relay, chain)

	_, err := ex.Submit(context.Background(), []*solana.Transaction{signedTx(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequential broadcast failed")
}
