// internal/bundle/relay.go
package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// BundleStatus is the relay's view of a submitted bundle.
type BundleStatus struct {
	BundleID   string
	Status     string // "pending", "landed", "failed", "invalid"
	LandedSlot uint64
}

// StatusLanded is the relay status accepted as authoritative
// confirmation even before RPC propagation catches up.
const StatusLanded = "landed"

// Relay is the bundle relay collaborator. Status polls go to the
// endpoint that accepted the submission; relays do not share bundle
// state across endpoints.
type Relay interface {
	SendBundle(ctx context.Context, encodedTxs []string) (bundleID, endpoint string, err error)
	GetBundleStatus(ctx context.Context, endpoint, bundleID string) (*BundleStatus, error)
}

// retryableError marks a relay rejection that warrants the sequential
// RPC fallback rather than a hard failure.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether the relay failure should trigger the
// degraded sequential-broadcast fallback.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func classifyRelayError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "all engines failed") {
		return &retryableError{err: err}
	}
	return err
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type sendBundleResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type bundleStatusesResponse struct {
	Result struct {
		Value []struct {
			BundleID   string `json:"bundle_id"`
			Status     string `json:"status"`
			LandedSlot uint64 `json:"landed_slot"`
		} `json:"value"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPRelay talks JSON-RPC to one or more block-builder relay
// endpoints, rotating across them on failure.
type HTTPRelay struct {
	endpoints   []string
	maxAttempts int
	client      *resty.Client
	logger      *zap.Logger
}

// NewHTTPRelay creates a relay client over the given endpoints.
func NewHTTPRelay(endpoints []string, maxAttempts int, logger *zap.Logger) *HTTPRelay {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &HTTPRelay{
		endpoints:   endpoints,
		maxAttempts: maxAttempts,
		client:      client,
		logger:      logger.Named("relay"),
	}
}

// SendBundle submits the encoded transactions as one atomic bundle,
// retrying across endpoints up to the bounded attempt count.
func (r *HTTPRelay) SendBundle(ctx context.Context, encodedTxs []string) (string, string, error) {
	if len(r.endpoints) == 0 {
		return "", "", &retryableError{err: errors.New("no relay endpoints configured")}
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendBundle",
		Params:  []interface{}{encodedTxs, map[string]string{"encoding": "base64"}},
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		endpoint := r.endpoints[attempt%len(r.endpoints)]

		var resp sendBundleResponse
		httpResp, err := r.client.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&resp).
			Post(endpoint)
		if err != nil {
			lastErr = err
			r.logger.Warn("Bundle submission attempt failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		if httpResp.StatusCode() == 429 || httpResp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("relay returned HTTP %d", httpResp.StatusCode())
			r.logger.Warn("Bundle submission rejected",
				zap.String("endpoint", endpoint),
				zap.Int("status", httpResp.StatusCode()))
			continue
		}
		if resp.Error != nil {
			lastErr = fmt.Errorf("relay error: %s (code %d)", resp.Error.Message, resp.Error.Code)
			r.logger.Warn("Bundle submission rejected",
				zap.String("endpoint", endpoint),
				zap.String("message", resp.Error.Message))
			continue
		}
		if resp.Result == "" {
			lastErr = errors.New("relay returned empty bundle id")
			continue
		}
		return resp.Result, endpoint, nil
	}

	return "", "", classifyRelayError(fmt.Errorf("bundle submission failed after %d attempts: %w", r.maxAttempts, lastErr))
}

// GetBundleStatus queries the relay's own view of the bundle on the
// endpoint the submission landed on. An empty endpoint falls back to
// the primary.
func (r *HTTPRelay) GetBundleStatus(ctx context.Context, endpoint, bundleID string) (*BundleStatus, error) {
	if endpoint == "" {
		if len(r.endpoints) == 0 {
			return nil, errors.New("no relay endpoints configured")
		}
		endpoint = r.endpoints[0]
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBundleStatuses",
		Params:  []interface{}{[]string{bundleID}},
	}

	var resp bundleStatusesResponse
	httpResp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(endpoint)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode() != 200 {
		return nil, fmt.Errorf("relay returned HTTP %d", httpResp.StatusCode())
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("relay error: %s", resp.Error.Message)
	}
	if len(resp.Result.Value) == 0 {
		return &BundleStatus{BundleID: bundleID, Status: "pending"}, nil
	}

	v := resp.Result.Value[0]
	return &BundleStatus{
		BundleID:   v.BundleID,
		Status:     strings.ToLower(v.Status),
		LandedSlot: v.LandedSlot,
	}, nil
}
