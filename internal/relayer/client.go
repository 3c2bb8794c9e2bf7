package relayer

import (
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/settlement"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured = errors.New("relayer URL is not configured")
	ErrBadResponse   = errors.New("relayer returned an invalid response")
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// Config configures the HTTP relayer client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSecond bounds submissions; Burst allows short spikes.
	RatePerSecond float64
	Burst         int
}

// Client submits finalize transactions to the relayer service over HTTP.
// Submissions are rate limited so a retry storm cannot exhaust the relayer
// wallet's nonce space.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ settlement.RelayerClient = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

type finalizeRequestJSON struct {
	PredictionID     string `json:"prediction_id"`
	MerkleRoot       string `json:"merkle_root"`
	CreatorAddress   string `json:"creator_address"`
	CreatorFeeUnits  string `json:"creator_fee_units"`
	PlatformAddress  string `json:"platform_address"`
	PlatformFeeUnits string `json:"platform_fee_units"`
}

type finalizeResponseJSON struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// SubmitFinalizeTx posts the root and fee legs and returns the transaction
// hash. Unit amounts are sent as decimal strings since they may exceed the
// JSON safe-integer range on the relayer side.
func (c *Client) SubmitFinalizeTx(ctx context.Context, req settlement.FinalizeRequest) (string, error) {
	if !merkle.ValidAddress(req.CreatorAddress) {
		return "", fmt.Errorf("creator %w: %q", merkle.ErrInvalidAddress, req.CreatorAddress)
	}
	if !merkle.ValidAddress(req.PlatformAddress) {
		return "", fmt.Errorf("platform %w: %q", merkle.ErrInvalidAddress, req.PlatformAddress)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("relayer rate limit: %w", err)
	}

	body, err := json.Marshal(finalizeRequestJSON{
		PredictionID:     req.PredictionID.String(),
		MerkleRoot:       req.MerkleRoot,
		CreatorAddress:   req.CreatorAddress,
		CreatorFeeUnits:  strconv.FormatInt(req.CreatorFeeUnits, 10),
		PlatformAddress:  req.PlatformAddress,
		PlatformFeeUnits: strconv.FormatInt(req.PlatformFeeUnits, 10),
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements/finalize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", "finalize:"+req.PredictionID.String()+":"+req.MerkleRoot)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("relayer request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read relayer response: %w", err)
	}

	var out finalizeResponseJSON
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		return "", fmt.Errorf("relayer status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, decodeErr)
	}
	if !validTxHash(out.TxHash) {
		return "", fmt.Errorf("%w: tx_hash %q", ErrBadResponse, out.TxHash)
	}
	return out.TxHash, nil
}

func validTxHash(h string) bool {
	if len(h) != 66 || !strings.HasPrefix(h, "0x") {
		return false
	}
	for _, c := range h[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// Disabled fails every submission with ErrNotConfigured. It stands in for
// the client when no relayer URL is set, so finalize jobs fail visibly.
type Disabled struct{}

func (Disabled) SubmitFinalizeTx(context.Context, settlement.FinalizeRequest) (string, error) {
	return "", ErrNotConfigured
}
