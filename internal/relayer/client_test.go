package relayer

import (
	"SettleLedger/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	creatorAddr  = "0x0000000000000000000000000000000000000003"
	platformAddr = "0x00000000000000000000000000000000000000fe"
	okTxHash     = "0x" + "ab12000000000000000000000000000000000000000000000000000000000001"
)

func finalizeReq() settlement.FinalizeRequest {
	return settlement.FinalizeRequest{
		PredictionID:     uuid.MustParse("3f0b1c2d-0000-4000-8000-000000000001"),
		MerkleRoot:       "0x" + strings.Repeat("11", 32),
		CreatorAddress:   creatorAddr,
		CreatorFeeUnits:  1_000_000,
		PlatformAddress:  platformAddr,
		PlatformFeeUnits: 2_500_000,
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second, RatePerSecond: 100, Burst: 10})
	require.NoError(t, err)
	return c
}

// ============================================================================
// Test: Finalize submission
// ============================================================================

func TestSubmitFinalizeTx_Success(t *testing.T) {
	var got finalizeRequestJSON
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/settlements/finalize", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Idempotency-Key"), "finalize:3f0b1c2d-"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tx_hash":"` + okTxHash + `"}`))
	})

	hash, err := c.SubmitFinalizeTx(context.Background(), finalizeReq())
	require.NoError(t, err)
	assert.Equal(t, okTxHash, hash)
	assert.Equal(t, "1000000", got.CreatorFeeUnits)
	assert.Equal(t, "2500000", got.PlatformFeeUnits)
	assert.Equal(t, platformAddr, got.PlatformAddress)
}

func TestSubmitFinalizeTx_ErrorStatusCarriesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"execution reverted: root already set"}`))
	})

	_, err := c.SubmitFinalizeTx(context.Background(), finalizeReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "root already set")
}

func TestSubmitFinalizeTx_InvalidHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_hash":"pending"}`))
	})

	_, err := c.SubmitFinalizeTx(context.Background(), finalizeReq())
	assert.True(t, errors.Is(err, ErrBadResponse))
}

func TestSubmitFinalizeTx_RejectsBadAddressWithoutCalling(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	req := finalizeReq()
	req.CreatorAddress = "not-an-address"
	_, err := c.SubmitFinalizeTx(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSubmitFinalizeTx_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_hash":"` + okTxHash + `"}`))
	}))
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, RatePerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.SubmitFinalizeTx(context.Background(), finalizeReq())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.SubmitFinalizeTx(ctx, finalizeReq())
	assert.Error(t, err)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestDisabled_FailsSubmission(t *testing.T) {
	_, err := Disabled{}.SubmitFinalizeTx(context.Background(), settlement.FinalizeRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
