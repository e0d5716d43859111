package datasource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockchain-etl/solana-etl/client"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := client.New(client.Config{Endpoint: srv.URL}, nil)
	return New(c)
}

func TestGetBlock_SkippedSlotReturnsSkipDisposition(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32009,"message":"skipped slot"}}`))
	})
	result, err := src.GetBlock(context.Background(), 100, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkip, result.Disposition)
	assert.Nil(t, result.Block)
}

func TestGetBlock_LedgerJumpSwitchesUnlessOnFallback(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32007,"message":"ledger jump"}}`))
	})

	result, err := src.GetBlock(context.Background(), 100, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionSwitchEndpoint, result.Disposition)

	result, err = src.GetBlock(context.Background(), 100, true)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkip, result.Disposition)
}

func TestGetBlock_InternalErrorSwitchesEndpointLikeLedgerJump(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"internal error"}}`))
	})
	result, err := src.GetBlock(context.Background(), 100, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionSwitchEndpoint, result.Disposition)
}

func TestGetBlock_NoTxHistorySkipsLikeSkippedSlot(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32011,"message":"no tx history"}}`))
	})
	result, err := src.GetBlock(context.Background(), 100, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkip, result.Disposition)
}

func TestGetBlock_RetryDispositionsLoopInternallyRatherThanReturnToCaller(t *testing.T) {
	for _, code := range []int{errOldBlock, errUnconfirmedBlock, errNoStatus} {
		code := code
		src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":` + strconv.Itoa(code) + `,"message":"retry me"}}`))
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := src.GetBlock(ctx, 100, false)
		cancel()
		// GetBlock never resolves a retryable error to a Disposition it
		// hands back to the caller; it loops until ctx is canceled.
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestGetBlock_UnknownCodeIsFatal(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"boom"}}`))
	})
	_, err := src.GetBlock(context.Background(), 100, false)
	require.Error(t, err)
}

func TestGetBlock_SuccessReturnsBlock(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"blockhash":"abc","previousBlockhash":"def","parentSlot":99,"transactions":[],"rewards":[]}}`))
	})
	result, err := src.GetBlock(context.Background(), 100, false)
	require.NoError(t, err)
	require.NotNil(t, result.Block)
	assert.Equal(t, "abc", result.Block.Blockhash)
}

func TestGetAccounts_ChunksAt100AndConcatenatesInOrder(t *testing.T) {
	var calls int
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Params []interface{} `json:"params"`
		}
		_ = req
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[{"executable":false,"lamports":1,"owner":"o","rentEpoch":0,"data":["","base64"]},null]}}`))
	})

	pubkeys := make([]string, 150)
	for i := range pubkeys {
		pubkeys[i] = "key"
	}
	_, accounts, err := src.GetAccounts(context.Background(), pubkeys)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, accounts, 4)
	assert.NotNil(t, accounts[0])
	assert.Nil(t, accounts[1])
}

func TestGetLatestSlot(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":123456}`))
	})
	slot, err := src.GetLatestSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), slot)
}
