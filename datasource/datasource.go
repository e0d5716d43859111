// Package datasource implements the Source contract (§4.2): request
// construction, response decoding, and RPC error-code dispatch into a
// {Skip, Retry, Fatal, SwitchEndpoint} Disposition. It is grounded on
// the original implementation's solana_config/data_sources/json_rpc.rs
// request-body builders and solana_config/constants.rs error codes,
// adapted from Rust's per-method free functions into a Source type
// that owns the underlying client.RpcClient.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockchain-etl/solana-etl/client"
	"github.com/blockchain-etl/solana-etl/internal/logging"
	"github.com/blockchain-etl/solana-etl/solanatypes"
)

// Error codes a Solana JSON-RPC node returns for get_block, per
// solana_config/constants.rs plus the paired codes §4.2 adds on top of
// it: LedgerJump pairs with InternalError, SkippedSlot pairs with
// NoTxHistory, and UnconfirmedBlock pairs with NoStatus.
const (
	errSkippedSlot      = -32009
	errLedgerJump       = -32007
	errOldBlock         = -32001
	errUnconfirmedBlock = -32004
	errInternalError    = -32603
	errNoTxHistory      = -32011
	errNoStatus         = -32014
)

// Disposition is the action a worker takes after Source returns an
// error for get_block (§4.2, §9).
type Disposition int

const (
	// DispositionSkip means the slot has no block and the worker
	// should move on permanently.
	DispositionSkip Disposition = iota
	// DispositionRetry means the call should be retried against the
	// same or a fallback endpoint.
	DispositionRetry
	// DispositionFatal means the error is unrecognized and the worker
	// should terminate with a diagnostic.
	DispositionFatal
	// DispositionSwitchEndpoint means the worker should retry once
	// against the fallback endpoint; if already on the fallback, the
	// call resolves as a permanent skip.
	DispositionSwitchEndpoint
)

func (d Disposition) String() string {
	switch d {
	case DispositionSkip:
		return "skip"
	case DispositionRetry:
		return "retry"
	case DispositionFatal:
		return "fatal"
	case DispositionSwitchEndpoint:
		return "switch_endpoint"
	default:
		return "unknown"
	}
}

// classify maps a JSON-RPC error code to a Disposition, per the
// dispatch table in §4.2.
func classify(code int) Disposition {
	switch code {
	case errLedgerJump, errInternalError:
		return DispositionSwitchEndpoint
	case errSkippedSlot, errNoTxHistory:
		return DispositionSkip
	case errOldBlock:
		return DispositionRetry
	case errUnconfirmedBlock, errNoStatus:
		return DispositionRetry
	default:
		return DispositionFatal
	}
}

// throttleMarker is the substring a throttled public RPC node's plain
// text error body contains, carried over from call_getBlock's debug
// path in the source.
const throttleMarker = "Too many requests for a specific RPC call"

const maxAccountsPerCall = 100

// jsonrpcRequest is the canonical JSON-RPC 2.0 request envelope.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// jsonrpcError is the canonical JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type getBlockResponse struct {
	Result *solanatypes.Block `json:"result"`
	Error  *jsonrpcError      `json:"error"`
}

type getAccountsResponse struct {
	Result *struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value []*accountEnvelope `json:"value"`
	} `json:"result"`
	Error *jsonrpcError `json:"error"`
}

type accountEnvelope struct {
	Executable bool            `json:"executable"`
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	RentEpoch  uint64          `json:"rentEpoch"`
	Data       json.RawMessage `json:"data"`
}

type getSlotResponse struct {
	Result uint64        `json:"result"`
	Error  *jsonrpcError `json:"error"`
}

type getBlockHeightResponse struct {
	Result uint64        `json:"result"`
	Error  *jsonrpcError `json:"error"`
}

// Source issues Solana JSON-RPC calls through an RpcClient and decodes
// their responses into solanatypes values, dispatching get_block
// errors into a Disposition.
type Source struct {
	client *client.RpcClient
	log    zerolog.Logger
}

func New(c *client.RpcClient) *Source {
	return &Source{client: c, log: logging.Named("datasource")}
}

// BlockResult is the outcome of GetBlock: either a block, a permanent
// skip, or a disposition instructing the caller how to proceed.
type BlockResult struct {
	Block       *solanatypes.Block
	Disposition Disposition
}

// GetBlock fetches the block at slot. onFallback reports whether the
// caller is currently addressing the fallback endpoint, so a
// LedgerJump/InternalError can be resolved to a permanent skip instead
// of looping forever once there's no further endpoint to switch to.
func (s *Source) GetBlock(ctx context.Context, slot solanatypes.Slot, onFallback bool) (BlockResult, error) {
	for {
		body, err := json.Marshal(jsonrpcRequest{
			JSONRPC: "2.0",
			ID:      1,
			Method:  "getBlock",
			Params: []any{
				slot,
				map[string]any{
					"encoding":                       "jsonParsed",
					"maxSupportedTransactionVersion": 0,
					"rewards":                        true,
					"transactionDetails":             "full",
				},
			},
		})
		if err != nil {
			return BlockResult{}, fmt.Errorf("datasource: marshal getBlock request: %w", err)
		}

		resp, err := s.client.Call(ctx, "getBlock", body)
		if err != nil {
			return BlockResult{}, err
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return BlockResult{}, fmt.Errorf("datasource: read getBlock response: %w", err)
		}

		if strings.Contains(string(raw), throttleMarker) {
			s.log.Warn().Uint64("slot", slot).Msg("throttled by RPC node, backing off")
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		var decoded getBlockResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.log.Warn().Err(err).Uint64("slot", slot).Msg("could not parse getBlock response, re-requesting")
			continue
		}

		if decoded.Error != nil {
			disp := classify(decoded.Error.Code)
			if disp == DispositionRetry {
				// OldBlock/UnconfirmedBlock/NoStatus are temporary: the
				// slot may gain a block later, or a fallback endpoint
				// that hasn't pruned it yet may serve it on this same
				// pass. Stay in the loop rather than handing Retry back
				// to the caller, which has no way to re-drive this slot
				// and would otherwise advance the checkpoint past it.
				s.log.Warn().Uint64("slot", slot).Int("code", decoded.Error.Code).
					Msg("retryable getBlock error, re-requesting")
				sleepCtx(ctx, 2*time.Second)
				continue
			}
			if disp == DispositionSwitchEndpoint && onFallback {
				return BlockResult{Disposition: DispositionSkip}, nil
			}
			if disp == DispositionFatal {
				return BlockResult{}, fmt.Errorf("datasource: fatal RPC error for slot %d: code=%d message=%q",
					slot, decoded.Error.Code, decoded.Error.Message)
			}
			return BlockResult{Disposition: disp}, nil
		}

		return BlockResult{Block: decoded.Result, Disposition: DispositionSkip}, nil
	}
}

// GetAccounts fetches the accounts for pubkeys, chunking at 100 per
// call (§4.2) and concatenating the successful chunks' results in
// order. The returned timestamp is captured once, after the final
// chunk returns.
func (s *Source) GetAccounts(ctx context.Context, pubkeys []string) (time.Time, []*solanatypes.Account, error) {
	results := make([]*solanatypes.Account, 0, len(pubkeys))
	var ts time.Time

	for start := 0; start < len(pubkeys); start += maxAccountsPerCall {
		end := start + maxAccountsPerCall
		if end > len(pubkeys) {
			end = len(pubkeys)
		}
		chunk := pubkeys[start:end]

		accounts, err := s.getAccountsChunk(ctx, chunk)
		if err != nil {
			return time.Time{}, nil, err
		}
		results = append(results, accounts...)
		ts = nowFunc()
	}

	if len(pubkeys) == 0 {
		ts = nowFunc()
	}

	return ts, results, nil
}

// nowFunc is indirected for determinism in tests.
var nowFunc = time.Now

func (s *Source) getAccountsChunk(ctx context.Context, pubkeys []string) ([]*solanatypes.Account, error) {
	for {
		body, err := json.Marshal(jsonrpcRequest{
			JSONRPC: "2.0",
			ID:      1,
			Method:  "getMultipleAccounts",
			Params: []any{
				pubkeys,
				map[string]any{"encoding": "jsonParsed"},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("datasource: marshal getMultipleAccounts request: %w", err)
		}

		resp, err := s.client.Call(ctx, "getMultipleAccounts", body)
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("datasource: read getMultipleAccounts response: %w", err)
		}

		if strings.Contains(string(raw), throttleMarker) {
			s.log.Warn().Msg("throttled by RPC node on getMultipleAccounts, backing off")
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		var decoded getAccountsResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.log.Warn().Err(err).Msg("could not parse getMultipleAccounts response, re-requesting")
			continue
		}
		if decoded.Error != nil {
			return nil, fmt.Errorf("datasource: getMultipleAccounts error: code=%d message=%q",
				decoded.Error.Code, decoded.Error.Message)
		}

		out := make([]*solanatypes.Account, len(decoded.Result.Value))
		for i, env := range decoded.Result.Value {
			if env == nil {
				continue
			}
			acct, err := decodeAccount(pubkeys[i], env)
			if err != nil {
				return nil, err
			}
			out[i] = acct
		}
		return out, nil
	}
}

func decodeAccount(pubkey string, env *accountEnvelope) (*solanatypes.Account, error) {
	acct := &solanatypes.Account{
		Pubkey:     pubkey,
		Executable: env.Executable,
		Lamports:   env.Lamports,
		Owner:      env.Owner,
		RentEpoch:  env.RentEpoch,
	}

	// jsonParsed encoding returns either ["base64data","base64"] (a
	// 2-element array) when the node can't parse the owning program,
	// or {"program":...,"parsed":{...},"space":N} otherwise.
	var asArray []string
	if err := json.Unmarshal(env.Data, &asArray); err == nil {
		if len(asArray) > 0 {
			acct.Data = solanatypes.AccountData{Kind: solanatypes.AccountDataEncoded, Raw: asArray[0], Encoding: "base64"}
			if len(asArray) > 1 {
				acct.Data.Encoding = asArray[1]
			}
		}
		return acct, nil
	}

	var parsed struct {
		Program string `json:"program"`
		Space   uint64 `json:"space"`
		Parsed  struct {
			Type string          `json:"type"`
			Info json.RawMessage `json:"info"`
		} `json:"parsed"`
	}
	if err := json.Unmarshal(env.Data, &parsed); err != nil {
		return nil, fmt.Errorf("datasource: decode account data for %s: %w", pubkey, err)
	}
	acct.Data = solanatypes.AccountData{
		Kind:    solanatypes.AccountDataParsed,
		Program: parsed.Program,
		Space:   parsed.Space,
		Type:    parsed.Parsed.Type,
		Info:    parsed.Parsed.Info,
	}
	return acct, nil
}

// GetLatestSlot returns the chain's current slot.
func (s *Source) GetLatestSlot(ctx context.Context) (solanatypes.Slot, error) {
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 1, Method: "getSlot"})
	if err != nil {
		return 0, fmt.Errorf("datasource: marshal getSlot request: %w", err)
	}
	for {
		resp, err := s.client.Call(ctx, "getSlot", body)
		if err != nil {
			return 0, err
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("datasource: read getSlot response: %w", err)
		}
		var decoded getSlotResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.log.Warn().Err(err).Msg("could not parse getSlot response, re-requesting")
			continue
		}
		if decoded.Error != nil {
			return 0, fmt.Errorf("datasource: getSlot error: code=%d message=%q", decoded.Error.Code, decoded.Error.Message)
		}
		return decoded.Result, nil
	}
}

// GetBlockHeight returns the chain's current block height.
func (s *Source) GetBlockHeight(ctx context.Context) (uint64, error) {
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBlockHeight"})
	if err != nil {
		return 0, fmt.Errorf("datasource: marshal getBlockHeight request: %w", err)
	}
	resp, err := s.client.Call(ctx, "getBlockHeight", body)
	if err != nil {
		return 0, err
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, fmt.Errorf("datasource: read getBlockHeight response: %w", err)
	}
	var decoded getBlockHeightResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, fmt.Errorf("datasource: parse getBlockHeight response: %w", err)
	}
	if decoded.Error != nil {
		return 0, fmt.Errorf("datasource: getBlockHeight error: code=%d message=%q", decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
