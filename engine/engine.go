// Package engine wires together client, datasource, tokenresolver,
// transform, checkpoint and sink into the producer/worker-pool
// indexing loop of §4.7. It is grounded on solana_config/lib.rs's
// process_block_queue_stream (worker loop: recv slot, fetch block,
// checkpoint sentinel rotation, mine account pubkeys, fetch accounts,
// transform, publish) and on the teacher's miner/worker.go for the
// general shape of a long-running worker reading off a shared channel
// with a cancellation flag.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"github.com/blockchain-etl/solana-etl/checkpoint"
	"github.com/blockchain-etl/solana-etl/client"
	"github.com/blockchain-etl/solana-etl/datasource"
	"github.com/blockchain-etl/solana-etl/internal/logging"
	"github.com/blockchain-etl/solana-etl/internal/metrics"
	"github.com/blockchain-etl/solana-etl/records"
	"github.com/blockchain-etl/solana-etl/sink"
	"github.com/blockchain-etl/solana-etl/solanatypes"
	"github.com/blockchain-etl/solana-etl/tokenresolver"
	"github.com/blockchain-etl/solana-etl/transform"
)

// TipCheckInterval is the number of slots the forward producer
// enumerates before re-probing the chain tip, per §4.7 (default
// N=1000).
const TipCheckInterval = 1000

// WindowYield is how long the producer pauses between tip-check
// windows, per §4.7.
const WindowYield = time.Second

// Config configures one engine run.
type Config struct {
	NumWorkers      int
	CheckpointDir   string
	TimestampFormat records.TimestampFormat
}

// SinkFactory builds the Sink a worker should publish through. For
// SingleStream configurations this returns one Sink; for
// PerRecordType configurations, engine calls it once per family.
type SinkFactory func(family records.RecordFamily) (sink.Sink, error)

// Engine drives the producer/worker-pool loop.
type Engine struct {
	cfg     Config
	source  *datasource.Source
	sinks   SinkFactory
	perType bool
	reg     *metrics.Registry
	log     zerolog.Logger
}

// New constructs an Engine. perRecordType selects PerRecordType
// publishing; when false, sinks(records.FamilyBlock) is used as the
// SingleStream destination for every message.
func New(cfg Config, c *client.RpcClient, sinks SinkFactory, perRecordType bool, reg *metrics.Registry) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  datasource.New(c),
		sinks:   sinks,
		perType: perRecordType,
		reg:     reg,
		log:     logging.Named("engine"),
	}
}

// Range describes a producer's slot enumeration, per §4.6/§4.7.
type Range struct {
	Start   uint64
	End     uint64
	HasEnd  bool
	Reverse bool
}

// BenchmarkResult is the outcome of a throughput sample, per §6/§12.1
// item 4. It is a diagnostic single-sample extrapolation, not a
// billing-grade measurement (§9 Open Questions).
type BenchmarkResult struct {
	BytesPerSecond float64
	NumBlocks      uint64
	Period         time.Duration
}

// Benchmark samples the block height at t=0 and t=period, then walks
// forward from the starting height looking for the first block that
// isn't Skip/empty to use as a size sample, exactly as the original
// implementation's get_blockchain_throughput does: one representative
// block's JSON-encoded size times the number of blocks produced in the
// window, divided by the window's seconds.
func (e *Engine) Benchmark(ctx context.Context, period time.Duration) (BenchmarkResult, error) {
	start, err := e.source.GetBlockHeight(ctx)
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("engine: benchmark: sample start height: %w", err)
	}

	select {
	case <-time.After(period):
	case <-ctx.Done():
		return BenchmarkResult{}, ctx.Err()
	}

	end, err := e.source.GetBlockHeight(ctx)
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("engine: benchmark: sample end height: %w", err)
	}
	if end <= start {
		return BenchmarkResult{}, fmt.Errorf("engine: benchmark: no blocks produced during the measurement period")
	}

	onFallback := false
	var sampleBytes int
	found := false
	for slot := start; slot < end; slot++ {
		result, err := e.source.GetBlock(ctx, slot, onFallback)
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("engine: benchmark: fetch sample block: %w", err)
		}
		if result.Disposition == datasource.DispositionSwitchEndpoint {
			onFallback = true
			continue
		}
		if result.Block == nil {
			continue
		}
		body, err := json.Marshal(result.Block)
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("engine: benchmark: encode sample block: %w", err)
		}
		sampleBytes = len(body)
		found = true
		break
	}
	if !found {
		return BenchmarkResult{}, fmt.Errorf("engine: benchmark: every block in the measurement period was empty")
	}

	numBlocks := end - start
	bytesPerSecond := float64(sampleBytes) * float64(numBlocks) / period.Seconds()
	return BenchmarkResult{BytesPerSecond: bytesPerSecond, NumBlocks: numBlocks, Period: period}, nil
}

// RunRange drives a forward or reverse range producer and its worker
// pool to completion (or until ctx is canceled).
func (e *Engine) RunRange(ctx context.Context, r Range) error {
	plan, err := e.adjustForCheckpoint(r)
	if err != nil {
		return err
	}
	if plan.done {
		e.log.Info().Msg("range already fully indexed, nothing to do")
		return nil
	}

	slots := make(chan uint64)
	var stopped atomic.Bool

	// Workers run on a context that ignores cancellation, so a slot in
	// flight completes; cancellation stops the producer, which closes slots.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	workerErrs := make(chan error, e.cfg.NumWorkers)
	for i := 0; i < e.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := e.worker(workCtx, id, slots); err != nil {
				workerErrs <- err
			}
		}(i)
	}

	go e.produceRange(ctx, plan, &stopped, slots)

	wg.Wait()
	close(workerErrs)
	for err := range workerErrs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RunList drives an explicit slot list (index-list, §6) through a
// gammazero/workerpool pool rather than the tip-following channel
// producer RunRange uses — a fixed backfill batch has no tip to
// follow, so a plain bounded worker pool (as mikeydub/go-gallery's
// indexer package uses for its own backfill batches) fits better than
// RunRange's producer/consumer channel.
func (e *Engine) RunList(ctx context.Context, slotList []uint64) error {
	numWorkers := e.cfg.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	recorders := make([]*checkpoint.Recorder, numWorkers)
	sinks := make([]attachedSinks, numWorkers)
	fallbacks := make([]bool, numWorkers)
	for i := range recorders {
		r, err := checkpoint.NewRecorder(e.cfg.CheckpointDir)
		if err != nil {
			return err
		}
		recorders[i] = r
		s, err := e.attachSinks()
		if err != nil {
			return fmt.Errorf("engine: attach sink for worker %d: %w", i, err)
		}
		sinks[i] = s
	}

	wp := workerpool.New(numWorkers)
	var mu sync.Mutex
	var firstErr error

	// free hands each running task a worker index no other running task
	// holds, so a Recorder, its sinks and its fallback flag are never shared.
	free := make(chan int, numWorkers)
	for i := 0; i < numWorkers; i++ {
		free <- i
	}
	// Slots already started complete after ctx is canceled; slots not
	// yet started are dropped.
	workCtx := context.WithoutCancel(ctx)

	for _, slot := range slotList {
		slot := slot
		wp.Submit(func() {
			mu.Lock()
			if firstErr != nil || ctx.Err() != nil {
				mu.Unlock()
				return
			}
			mu.Unlock()

			workerIdx := <-free
			defer func() { free <- workerIdx }()
			if err := e.indexOneSlot(workCtx, recorders[workerIdx], sinks[workerIdx], slot, &fallbacks[workerIdx]); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("engine: slot %d: %w", slot, err)
				}
				mu.Unlock()
			}
		})
	}
	wp.StopWait()
	return firstErr
}

type adjustedPlan struct {
	start, end uint64
	hasEnd     bool
	reverse    bool
	done       bool
}

func (e *Engine) adjustForCheckpoint(r Range) (adjustedPlan, error) {
	if r.Reverse {
		cp, err := checkpoint.AdjustReverse(e.cfg.CheckpointDir, r.Start, r.End, r.HasEnd)
		if err != nil {
			return adjustedPlan{}, err
		}
		return adjustedPlan{start: cp.Start, end: cp.End, hasEnd: r.HasEnd, reverse: true, done: cp.Complete}, nil
	}
	cp, err := checkpoint.AdjustForward(e.cfg.CheckpointDir, r.Start, r.End, r.HasEnd)
	if err != nil {
		return adjustedPlan{}, err
	}
	return adjustedPlan{start: cp.Start, end: cp.End, hasEnd: r.HasEnd, done: cp.Complete}, nil
}

// produceRange enumerates slots per §4.7: forward mode re-probes the
// chain tip every TipCheckInterval slots and never enqueues past it;
// reverse mode walks down to range end (or zero). It returns, closing
// slots, at its next check once ctx is canceled (SIGINT/SIGTERM in cmd)
// or stopped is set.
func (e *Engine) produceRange(ctx context.Context, p adjustedPlan, stopped *atomic.Bool, slots chan<- uint64) {
	defer close(slots)

	if p.reverse {
		for s := p.start; ; s-- {
			if ctx.Err() != nil || stopped.Load() {
				return
			}
			if p.hasEnd && s < p.end {
				return
			}
			select {
			case slots <- s:
			case <-ctx.Done():
				return
			}
			if s == 0 {
				return
			}
		}
	}

	s := p.start
	enqueuedInWindow := 0
	var tip uint64
	needsTip := true
	for {
		if ctx.Err() != nil || stopped.Load() {
			return
		}
		if p.hasEnd && s >= p.end {
			return
		}
		if needsTip || enqueuedInWindow >= TipCheckInterval {
			newTip, err := e.source.GetLatestSlot(ctx)
			if err != nil {
				e.log.Error().Err(err).Msg("failed to probe chain tip")
				return
			}
			tip = newTip
			e.reg.SetTipSlot(tip)
			enqueuedInWindow = 0
			needsTip = false
			select {
			case <-time.After(WindowYield):
			case <-ctx.Done():
				return
			}
		}
		if s > tip {
			select {
			case <-time.After(WindowYield):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case slots <- s:
		case <-ctx.Done():
			return
		}
		s++
		enqueuedInWindow++
	}
}

// worker implements the per-slot pipeline of §4.7: checkpoint begin →
// fetch block → mine createAccount pubkeys → fetch accounts →
// resolve token metadata → transform → publish → checkpoint advance.
func (e *Engine) worker(ctx context.Context, id int, slots <-chan uint64) error {
	recorder, err := checkpoint.NewRecorder(e.cfg.CheckpointDir)
	if err != nil {
		return err
	}

	workerSinks, err := e.attachSinks()
	if err != nil {
		return fmt.Errorf("engine: worker %d attach sink: %w", id, err)
	}

	onFallback := false
	for slot := range slots {
		if err := e.indexOneSlot(ctx, recorder, workerSinks, slot, &onFallback); err != nil {
			return fmt.Errorf("engine: worker %d: %w", id, err)
		}
	}
	return nil
}

// indexOneSlot runs one slot through the full pipeline: checkpoint
// begin, fetch/transform/publish, checkpoint advance. Shared by the
// channel-fed worker loop (RunRange) and the workerpool-fed batch
// loop (RunList).
func (e *Engine) indexOneSlot(ctx context.Context, recorder *checkpoint.Recorder, sinks attachedSinks, slot uint64, onFallback *bool) error {
	if err := recorder.Begin(slot); err != nil {
		return fmt.Errorf("checkpoint begin: %w", err)
	}

	bundle, err := e.processSlot(ctx, slot, onFallback)
	if err != nil {
		return err
	}
	if bundle != nil {
		if err := e.publish(ctx, sinks, bundle); err != nil {
			return fmt.Errorf("publish slot %d: %w", slot, err)
		}
		e.reg.IncSlotsProcessed()
	} else {
		e.reg.IncBlocksSkipped()
	}
	e.reg.SetCurrentSlot(slot)

	if err := recorder.Advance(slot); err != nil {
		return fmt.Errorf("checkpoint advance: %w", err)
	}
	return nil
}

func (e *Engine) processSlot(ctx context.Context, slot uint64, onFallback *bool) (*records.Bundle, error) {
	result, err := e.source.GetBlock(ctx, slot, *onFallback)
	if err != nil {
		return nil, err
	}
	// GetBlock never returns DispositionRetry: OldBlock/UnconfirmedBlock/
	// NoStatus are retried inside its own loop until they resolve to a
	// block, Skip, SwitchEndpoint, or Fatal, so the checkpoint never
	// advances past a slot that hasn't actually been resolved.
	switch result.Disposition {
	case datasource.DispositionSkip:
		if result.Block == nil {
			return nil, nil
		}
	case datasource.DispositionSwitchEndpoint:
		*onFallback = true
		return nil, nil
	}

	block := result.Block
	if block == nil {
		return nil, nil
	}

	pubkeys, sigByPubkey := minedPubkeys(block)
	accountsByPubkey := make(map[string]*solanatypes.Account)
	var retrievalTime int64
	if len(pubkeys) > 0 {
		ts, accounts, err := e.source.GetAccounts(ctx, pubkeys)
		if err != nil {
			return nil, err
		}
		retrievalTime = ts.Unix()
		for i, acct := range accounts {
			if acct != nil {
				accountsByPubkey[pubkeys[i]] = acct
			}
		}
	}

	tokens, err := e.resolveTokens(ctx, accountsByPubkey)
	if err != nil {
		return nil, err
	}

	bundle, err := transform.Block(transform.BlockBundle{
		Slot:              slot,
		Block:             block,
		AccountsByPubkey:  accountsByPubkey,
		SignatureByPubkey: sigByPubkey,
		Tokens:            tokens,
		TimestampFormat:   e.cfg.TimestampFormat,
		RetrievalUnixTime: retrievalTime,
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// resolveTokens derives the metadata PDA for each fetched mint
// account and fetches/decodes the metadata it points to, per §4.5.
func (e *Engine) resolveTokens(ctx context.Context, accounts map[string]*solanatypes.Account) (map[string]*transform.TokenMetadata, error) {
	var mintPubkeys []string
	mintDecimals := make(map[string]uint8)
	for pubkey, acct := range accounts {
		if acct.Data.Kind != solanatypes.AccountDataParsed || acct.Data.Type != "mint" {
			continue
		}
		var info solanatypes.MintAccountInfo
		if err := json.Unmarshal(acct.Data.Info, &info); err != nil || info.Decimals == nil {
			continue
		}
		mintPubkeys = append(mintPubkeys, pubkey)
		mintDecimals[pubkey] = *info.Decimals
	}
	if len(mintPubkeys) == 0 {
		return nil, nil
	}

	pdas := make([]string, len(mintPubkeys))
	for i, mint := range mintPubkeys {
		pda, err := tokenresolver.DerivePDA(mint)
		if err != nil {
			return nil, err
		}
		pdas[i] = pda
	}

	_, metadataAccounts, err := e.source.GetAccounts(ctx, pdas)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*transform.TokenMetadata)
	for i, acct := range metadataAccounts {
		if acct == nil || acct.Data.Kind != solanatypes.AccountDataEncoded {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(acct.Data.Raw)
		if err != nil || len(raw) == 0 {
			continue
		}
		meta, err := tokenresolver.DecodeMetadata(raw)
		if err != nil {
			continue
		}
		mint := mintPubkeys[i]
		creators := make([]records.CreatorRecord, len(meta.Creators))
		for ci, c := range meta.Creators {
			creators[ci] = records.CreatorRecord{Address: c.Address, Verified: c.Verified, Share: uint32(c.Share)}
		}
		out[mint] = transform.NewTokenResult(
			meta.Mint, meta.UpdateAuthority, meta.Name, meta.Symbol, meta.URI,
			uint32(meta.SellerFeeBasisPoints), creators, meta.PrimarySaleHappened, meta.IsMutable,
			tokenresolver.IsNFT(mintDecimals[mint]),
		)
	}
	return out, nil
}

// attachedSinks holds a worker's per-family publish destinations.
// SingleStream configurations populate only single; PerRecordType
// configurations populate perFamily with one attached Sink per
// records.RecordFamily (§4.3 — distinct destinations per family).
type attachedSinks struct {
	single    sink.Sink
	perFamily map[records.RecordFamily]sink.Sink
}

func (e *Engine) publish(ctx context.Context, s attachedSinks, bundle *records.Bundle) error {
	recordID := strconv.FormatUint(bundle.Slot, 10)

	if !e.perType {
		body, err := sink.MarshalJSON(bundle)
		if err != nil {
			return err
		}
		if err := s.single.Publish(ctx, recordID, body); err != nil {
			return err
		}
		e.reg.IncRecordsPublished("bundle", 1)
		return nil
	}

	families := []struct {
		family records.RecordFamily
		items  any
	}{
		{records.FamilyBlock, bundle.Block},
		{records.FamilyBlockReward, bundle.BlockRewards},
		{records.FamilyTransaction, bundle.Transactions},
		{records.FamilyInstruction, bundle.Instructions},
		{records.FamilyTokenTransfer, bundle.TokenTransfers},
		{records.FamilyAccount, bundle.Accounts},
		{records.FamilyToken, bundle.Tokens},
	}
	for _, f := range families {
		body, err := sink.MarshalJSON(f.items)
		if err != nil {
			return err
		}
		dest, ok := s.perFamily[f.family]
		if !ok {
			return fmt.Errorf("engine: no sink attached for family %q", f.family)
		}
		if err := dest.Publish(ctx, recordID, body); err != nil {
			return err
		}
		e.reg.IncRecordsPublished(string(f.family), 1)
	}
	return nil
}

func (e *Engine) attachSinks() (attachedSinks, error) {
	if !e.perType {
		s, err := e.sinks(records.FamilyBlock)
		if err != nil {
			return attachedSinks{}, err
		}
		attached, err := s.Attach(context.Background())
		if err != nil {
			return attachedSinks{}, err
		}
		return attachedSinks{single: attached}, nil
	}

	perFamily := make(map[records.RecordFamily]sink.Sink, len(records.AllFamilies))
	for _, family := range records.AllFamilies {
		s, err := e.sinks(family)
		if err != nil {
			return attachedSinks{}, err
		}
		attached, err := s.Attach(context.Background())
		if err != nil {
			return attachedSinks{}, err
		}
		perFamily[family] = attached
	}
	return attachedSinks{perFamily: perFamily}, nil
}

// minedPubkeys derives newly-created account pubkeys from every
// transaction's createAccount-family instructions (outer and inner),
// matched against the rule table in solanatypes.DefaultAccountCreationRules
// (§4.7, §9). Duplicates are dropped but order of first appearance is
// kept. sigByPubkey records the signature of the transaction that first
// mined each pubkey, so AccountRecord.Signature (one per (transaction,
// fetched account) pair, per records.go) can be populated downstream.
func minedPubkeys(block *solanatypes.Block) (pubkeys []string, sigByPubkey map[string]string) {
	seen := make(map[string]struct{})
	sigByPubkey = make(map[string]string)
	add := func(pubkey, sig string) {
		if pubkey == "" {
			return
		}
		if _, ok := seen[pubkey]; ok {
			return
		}
		seen[pubkey] = struct{}{}
		pubkeys = append(pubkeys, pubkey)
		sigByPubkey[pubkey] = sig
	}

	mine := func(ix solanatypes.Instruction, sig string) {
		for _, rule := range solanatypes.DefaultAccountCreationRules {
			if ix.Program != rule.Program || ix.Type != rule.InstructionType {
				continue
			}
			var env struct {
				Info map[string]json.RawMessage `json:"info"`
			}
			if err := json.Unmarshal(ix.Parsed, &env); err != nil {
				continue
			}
			raw, ok := env.Info[rule.NewAccountField]
			if !ok {
				continue
			}
			var pubkey string
			if err := json.Unmarshal(raw, &pubkey); err != nil {
				continue
			}
			add(pubkey, sig)
		}
	}

	for _, tx := range block.Transactions {
		var sig string
		if len(tx.Signatures) > 0 {
			sig = tx.Signatures[0]
		}
		for _, ix := range tx.Message.Instructions {
			mine(ix, sig)
		}
		if tx.Meta == nil {
			continue
		}
		for _, group := range tx.Meta.InnerInstructions {
			for _, ix := range group.Instructions {
				mine(ix, sig)
			}
		}
	}
	return pubkeys, sigByPubkey
}

// LoadSlotList parses a CSV file per §6: flattening every row's cells,
// discarding the header row only if no cell in it parses as a u64.
func LoadSlotList(r io.Reader) ([]uint64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("engine: read CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	start := 0
	if !rowHasParseableSlot(rows[0]) {
		start = 1
	}

	var out []uint64
	for _, row := range rows[start:] {
		for _, cell := range row {
			v, err := strconv.ParseUint(cell, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func rowHasParseableSlot(row []string) bool {
	for _, cell := range row {
		if _, err := strconv.ParseUint(cell, 10, 64); err == nil {
			return true
		}
	}
	return false
}
