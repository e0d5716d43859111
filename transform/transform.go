// Package transform implements RecordTransform (§4.4): turning one
// BlockBundle into the seven normalized record sequences records.Bundle
// carries. It is grounded on the original implementation's
// transformation/account.rs (account/token record field mapping) and
// transformation/token_transfer.rs (the token-transfer classifier
// table), translated from Rust match expressions into Go switch
// statements, and on solana_config/lib.rs for the block/reward/
// transaction summary fields.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/blockchain-etl/solana-etl/records"
	"github.com/blockchain-etl/solana-etl/solanatypes"
)

// Fatal wraps a transform error that should terminate the worker
// rather than be skipped, per §4.4's "any other value is fatal" rule
// for reward_type.
type Fatal struct{ err error }

func (f *Fatal) Error() string { return f.err.Error() }
func (f *Fatal) Unwrap() error { return f.err }

func fatalf(format string, args ...any) error {
	return &Fatal{err: fmt.Errorf(format, args...)}
}

// BlockBundle is everything RecordTransform needs for one slot: the
// parsed block, the accounts fetched for its transactions (mint
// accounts included), and any resolved token metadata. datasource and
// tokenresolver populate AccountsByPubkey and Tokens; engine wires
// them together before calling Block.
type BlockBundle struct {
	Slot             solanatypes.Slot
	Block            *solanatypes.Block
	AccountsByPubkey map[string]*solanatypes.Account
	// SignatureByPubkey holds the signature of the transaction that
	// mined each AccountsByPubkey entry, keyed the same way. engine's
	// minedPubkeys records the first transaction to create a pubkey,
	// since AccountRecord is one per (transaction, fetched account) pair.
	SignatureByPubkey map[string]string
	// Tokens holds resolved token metadata keyed by mint pubkey.
	Tokens            map[string]*TokenMetadata
	TimestampFormat   records.TimestampFormat
	RetrievalUnixTime int64
}

// TokenMetadata is the minimal shape transform needs out of
// tokenresolver.DecodeMetadata plus the is_nft flag, to avoid an
// import cycle between transform and tokenresolver (engine is the one
// package that imports both).
type TokenMetadata struct {
	Mint                 string
	UpdateAuthority      string
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint32
	Creators             []records.CreatorRecord
	PrimarySaleHappened  bool
	IsMutable            bool
	IsNFT                bool
}

// NewTokenResult adapts a tokenresolver decode result into the shape
// Block accepts, letting engine stay the only package that imports
// both transform and tokenresolver.
func NewTokenResult(mint, updateAuthority, name, symbol, uri string, sellerFee uint32, creators []records.CreatorRecord, primarySale, isMutable, isNFT bool) *TokenMetadata {
	return &TokenMetadata{
		Mint: mint, UpdateAuthority: updateAuthority, Name: name, Symbol: symbol, URI: uri,
		SellerFeeBasisPoints: sellerFee, Creators: creators, PrimarySaleHappened: primarySale,
		IsMutable: isMutable, IsNFT: isNFT,
	}
}

// Block runs RecordTransform over one BlockBundle (§4.4).
func Block(b BlockBundle) (*records.Bundle, error) {
	blk := b.Block
	bundle := &records.Bundle{Slot: b.Slot}

	var leader string
	var leaderReward uint64
	if len(blk.Rewards) > 0 {
		leader = blk.Rewards[0].Pubkey
		if blk.Rewards[0].Lamports > 0 {
			leaderReward = uint64(blk.Rewards[0].Lamports)
		}
	}

	var blockTime *records.Timestamp
	if blk.BlockTime != nil {
		t := records.NewTimestamp(b.TimestampFormat, *blk.BlockTime)
		blockTime = &t
	}

	bundle.Block = &records.BlockRecord{
		Slot:              b.Slot,
		Blockhash:         blk.Blockhash,
		PreviousBlockhash: blk.PreviousBlockhash,
		BlockTime:         blockTime,
		BlockHeight:       blk.BlockHeight,
		Leader:            leader,
		LeaderReward:      leaderReward,
		TransactionCount:  len(blk.Transactions),
	}

	for _, reward := range blk.Rewards {
		rt := solanatypes.RewardUnspecified
		if reward.RewardType != nil {
			rt = *reward.RewardType
		}
		switch rt {
		case records.RewardTypeUnspecified, records.RewardTypeFee, records.RewardTypeRent,
			records.RewardTypeStaking, records.RewardTypeVoting:
		default:
			return nil, fatalf("transform: unrecognized reward_type %d at slot %d", rt, b.Slot)
		}
		bundle.BlockRewards = append(bundle.BlockRewards, records.BlockRewardRecord{
			Slot:        b.Slot,
			Pubkey:      reward.Pubkey,
			Lamports:    reward.Lamports,
			PostBalance: reward.PostBalance,
			RewardType:  rt,
			Commission:  reward.Commission,
		})
	}

	for _, tx := range blk.Transactions {
		sig := tx.Signature()

		status := "Success"
		var errText *string
		if tx.Meta != nil && len(tx.Meta.Err) > 0 && string(tx.Meta.Err) != "null" {
			status = "Failure"
			s := string(tx.Meta.Err)
			errText = &s
		}

		txRecord := records.TransactionRecord{
			Slot:            b.Slot,
			Signature:       sig,
			Status:          status,
			Err:             errText,
			RecentBlockhash: tx.Message.RecentBlockhash,
		}
		if tx.Meta != nil {
			txRecord.Fee = tx.Meta.Fee
			txRecord.LogMessages = tx.Meta.LogMessages
			txRecord.ComputeUnitsUsed = tx.Meta.ComputeUnitsConsumed
		}

		for _, ak := range tx.Message.AccountKeys {
			txRecord.Accounts = append(txRecord.Accounts, records.TransactionAccountRecord{
				Pubkey: ak.Pubkey, Signer: ak.Signer, Writable: ak.Writable,
			})
		}

		if tx.Meta != nil {
			for i := range tx.Message.AccountKeys {
				var pre, post uint64
				if i < len(tx.Meta.PreBalances) {
					pre = tx.Meta.PreBalances[i]
				}
				if i < len(tx.Meta.PostBalances) {
					post = tx.Meta.PostBalances[i]
				}
				txRecord.BalanceChanges = append(txRecord.BalanceChanges, records.BalanceChangeRecord{
					Pubkey:      tx.Message.AccountKeys[i].Pubkey,
					PreBalance:  pre,
					PostBalance: post,
				})
			}
			for _, tb := range tx.Meta.PreTokenBalances {
				txRecord.TokenBalances = append(txRecord.TokenBalances, tokenBalanceRecord(tb, "pre"))
			}
			for _, tb := range tx.Meta.PostTokenBalances {
				txRecord.TokenBalances = append(txRecord.TokenBalances, tokenBalanceRecord(tb, "post"))
			}
		}

		bundle.Transactions = append(bundle.Transactions, txRecord)

		// All outer instructions are emitted first, in index order; only
		// then do the inner-instruction groups follow, each in the order
		// meta.inner_instructions lists them — mirroring transaction.rs,
		// which runs these as two separate loops rather than interleaving
		// a transaction's inner instructions between its outer ones.
		for outerIdx, ix := range tx.Message.Instructions {
			bundle.Instructions = append(bundle.Instructions, instructionRecord(b.Slot, sig, outerIdx, nil, ix))
			emitTokenTransfer(bundle, b.Slot, sig, tx.Message.Instructions, outerIdx)
		}

		if tx.Meta != nil {
			for _, group := range tx.Meta.InnerInstructions {
				parent := group.Index
				for innerIdx, inner := range group.Instructions {
					bundle.Instructions = append(bundle.Instructions, instructionRecord(b.Slot, sig, innerIdx, &parent, inner))
					emitTokenTransfer(bundle, b.Slot, sig, group.Instructions, innerIdx)
				}
			}
		}
	}

	for pubkey, acct := range b.AccountsByPubkey {
		bundle.Accounts = append(bundle.Accounts, accountRecord(b, pubkey, acct))
	}

	for _, tok := range b.Tokens {
		bundle.Tokens = append(bundle.Tokens, tokenRecord(b, tok))
	}

	return bundle, nil
}

func tokenBalanceRecord(tb solanatypes.TokenBalance, when string) records.TokenBalanceRecord {
	return records.TokenBalanceRecord{
		AccountIndex: tb.AccountIndex,
		Mint:         tb.Mint,
		Owner:        tb.Owner,
		Amount:       tb.UITokenAmount.Amount,
		Decimals:     tb.UITokenAmount.Decimals,
		When:         when,
	}
}

func instructionRecord(slot uint64, sig string, idx int, parent *int, ix solanatypes.Instruction) records.InstructionRecord {
	return records.InstructionRecord{
		Slot:        slot,
		Signature:   sig,
		Index:       idx,
		ParentIndex: parent,
		Program:     ix.Program,
		ProgramID:   ix.ProgramID,
		Type:        ix.Type,
		Params: records.InstructionParamsRecord{
			Info:     ix.Parsed,
			Accounts: ix.Accounts,
			Data:     ix.Data,
		},
	}
}

// Instruction-type and program names the token-transfer classifier
// and account-creation miner dispatch on, per token_transfer.rs.
const (
	programSPLToken = "spl-token"
	programMemo     = "spl-memo"
	programSystem   = "system"

	ixTransfer               = "transfer"
	ixTransferChecked        = "transferChecked"
	ixTransferCheckedWithFee = "transferCheckedWithFee"
	ixBurn                   = "burn"
	ixBurnChecked            = "burnChecked"
	ixMintTo                 = "mintTo"
	ixMintToChecked          = "mintToChecked"
)

// emitTokenTransfer runs the token-transfer classifier (§4.4) over
// instrs[idx], appending a TokenTransferRecord to bundle if the
// (program, type) pair is one the classifier recognizes. A memo
// carried on the immediately preceding instruction is attached when
// present.
func emitTokenTransfer(bundle *records.Bundle, slot uint64, sig string, instrs []solanatypes.Instruction, idx int) {
	ix := instrs[idx]

	var info solanatypes.TokenTransferInfo
	ok, err := ix.ParsedInfo(&info)
	if err != nil || !ok {
		return
	}

	var transferType records.TokenTransferType
	var source, destination, authority, mint, mintAuthority *string
	var decimals *uint8
	var fee, feeDecimals *string

	switch {
	case ix.Program == programSPLToken:
		switch ix.Type {
		case ixTransfer:
			transferType = records.TokenTransferSPL
			source, destination, authority = info.Source, info.Destination, info.Authority
		case ixTransferChecked:
			transferType = records.TokenTransferSPL
			source, destination, authority = info.Source, info.Destination, info.Authority
			decimals, mint = info.Decimals, info.Mint
		case ixTransferCheckedWithFee:
			transferType = records.TokenTransferSPLWithFee
			source, destination, authority = info.Source, info.Destination, info.Authority
			decimals, mint = info.Decimals, info.Mint
		case ixBurn:
			transferType = records.TokenTransferBurn
			authority, mint = info.Authority, info.Mint
		case ixBurnChecked:
			transferType = records.TokenTransferBurn
			authority, mint = info.Authority, info.Mint
			decimals = info.Decimals
		case ixMintTo:
			transferType = records.TokenTransferMintTo
			mint, mintAuthority = info.Mint, info.MintAuthority
		case ixMintToChecked:
			transferType = records.TokenTransferMintTo
			mint, mintAuthority = info.Mint, info.MintAuthority
			decimals = info.Decimals
		default:
			return
		}
		fee, feeDecimals = info.FeeAmount, info.FeeDecimals
	case ix.Program == programSystem && ix.Type == ixTransfer:
		transferType = records.TokenTransferNative
		source, destination, authority = info.Source, info.Destination, info.Authority
	default:
		return
	}

	var memo *string
	if idx > 0 {
		prev := instrs[idx-1]
		if prev.Program == programMemo {
			if len(prev.Data) > 0 {
				m := prev.Data
				memo = &m
			} else {
				var memoInfo solanatypes.MemoInfo
				if json.Unmarshal(prev.Parsed, &memoInfo) == nil && memoInfo != "" {
					memo = &memoInfo
				}
			}
		}
	}

	value := info.Amount
	if value == "" && info.TokenAmount != nil {
		value = info.TokenAmount.Amount
	}

	bundle.TokenTransfers = append(bundle.TokenTransfers, records.TokenTransferRecord{
		Slot:          slot,
		Signature:     sig,
		Type:          transferType,
		Value:         value,
		Source:        source,
		Destination:   destination,
		Authority:     authority,
		Mint:          mint,
		MintAuthority: mintAuthority,
		Decimals:      decimals,
		Fee:           fee,
		FeeDecimals:   feeDecimals,
		Memo:          memo,
	})
}

// accountRecord classifies a fetched account into the {encoded,
// account, mint, program, vote, delegated, other} variants of §4.4.
// There is no separate "unused" variant: a parsed type it does not
// recognize goes to other.
func accountRecord(b BlockBundle, pubkey string, acct *solanatypes.Account) records.AccountRecord {
	rec := records.AccountRecord{
		Slot:               b.Slot,
		Signature:          b.SignatureByPubkey[pubkey],
		RetrievalTimestamp: records.NewTimestamp(b.TimestampFormat, b.RetrievalUnixTime),
		Pubkey:             pubkey,
		Executable:         acct.Executable,
		Lamports:           acct.Lamports,
		Owner:              acct.Owner,
		RentEpoch:          acct.RentEpoch,
	}

	if acct.Data.Kind == solanatypes.AccountDataEncoded {
		rec.Variant = records.AccountVariantEncoded
		rec.Data = &records.DataRecord{Raw: acct.Data.Raw, Encoding: acct.Data.Encoding}
		return rec
	}

	switch acct.Data.Type {
	case "mint":
		rec.Variant = records.AccountVariantMint
		var info solanatypes.MintAccountInfo
		if json.Unmarshal(acct.Data.Info, &info) == nil {
			rec.TokenAmountDecimals = info.Decimals
			rec.Mint = &pubkey
		}
	case "account":
		rec.Variant = records.AccountVariantAccount
		var info solanatypes.TokenAccountInfo
		if json.Unmarshal(acct.Data.Info, &info) == nil {
			mint := info.Mint
			rec.Mint = &mint
			rec.TokenAmountDecimals = &info.TokenAmount.Decimals
			rec.IsNative = info.IsNative
		}
	case "vote":
		rec.Variant = records.AccountVariantVote
		var info solanatypes.VoteAccountInfo
		if json.Unmarshal(acct.Data.Info, &info) == nil {
			rec.NodePubkey = &info.NodePubkey
			rec.AuthorizedWithdrawer = &info.AuthorizedWithdrawer
			commission := info.Commission
			rec.Commission = &commission
			rec.RootSlot = info.RootSlot
			for _, v := range info.Votes {
				rec.Votes = append(rec.Votes, records.VoteRecord{Slot: v.Slot, ConfirmationCount: v.ConfirmationCount})
			}
			for _, av := range info.AuthorizedVoters {
				rec.AuthorizedVoters = append(rec.AuthorizedVoters, records.AuthorizedVoterRecord{
					AuthorizedVoter: av.AuthorizedVoter, Epoch: av.Epoch,
				})
			}
			for _, pv := range info.PriorVoters {
				rec.PriorVoters = append(rec.PriorVoters, records.PriorVoterRecord{
					AuthorizedPubkey: pv.AuthorizedPubkey, EpochOfLastAuthorizedSwitch: pv.EpochOfLastAuthorizedSwitch, TargetEpoch: pv.TargetEpoch,
				})
			}
			for _, ec := range info.EpochCredits {
				rec.EpochCredits = append(rec.EpochCredits, records.EpochCreditRecord{
					Credits: ec.Credits, Epoch: ec.Epoch, PreviousCredits: ec.PreviousCredits,
				})
			}
		}
	case "delegated", "stake":
		rec.Variant = records.AccountVariantDelegated
	case "":
		// Acct.Data.Program set but no Type: an executable program
		// account, or the account has no further parsed breakdown.
		if acct.Executable {
			rec.Variant = records.AccountVariantProgram
		} else {
			rec.Variant = records.AccountVariantOther
			rec.RawOther = acct.Data.Info
		}
	default:
		rec.Variant = records.AccountVariantOther
		rec.RawOther = acct.Data.Info
	}

	return rec
}

func tokenRecord(b BlockBundle, tok *TokenMetadata) records.TokenRecord {
	return records.TokenRecord{
		RetrievalTimestamp:   records.NewTimestamp(b.TimestampFormat, b.RetrievalUnixTime),
		Mint:                 tok.Mint,
		UpdateAuthority:      tok.UpdateAuthority,
		Name:                 tok.Name,
		Symbol:               tok.Symbol,
		URI:                  tok.URI,
		SellerFeeBasisPoints: tok.SellerFeeBasisPoints,
		Creators:             tok.Creators,
		PrimarySaleHappened:  tok.PrimarySaleHappened,
		IsMutable:            tok.IsMutable,
		IsNFT:                tok.IsNFT,
	}
}
