// Package records defines the normalized wire schema transform.Block
// produces: one family of record types per §3's "Normalized records"
// bullet. Wire encoding itself is treated as an opaque concern (§1
// Non-goals list protobuf codegen as an external collaborator) — every
// record here only needs to implement Serializer, and Sink publishes
// whatever bytes the configured Serializer produces. A production
// deployment swaps in a generated-protobuf Serializer without
// touching transform or sink.
package records

import (
	"encoding/json"
	"time"
)

// Timestamp is a tagged union chosen at configuration time (§3, §9
// "Timestamp encoding duality"): either an RFC-3339 string or unix
// microseconds. Collapsing the source's two build-time record variants
// into one runtime-tagged field means transform.Block never forks on
// a compile-time feature.
type Timestamp struct {
	Micros *int64  `json:"micros,omitempty"`
	ISO8601 *string `json:"iso8601,omitempty"`
}

// TimestampFormat selects which Timestamp representation NewTimestamp
// produces.
type TimestampFormat int

const (
	TimestampISO8601 TimestampFormat = iota
	TimestampMicros
)

// NewTimestamp builds a Timestamp from a unix-seconds value in the
// configured format.
func NewTimestamp(format TimestampFormat, unixSeconds int64) Timestamp {
	switch format {
	case TimestampMicros:
		micros := unixSeconds * 1_000_000
		return Timestamp{Micros: &micros}
	default:
		s := time.Unix(unixSeconds, 0).UTC().Format(time.RFC3339)
		return Timestamp{ISO8601: &s}
	}
}

// RecordFamily names one of the seven destinations a PerRecordType
// sink publishes independently (§4.3).
type RecordFamily string

const (
	FamilyBlock         RecordFamily = "block"
	FamilyBlockReward   RecordFamily = "block_reward"
	FamilyTransaction   RecordFamily = "transaction"
	FamilyInstruction   RecordFamily = "instruction"
	FamilyTokenTransfer RecordFamily = "token_transfer"
	FamilyAccount       RecordFamily = "account"
	FamilyToken         RecordFamily = "token"
)

// AllFamilies lists every record family a PerRecordType sink must have
// a destination for.
var AllFamilies = []RecordFamily{
	FamilyBlock, FamilyBlockReward, FamilyTransaction, FamilyInstruction,
	FamilyTokenTransfer, FamilyAccount, FamilyToken,
}

// BlockRecord is the singleton per-slot block record.
type BlockRecord struct {
	Slot              uint64    `json:"slot"`
	Blockhash         string    `json:"blockhash"`
	PreviousBlockhash string    `json:"previous_blockhash"`
	BlockTime         *Timestamp `json:"block_time,omitempty"`
	BlockHeight       *uint64   `json:"block_height,omitempty"`
	Leader            string    `json:"leader"`
	LeaderReward       uint64    `json:"leader_reward"`
	TransactionCount   int       `json:"transaction_count"`
}

// BlockRewardRecord is one entry of a block's reward list.
type BlockRewardRecord struct {
	Slot        uint64  `json:"slot"`
	Pubkey      string  `json:"pubkey"`
	Lamports    int64   `json:"lamports"`
	PostBalance uint64  `json:"post_balance"`
	RewardType  int32   `json:"reward_type"`
	Commission  *uint8  `json:"commission,omitempty"`
}

// Reward type enum, §4.4. Any value outside this set is fatal to
// transform, not merely unrecognized.
const (
	RewardTypeUnspecified int32 = 0
	RewardTypeFee         int32 = 1
	RewardTypeRent        int32 = 2
	RewardTypeStaking     int32 = 3
	RewardTypeVoting      int32 = 4
)

// TransactionRecord is the per-transaction summary record.
type TransactionRecord struct {
	Slot              uint64                  `json:"slot"`
	Signature         string                  `json:"signature"`
	Status            string                  `json:"status"` // "Success" | "Failure"
	Err               *string                 `json:"err,omitempty"`
	Fee               uint64                  `json:"fee"`
	RecentBlockhash   string                  `json:"recent_blockhash"`
	Accounts          []TransactionAccountRecord `json:"accounts"`
	BalanceChanges    []BalanceChangeRecord   `json:"balance_changes"`
	TokenBalances     []TokenBalanceRecord    `json:"token_balances"`
	LogMessages       []string                `json:"log_messages"`
	ComputeUnitsUsed  *uint64                 `json:"compute_units_consumed,omitempty"`
}

// TransactionAccountRecord is one entry of a transaction's
// account_keys list.
type TransactionAccountRecord struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// BalanceChangeRecord is emitted positionally, one per account_key
// (§4.4).
type BalanceChangeRecord struct {
	Pubkey       string `json:"pubkey"`
	PreBalance   uint64 `json:"pre_balance"`
	PostBalance  uint64 `json:"post_balance"`
}

// TokenBalanceRecord carries a transaction's pre/post SPL-token
// balances.
type TokenBalanceRecord struct {
	AccountIndex int    `json:"account_index"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner"`
	Amount       string `json:"amount"`
	Decimals     uint8  `json:"decimals"`
	When         string `json:"when"` // "pre" | "post"
}

// InstructionRecord is emitted outer-first: a transaction's outer
// instructions in order, then its inner-instruction groups, whose
// records carry the outer index as ParentIndex (§4.4, invariant 4).
type InstructionRecord struct {
	Slot         uint64          `json:"slot"`
	Signature    string          `json:"signature"`
	Index        int             `json:"index"`
	ParentIndex  *int            `json:"parent_index,omitempty"`
	Program      string          `json:"program"`
	ProgramID    string          `json:"program_id"`
	Type         string          `json:"type,omitempty"`
	Params       InstructionParamsRecord `json:"params"`
}

// InstructionParamsRecord carries either a parsed info map or raw
// partially-decoded account/data fields, mirroring the source's
// two-shaped instruction (§3).
type InstructionParamsRecord struct {
	Info     json.RawMessage `json:"info,omitempty"`
	Accounts []string        `json:"accounts,omitempty"`
	Data     string          `json:"data,omitempty"`
}

// TokenTransferType enumerates the classifier's output kinds (§4.4).
type TokenTransferType string

const (
	TokenTransferSPL         TokenTransferType = "SPL_TRANSFER"
	TokenTransferSPLWithFee  TokenTransferType = "SPL_TRANSFER_WITH_FEE"
	TokenTransferBurn        TokenTransferType = "BURN"
	TokenTransferMintTo      TokenTransferType = "MINT_TO"
	TokenTransferNative      TokenTransferType = "TRANSFER"
)

// TokenTransferRecord is the classifier's output for instructions that
// move value (§4.4).
type TokenTransferRecord struct {
	Slot          uint64            `json:"slot"`
	Signature     string            `json:"signature"`
	Type          TokenTransferType `json:"type"`
	Value         string            `json:"value"`
	Source        *string           `json:"source,omitempty"`
	Destination   *string           `json:"destination,omitempty"`
	Authority     *string           `json:"authority,omitempty"`
	Mint          *string           `json:"mint,omitempty"`
	MintAuthority *string           `json:"mint_authority,omitempty"`
	Decimals      *uint8            `json:"decimals,omitempty"`
	Fee           *string           `json:"fee,omitempty"`
	FeeDecimals   *uint8            `json:"fee_decimals,omitempty"`
	Memo          *string           `json:"memo,omitempty"`
}

// AccountVariant discriminates a PackagedAccount's payload (§4.4).
type AccountVariant string

const (
	AccountVariantEncoded    AccountVariant = "encoded"
	AccountVariantAccount    AccountVariant = "account"
	AccountVariantMint       AccountVariant = "mint"
	AccountVariantProgram    AccountVariant = "program"
	AccountVariantVote       AccountVariant = "vote"
	AccountVariantDelegated  AccountVariant = "delegated"
	AccountVariantOther      AccountVariant = "other"
)

// AccountRecord is the per-account record, one per (transaction,
// fetched account) pair.
type AccountRecord struct {
	Slot               uint64         `json:"slot"`
	Signature          string         `json:"signature"`
	RetrievalTimestamp Timestamp      `json:"retrieval_timestamp"`
	Pubkey             string         `json:"pubkey"`
	Executable         bool           `json:"executable"`
	Lamports           uint64         `json:"lamports"`
	Owner              string         `json:"owner"`
	RentEpoch          uint64         `json:"rent_epoch"`
	Variant            AccountVariant `json:"variant"`

	// Encoded variant.
	Data *DataRecord `json:"data,omitempty"`

	// account / mint / delegated variant.
	Mint               *string  `json:"mint,omitempty"`
	TokenAmount        *uint64  `json:"token_amount,omitempty"`
	TokenAmountDecimals *uint8  `json:"token_amount_decimals,omitempty"`
	IsNative           *bool    `json:"is_native,omitempty"`

	// vote variant.
	NodePubkey           *string               `json:"node_pubkey,omitempty"`
	AuthorizedWithdrawer *string               `json:"authorized_withdrawer,omitempty"`
	Commission           *uint8                `json:"commission,omitempty"`
	Votes                []VoteRecord          `json:"votes,omitempty"`
	RootSlot             *uint64               `json:"root_slot,omitempty"`
	AuthorizedVoters     []AuthorizedVoterRecord `json:"authorized_voters,omitempty"`
	PriorVoters          []PriorVoterRecord    `json:"prior_voters,omitempty"`
	EpochCredits         []EpochCreditRecord   `json:"epoch_credits,omitempty"`

	// other variant: raw parsed JSON preserved verbatim.
	RawOther json.RawMessage `json:"raw_other,omitempty"`
}

// DataRecord wraps an encoded (non-parsed) account's raw payload.
type DataRecord struct {
	Raw      string `json:"raw"`
	Encoding string `json:"encoding"`
}

type VoteRecord struct {
	Slot              uint64 `json:"slot"`
	ConfirmationCount uint32 `json:"confirmation_count"`
}

type AuthorizedVoterRecord struct {
	AuthorizedVoter string `json:"authorized_voter"`
	Epoch           uint64 `json:"epoch"`
}

type PriorVoterRecord struct {
	AuthorizedPubkey            string `json:"authorized_pubkey"`
	EpochOfLastAuthorizedSwitch uint64 `json:"epoch_of_last_authorized_switch"`
	TargetEpoch                 uint64 `json:"target_epoch"`
}

type EpochCreditRecord struct {
	Credits         string `json:"credits"`
	Epoch           uint64 `json:"epoch"`
	PreviousCredits string `json:"previous_credits"`
}

// TokenRecord is the on-chain token metadata record (§4.5).
type TokenRecord struct {
	RetrievalTimestamp   Timestamp       `json:"retrieval_timestamp"`
	Mint                 string          `json:"mint"`
	UpdateAuthority      string          `json:"update_authority"`
	Name                 string          `json:"name"`
	Symbol               string          `json:"symbol"`
	URI                  string          `json:"uri"`
	SellerFeeBasisPoints uint32          `json:"seller_fee_basis_points"`
	Creators             []CreatorRecord `json:"creators"`
	PrimarySaleHappened  bool            `json:"primary_sale_happened"`
	IsMutable            bool            `json:"is_mutable"`
	IsNFT                bool            `json:"is_nft"`
}

// CreatorRecord is one entry of a TokenRecord's creators list.
type CreatorRecord struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
	Share    uint32 `json:"share"`
}

// Bundle groups the seven record sequences transform.Block produces for
// one slot, plus the record-identifier the engine assigns for FileDir
// sinks.
type Bundle struct {
	Slot            uint64
	Block           *BlockRecord
	BlockRewards    []BlockRewardRecord
	Transactions    []TransactionRecord
	Instructions    []InstructionRecord
	TokenTransfers  []TokenTransferRecord
	Accounts        []AccountRecord
	Tokens          []TokenRecord
}

// Serializer turns a shaped record into the bytes a Sink publishes.
// The core engine is agnostic to the concrete wire format — §1 treats
// protobuf codegen as an external collaborator — so Serializer is the
// seam a production deployment plugs a generated-protobuf
// implementation into. JSONSerializer below is the implementation
// this repository ships and tests against.
type Serializer interface {
	// Marshal encodes a single record (or, for FamilyBlock, the
	// *Bundle as a whole when composing a SingleStream message).
	Marshal(v any) ([]byte, error)
}

// JSONSerializer is the default Serializer: plain JSON encoding. It is
// also what every FileDir sink uses, since file sinks are
// JSON/JSONL by definition (§4.3).
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
