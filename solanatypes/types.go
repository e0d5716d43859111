// Package solanatypes models the shapes returned by a Solana JSON-RPC
// compatible node: slots, blocks, transactions, parsed instructions and
// accounts. These are the "source" shapes §3 of the design describes;
// datasource.Source is responsible for producing them from a raw RPC
// response, and transform.Block turns them into the normalized record
// schema.
package solanatypes

import "encoding/json"

// Slot identifies a block position on the chain. Not every slot
// resolves to a Block.
type Slot = uint64

// Block is the parsed representation of a block at a slot.
type Block struct {
	Blockhash         string         `json:"blockhash"`
	PreviousBlockhash string         `json:"previousBlockhash"`
	BlockTime         *int64         `json:"blockTime"`
	BlockHeight       *uint64        `json:"blockHeight"`
	Transactions      []Transaction  `json:"transactions"`
	Rewards           []Reward       `json:"rewards"`
	ParentSlot        uint64         `json:"parentSlot"`
}

// Reward is one entry of a block's rewards array. The leader reward is
// always the first element, when present.
type Reward struct {
	Pubkey      string  `json:"pubkey"`
	Lamports    int64   `json:"lamports"`
	PostBalance uint64  `json:"postBalance"`
	RewardType  *int32  `json:"rewardType"`
	Commission  *uint8  `json:"commission"`
}

// Reward type enum values, §4.4.
const (
	RewardUnspecified int32 = 0
	RewardFee         int32 = 1
	RewardRent        int32 = 2
	RewardStaking     int32 = 3
	RewardVoting      int32 = 4
)

// Transaction is a parsed, confirmed transaction within a block.
type Transaction struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
	Meta       *Meta    `json:"meta"`
}

// Signature returns the transaction's canonical identifier: its first
// signature. Callers must only invoke this on a transaction that has
// at least one signature, which every well-formed confirmed
// transaction does.
func (t Transaction) Signature() string {
	return t.Signatures[0]
}

// Message holds the transaction body.
type Message struct {
	AccountKeys     []AccountKey  `json:"accountKeys"`
	RecentBlockhash string        `json:"recentBlockhash"`
	Instructions    []Instruction `json:"instructions"`
}

// AccountKey is one entry of a transaction's account_keys list.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Meta carries the execution results of a transaction.
type Meta struct {
	Err               json.RawMessage           `json:"err"`
	Fee               uint64                    `json:"fee"`
	PreBalances       []uint64                  `json:"preBalances"`
	PostBalances      []uint64                  `json:"postBalances"`
	InnerInstructions []InnerInstructionGroup   `json:"innerInstructions"`
	LogMessages       []string                  `json:"logMessages"`
	PreTokenBalances  []TokenBalance            `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance             `json:"postTokenBalances"`
	ComputeUnitsConsumed *uint64                `json:"computeUnitsConsumed"`
}

// InnerInstructionGroup groups inner instructions by the outer
// instruction index that invoked them.
type InnerInstructionGroup struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// TokenBalance is one entry of a transaction's pre/post token balances.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	ProgramID     string        `json:"programId"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount is the human-readable form of a token quantity.
type UITokenAmount struct {
	Amount         string  `json:"amount"`
	Decimals       uint8   `json:"decimals"`
	UIAmountString string  `json:"uiAmountString"`
}

// Instruction is an instruction in either parsed or partially-decoded
// form, mirroring the two shapes the Solana RPC returns depending on
// whether the node recognizes the invoked program.
type Instruction struct {
	// Parsed form.
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Type      string          `json:"-"` // lifted from Parsed.Type, see UnmarshalJSON
	Parsed    json.RawMessage `json:"parsed"`

	// Partially-decoded form.
	Accounts []string `json:"accounts"`
	Data     string   `json:"data"`
}

type parsedEnvelope struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// ParsedInfo decodes the instruction's parsed.info map into dst. It is
// a no-op returning false if the instruction is partially-decoded
// (has no Parsed payload).
func (ix Instruction) ParsedInfo(dst any) (bool, error) {
	if len(ix.Parsed) == 0 {
		return false, nil
	}
	var env parsedEnvelope
	if err := json.Unmarshal(ix.Parsed, &env); err != nil {
		return false, err
	}
	if len(env.Info) == 0 {
		return true, nil
	}
	return true, json.Unmarshal(env.Info, dst)
}

// UnmarshalJSON lifts parsed.type to the Type field so callers can
// branch on instruction kind without re-parsing the envelope.
func (ix *Instruction) UnmarshalJSON(data []byte) error {
	type alias Instruction
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*ix = Instruction(a)
	if len(ix.Parsed) > 0 {
		var env parsedEnvelope
		if err := json.Unmarshal(ix.Parsed, &env); err == nil {
			ix.Type = env.Type
		}
	}
	return nil
}

// TokenTransferInfo is the structural subset of a parsed SPL-token or
// system-program instruction's info map relevant to token-transfer
// classification (§4.4).
type TokenTransferInfo struct {
	Amount          string  `json:"amount"`
	Source          *string `json:"source"`
	Destination     *string `json:"destination"`
	Authority       *string `json:"authority"`
	Mint            *string `json:"mint"`
	MintAuthority   *string `json:"mintAuthority"`
	Decimals        *uint8  `json:"decimals"`
	FeeAmount       *string `json:"feeAmount"`
	FeeDecimals     *uint8  `json:"feeDecimals"`
	TokenAmount     *UITokenAmount `json:"tokenAmount"`
}

// MemoInfo is the parsed payload of an spl-memo instruction, which
// the Solana RPC returns as a bare string rather than an object.
type MemoInfo = string

// CreateAccountInfo is the info map of a system-program createAccount
// instruction, used to mine newly-created account pubkeys (§4.7, §9).
type CreateAccountInfo struct {
	Source     string `json:"source"`
	NewAccount string `json:"newAccount"`
	Lamports   uint64 `json:"lamports"`
	Space      uint64 `json:"space"`
	Owner      string `json:"owner"`
}

// AccountCreationRule names one (program, instruction type, info field)
// triple that mines a newly-created account pubkey out of an
// instruction. Encoding this as a table (§9 Design Notes) lets new
// system-level account-creation variants (e.g. createAccountWithSeed)
// be added without touching engine code.
type AccountCreationRule struct {
	Program         string
	InstructionType string
	NewAccountField string
}

// DefaultAccountCreationRules is the rule table the engine uses to
// mine newly-created account pubkeys out of a transaction's
// instructions.
var DefaultAccountCreationRules = []AccountCreationRule{
	{Program: "system", InstructionType: "createAccount", NewAccountField: "newAccount"},
	{Program: "system", InstructionType: "createAccountWithSeed", NewAccountField: "newAccount"},
}

// Account is a fetched account's state at the time of the call.
type Account struct {
	Pubkey    string
	Executable bool
	Lamports  uint64
	Owner     string
	RentEpoch uint64
	Data      AccountData
}

// AccountDataKind discriminates the tagged AccountData payload.
type AccountDataKind int

const (
	AccountDataEncoded AccountDataKind = iota
	AccountDataParsed
)

// AccountData is the tagged {Encoded, Parsed} account payload (§3).
type AccountData struct {
	Kind AccountDataKind

	// Encoded variant.
	Raw      string
	Encoding string

	// Parsed variant.
	Program string
	Space   uint64
	Type    string
	Info    json.RawMessage
}

// MintAccountInfo is the parsed.info shape of a mint account, the
// subset tokenresolver needs to derive the metadata PDA and classify
// NFTs.
type MintAccountInfo struct {
	Decimals        *uint8 `json:"decimals"`
	MintAuthority   *string `json:"mintAuthority"`
	Supply          string `json:"supply"`
	IsInitialized   bool   `json:"isInitialized"`
}

// TokenAccountInfo is the parsed.info shape of a token (non-mint)
// account, used for the "account" classifier category.
type TokenAccountInfo struct {
	Mint          string         `json:"mint"`
	Owner         string         `json:"owner"`
	TokenAmount   UITokenAmount  `json:"tokenAmount"`
	State         string         `json:"state"`
	IsNative      *bool          `json:"isNative"`
}

// VoteAccountInfo is the parsed.info shape of a vote-program account.
type VoteAccountInfo struct {
	NodePubkey           string                `json:"nodePubkey"`
	AuthorizedWithdrawer string                `json:"authorizedWithdrawer"`
	Commission           uint8                 `json:"commission"`
	Votes                []VoteEntry           `json:"votes"`
	RootSlot             *uint64               `json:"rootSlot"`
	AuthorizedVoters     []AuthorizedVoter     `json:"authorizedVoters"`
	PriorVoters          []PriorVoter          `json:"priorVoters"`
	EpochCredits         []EpochCredit         `json:"epochCredits"`
}

type VoteEntry struct {
	Slot             uint64 `json:"slot"`
	ConfirmationCount uint32 `json:"confirmationCount"`
}

type AuthorizedVoter struct {
	AuthorizedVoter string `json:"authorizedVoter"`
	Epoch           uint64 `json:"epoch"`
}

type PriorVoter struct {
	AuthorizedPubkey              string `json:"authorizedPubkey"`
	EpochOfLastAuthorizedSwitch   uint64 `json:"epochOfLastAuthorizedSwitch"`
	TargetEpoch                   uint64 `json:"targetEpoch"`
}

type EpochCredit struct {
	Credits         string `json:"credits"`
	Epoch           uint64 `json:"epoch"`
	PreviousCredits string `json:"previousCredits"`
}

// DelegatedAccountInfo is the parsed.info shape of a stake-program
// delegated account.
type DelegatedAccountInfo struct {
	Meta       json.RawMessage `json:"meta"`
	Stake      json.RawMessage `json:"stake"`
}
