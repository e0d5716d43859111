package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockchain-etl/solana-etl/records"
	"github.com/blockchain-etl/solana-etl/solanatypes"
)

func parsedIx(program, programID, typ string, info any) solanatypes.Instruction {
	infoBytes, _ := json.Marshal(info)
	envelope, _ := json.Marshal(map[string]json.RawMessage{
		"type": mustJSON(typ),
		"info": infoBytes,
	})
	return solanatypes.Instruction{Program: program, ProgramID: programID, Type: typ, Parsed: envelope}
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func ptr[T any](v T) *T { return &v }

func basicBlock(instrs []solanatypes.Instruction) *solanatypes.Block {
	return &solanatypes.Block{
		Blockhash:         "hash1",
		PreviousBlockhash: "hash0",
		ParentSlot:        9,
		Rewards: []solanatypes.Reward{
			{Pubkey: "leader1", Lamports: 500, PostBalance: 1000, RewardType: ptr(int32(1))},
		},
		Transactions: []solanatypes.Transaction{
			{
				Signatures: []string{"sig1"},
				Message: solanatypes.Message{
					RecentBlockhash: "rbh",
					AccountKeys: []solanatypes.AccountKey{
						{Pubkey: "a1", Signer: true, Writable: true},
						{Pubkey: "a2", Signer: false, Writable: true},
					},
					Instructions: instrs,
				},
				Meta: &solanatypes.Meta{
					Fee:          5000,
					PreBalances:  []uint64{100, 200},
					PostBalances: []uint64{95, 205},
				},
			},
		},
	}
}

func TestBlock_LeaderAndLeaderRewardFromFirstReward(t *testing.T) {
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{Slot: 42, Block: blk})
	require.NoError(t, err)
	assert.Equal(t, "leader1", bundle.Block.Leader)
	assert.Equal(t, uint64(500), bundle.Block.LeaderReward)
}

func TestBlock_EmptyRewardsYieldsZeroLeaderReward(t *testing.T) {
	blk := basicBlock(nil)
	blk.Rewards = nil
	bundle, err := Block(BlockBundle{Slot: 42, Block: blk})
	require.NoError(t, err)
	assert.Equal(t, "", bundle.Block.Leader)
	assert.Equal(t, uint64(0), bundle.Block.LeaderReward)
}

func TestBlock_UnknownRewardTypeIsFatal(t *testing.T) {
	blk := basicBlock(nil)
	blk.Rewards[0].RewardType = ptr(int32(99))
	_, err := Block(BlockBundle{Slot: 42, Block: blk})
	require.Error(t, err)
	var fatal *Fatal
	assert.ErrorAs(t, err, &fatal)
}

func TestBlock_StatusSuccessWhenErrAbsent(t *testing.T) {
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	require.Len(t, bundle.Transactions, 1)
	assert.Equal(t, "Success", bundle.Transactions[0].Status)
}

func TestBlock_StatusFailureWhenErrPresent(t *testing.T) {
	blk := basicBlock(nil)
	blk.Transactions[0].Meta.Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	assert.Equal(t, "Failure", bundle.Transactions[0].Status)
	require.NotNil(t, bundle.Transactions[0].Err)
}

func TestBlock_BalanceChangesArePositional(t *testing.T) {
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	require.Len(t, bundle.Transactions[0].BalanceChanges, 2)
	assert.Equal(t, "a1", bundle.Transactions[0].BalanceChanges[0].Pubkey)
	assert.Equal(t, uint64(100), bundle.Transactions[0].BalanceChanges[0].PreBalance)
	assert.Equal(t, uint64(95), bundle.Transactions[0].BalanceChanges[0].PostBalance)
}

func TestBlock_InnerInstructionCarriesParentIndex(t *testing.T) {
	outer := []solanatypes.Instruction{
		parsedIx("system", "11111111111111111111111111111111", "createAccount", map[string]any{"source": "a1", "newAccount": "a3", "lamports": 1, "space": 0}),
	}
	blk := basicBlock(outer)
	blk.Transactions[0].Meta.InnerInstructions = []solanatypes.InnerInstructionGroup{
		{Index: 0, Instructions: []solanatypes.Instruction{
			parsedIx("system", "111", "transfer", map[string]any{"source": "a1", "destination": "a2", "lamports": 1}),
		}},
	}
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	require.Len(t, bundle.Instructions, 2)
	assert.Equal(t, 0, bundle.Instructions[0].Index)
	assert.Nil(t, bundle.Instructions[0].ParentIndex)
	assert.Equal(t, 0, bundle.Instructions[1].Index)
	require.NotNil(t, bundle.Instructions[1].ParentIndex)
	assert.Equal(t, 0, *bundle.Instructions[1].ParentIndex)
}

func TestBlock_AllOuterInstructionsPrecedeAllInnerGroups(t *testing.T) {
	outer := []solanatypes.Instruction{
		parsedIx("system", "11111111111111111111111111111111", "createAccount", map[string]any{"source": "a1", "newAccount": "a3", "lamports": 1, "space": 0}),
		parsedIx("system", "11111111111111111111111111111111", "createAccount", map[string]any{"source": "a1", "newAccount": "a4", "lamports": 1, "space": 0}),
	}
	blk := basicBlock(outer)
	blk.Transactions[0].Meta.InnerInstructions = []solanatypes.InnerInstructionGroup{
		{Index: 0, Instructions: []solanatypes.Instruction{
			parsedIx("system", "111", "transfer", map[string]any{"source": "a1", "destination": "a2", "lamports": 1}),
		}},
		{Index: 1, Instructions: []solanatypes.Instruction{
			parsedIx("system", "111", "transfer", map[string]any{"source": "a1", "destination": "a2", "lamports": 2}),
		}},
	}
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	require.Len(t, bundle.Instructions, 4)

	// Both outer instructions come first, in index order...
	assert.Nil(t, bundle.Instructions[0].ParentIndex)
	assert.Equal(t, 0, bundle.Instructions[0].Index)
	assert.Nil(t, bundle.Instructions[1].ParentIndex)
	assert.Equal(t, 1, bundle.Instructions[1].Index)

	// ...then both inner groups, in parent order.
	require.NotNil(t, bundle.Instructions[2].ParentIndex)
	assert.Equal(t, 0, *bundle.Instructions[2].ParentIndex)
	require.NotNil(t, bundle.Instructions[3].ParentIndex)
	assert.Equal(t, 1, *bundle.Instructions[3].ParentIndex)
}

func TestTokenTransferClassifier(t *testing.T) {
	cases := []struct {
		name     string
		ix       solanatypes.Instruction
		wantType records.TokenTransferType
		wantSkip bool
	}{
		{
			name:     "spl transfer",
			ix:       parsedIx("spl-token", "p", "transfer", map[string]any{"source": "s", "destination": "d", "authority": "auth", "amount": "100"}),
			wantType: records.TokenTransferSPL,
		},
		{
			name:     "spl transferChecked",
			ix:       parsedIx("spl-token", "p", "transferChecked", map[string]any{"source": "s", "destination": "d", "mint": "m", "decimals": 6, "tokenAmount": map[string]any{"amount": "100"}}),
			wantType: records.TokenTransferSPL,
		},
		{
			name:     "spl transferCheckedWithFee",
			ix:       parsedIx("spl-token", "p", "transferCheckedWithFee", map[string]any{"source": "s", "destination": "d", "mint": "m", "feeAmount": "1"}),
			wantType: records.TokenTransferSPLWithFee,
		},
		{
			name:     "burn",
			ix:       parsedIx("spl-token", "p", "burn", map[string]any{"authority": "auth", "mint": "m", "amount": "5"}),
			wantType: records.TokenTransferBurn,
		},
		{
			name:     "mintTo",
			ix:       parsedIx("spl-token", "p", "mintTo", map[string]any{"mint": "m", "mintAuthority": "auth", "amount": "5"}),
			wantType: records.TokenTransferMintTo,
		},
		{
			name:     "native transfer",
			ix:       parsedIx("system", "p", "transfer", map[string]any{"source": "s", "destination": "d", "amount": "5"}),
			wantType: records.TokenTransferNative,
		},
		{
			name:     "unrecognized is skipped",
			ix:       parsedIx("spl-token", "p", "approve", map[string]any{}),
			wantSkip: true,
		},
		{
			name:     "non-transfer program is skipped",
			ix:       parsedIx("vote", "p", "vote", map[string]any{}),
			wantSkip: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blk := basicBlock([]solanatypes.Instruction{tc.ix})
			bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
			require.NoError(t, err)
			if tc.wantSkip {
				assert.Empty(t, bundle.TokenTransfers)
				return
			}
			require.Len(t, bundle.TokenTransfers, 1)
			assert.Equal(t, tc.wantType, bundle.TokenTransfers[0].Type)
		})
	}
}

func TestTokenTransferClassifier_AttachesPrecedingMemo(t *testing.T) {
	memoIx := solanatypes.Instruction{Program: "spl-memo", ProgramID: "memo", Data: "hello world"}
	transferIx := parsedIx("spl-token", "p", "transfer", map[string]any{"source": "s", "destination": "d", "amount": "10"})
	blk := basicBlock([]solanatypes.Instruction{memoIx, transferIx})
	bundle, err := Block(BlockBundle{Slot: 1, Block: blk})
	require.NoError(t, err)
	require.Len(t, bundle.TokenTransfers, 1)
	require.NotNil(t, bundle.TokenTransfers[0].Memo)
	assert.Equal(t, "hello world", *bundle.TokenTransfers[0].Memo)
}

func TestAccountClassifier_MintVariant(t *testing.T) {
	acct := &solanatypes.Account{
		Pubkey: "mint1",
		Owner:  "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		Data: solanatypes.AccountData{
			Kind:    solanatypes.AccountDataParsed,
			Program: "spl-token",
			Type:    "mint",
			Info:    []byte(`{"decimals":0,"isInitialized":true,"supply":"1"}`),
		},
	}
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{
		Slot:             1,
		Block:            blk,
		AccountsByPubkey: map[string]*solanatypes.Account{"mint1": acct},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Accounts, 1)
	assert.Equal(t, records.AccountVariantMint, bundle.Accounts[0].Variant)
	require.NotNil(t, bundle.Accounts[0].TokenAmountDecimals)
	assert.Equal(t, uint8(0), *bundle.Accounts[0].TokenAmountDecimals)
}

func TestAccountClassifier_SignatureFromSignatureByPubkey(t *testing.T) {
	acct := &solanatypes.Account{
		Pubkey: "p1",
		Data:   solanatypes.AccountData{Kind: solanatypes.AccountDataEncoded, Raw: "AA==", Encoding: "base64"},
	}
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{
		Slot:              1,
		Block:             blk,
		AccountsByPubkey:  map[string]*solanatypes.Account{"p1": acct},
		SignatureByPubkey: map[string]string{"p1": "sig1"},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Accounts, 1)
	assert.Equal(t, "sig1", bundle.Accounts[0].Signature)
}

func TestAccountClassifier_EncodedVariant(t *testing.T) {
	acct := &solanatypes.Account{
		Pubkey: "p1",
		Data:   solanatypes.AccountData{Kind: solanatypes.AccountDataEncoded, Raw: "AA==", Encoding: "base64"},
	}
	blk := basicBlock(nil)
	bundle, err := Block(BlockBundle{
		Slot:             1,
		Block:            blk,
		AccountsByPubkey: map[string]*solanatypes.Account{"p1": acct},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Accounts, 1)
	assert.Equal(t, records.AccountVariantEncoded, bundle.Accounts[0].Variant)
	require.NotNil(t, bundle.Accounts[0].Data)
	assert.Equal(t, "AA==", bundle.Accounts[0].Data.Raw)
}

func TestTokenRecord_CarriesResolvedMetadata(t *testing.T) {
	blk := basicBlock(nil)
	tok := NewTokenResult("mint1", "authority1", "My Token", "TKN", "https://x", 500,
		[]records.CreatorRecord{{Address: "c1", Verified: true, Share: 100}}, true, false, true)
	bundle, err := Block(BlockBundle{
		Slot:  1,
		Block: blk,
		Tokens: map[string]*TokenMetadata{"mint1": tok},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Tokens, 1)
	assert.Equal(t, "My Token", bundle.Tokens[0].Name)
	assert.True(t, bundle.Tokens[0].IsNFT)
}
