package solanatypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstruction_UnmarshalJSONLiftsParsedType(t *testing.T) {
	body := []byte(`{"program":"system","parsed":{"type":"createAccount","info":{"newAccount":"abc"}}}`)
	var ix Instruction
	require.NoError(t, json.Unmarshal(body, &ix))
	assert.Equal(t, "createAccount", ix.Type)
	assert.Equal(t, "system", ix.Program)
}

func TestInstruction_UnmarshalJSONPartiallyDecodedHasNoType(t *testing.T) {
	body := []byte(`{"programId":"Vote111111111111111111111111111111111111","accounts":["a","b"],"data":"base58"}`)
	var ix Instruction
	require.NoError(t, json.Unmarshal(body, &ix))
	assert.Empty(t, ix.Type)
	assert.Equal(t, []string{"a", "b"}, ix.Accounts)
}

func TestInstruction_ParsedInfoDecodesInfoMap(t *testing.T) {
	body := []byte(`{"program":"system","parsed":{"type":"createAccount","info":{"newAccount":"abc","lamports":100}}}`)
	var ix Instruction
	require.NoError(t, json.Unmarshal(body, &ix))

	var info CreateAccountInfo
	ok, err := ix.ParsedInfo(&info)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", info.NewAccount)
	assert.Equal(t, uint64(100), info.Lamports)
}

func TestInstruction_ParsedInfoFalseWhenPartiallyDecoded(t *testing.T) {
	var ix Instruction
	ix.Accounts = []string{"a"}
	var info CreateAccountInfo
	ok, err := ix.ParsedInfo(&info)
	require.NoError(t, err)
	assert.False(t, ok)
}
