package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_BeginThenAdvanceRemovesOnlyPrevious(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)

	require.NoError(t, r.Begin(100))
	assert.FileExists(t, filepath.Join(dir, "100"))

	require.NoError(t, r.Advance(100))
	// Nothing to remove yet: 100 was the first slot, so it stays.
	assert.FileExists(t, filepath.Join(dir, "100"))

	require.NoError(t, r.Begin(101))
	assert.FileExists(t, filepath.Join(dir, "101"))
	assert.FileExists(t, filepath.Join(dir, "100"))

	require.NoError(t, r.Advance(101))
	assert.NoFileExists(t, filepath.Join(dir, "100"))
	assert.FileExists(t, filepath.Join(dir, "101"))
}

func TestAdjustForward_AdvancesStartPastSentinels(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, r.Begin(105))
	require.NoError(t, r.Begin(110))

	plan, err := AdjustForward(dir, 100, 200, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), plan.Start)
	assert.False(t, plan.Complete)
}

func TestAdjustForward_DetectsFullyIndexedRange(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, r.Begin(250))

	plan, err := AdjustForward(dir, 100, 200, true)
	require.NoError(t, err)
	assert.True(t, plan.Complete)
}

func TestAdjustReverse_RetractsEnd(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, r.Begin(150))

	plan, err := AdjustReverse(dir, 100, 200, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(149), plan.End)
}

func TestReadSentinels_IgnoresNonNumericEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-slot"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "42"), nil, 0o644))

	plan, err := AdjustForward(dir, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), plan.Start)
}
