package sink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDir_PublishWritesOneFilePerMessage(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileDir(dir)
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), "100", []byte(`{"slot":100}`)))
	assert.FileExists(t, filepath.Join(dir, "100.json"))

	data, err := os.ReadFile(filepath.Join(dir, "100.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"slot":100}`, string(data))
}

func TestFileDir_PublishBatchWritesOneJSONLFilePerBatch(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileDir(dir)
	require.NoError(t, err)

	ids := []string{"1", "2", "3"}
	bodies := [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`), []byte(`{"a":3}`)}
	require.NoError(t, s.PublishBatch(context.Background(), ids, bodies))

	f, err := os.Open(filepath.Join(dir, "1-batch.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Len(t, lines, 3)
}

func TestFileDir_PublishBatchPartitionsAt900(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileDir(dir)
	require.NoError(t, err)

	n := 1801
	ids := make([]string, n)
	bodies := make([][]byte, n)
	for i := range ids {
		ids[i] = "id"
		bodies[i] = []byte(`{}`)
	}
	idChunks, bodyChunks := partitionBatch(ids, bodies)
	require.Len(t, idChunks, 3)
	assert.Len(t, idChunks[0], 900)
	assert.Len(t, idChunks[1], 900)
	assert.Len(t, idChunks[2], 1)
	assert.Len(t, bodyChunks[2], 1)
}

func TestFileDir_AttachReturnsSelf(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileDir(dir)
	require.NoError(t, err)
	attached, err := s.Attach(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, attached)
}
