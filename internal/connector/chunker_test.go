package connector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextShortDocumentIsOneChunk(t *testing.T) {
	chunks := ChunkText("a short document")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short document", chunks[0].Text)
}

func TestChunkTextEmptyDocumentProducesNoChunks(t *testing.T) {
	assert.Empty(t, ChunkText(""))
}

func TestChunkTextLongDocumentOverlaps(t *testing.T) {
	sentence := "This is a sentence that repeats. "
	var sb strings.Builder
	for i := 0; i < 80; i++ {
		sb.WriteString(sentence)
	}
	text := sb.String()

	chunks := ChunkText(text)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].Start, chunks[i-1].End, "chunk %d should overlap or abut the previous one", i)
		assert.Greater(t, chunks[i].Start, chunks[i-1].Start, "chunk %d must make forward progress", i)
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
}

func TestChunkTextIsDeterministic(t *testing.T) {
	text := strings.Repeat("deterministic chunking text. ", 100)
	first := ChunkText(text)
	second := ChunkText(text)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
}

func TestFingerprintDetectsAnyByteChange(t *testing.T) {
	a := Fingerprint("hello world")
	b := Fingerprint("hello world!")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint("hello world"))
}
