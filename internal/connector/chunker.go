package connector

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChunkTargetLen and ChunkOverlap are the spec's fixed chunker parameters:
// ~1000 characters per chunk with a 200-character overlap between
// consecutive chunks, preferring to break on sentence boundaries.
const (
	ChunkTargetLen = 1000
	ChunkOverlap   = 200
)

// Chunk is one deterministic slice of a document body, with its byte
// offsets preserved so callers can dedupe/re-chunk on partial updates.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// ChunkText splits text into overlapping, sentence-boundary-preferring windows
// of ChunkTargetLen characters. It is purely a function of its input: the
// same text always produces the same chunks, which is what lets ingestion
// treat re-chunking as idempotent.
func ChunkText(text string) []Chunk {
	if len(text) <= ChunkTargetLen {
		if text == "" {
			return nil
		}
		return []Chunk{{Text: text, Start: 0, End: len(text)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + ChunkTargetLen
		if end >= len(text) {
			end = len(text)
		} else {
			end = preferSentenceBoundary(text, start, end)
		}

		chunks = append(chunks, Chunk{Text: text[start:end], Start: start, End: end})

		if end >= len(text) {
			break
		}
		next := end - ChunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// preferSentenceBoundary looks backward from target within a small window
// for a sentence terminator followed by whitespace, falling back to the
// target cut point when none is found nearby.
func preferSentenceBoundary(text string, start, target int) int {
	const lookback = 120
	floor := target - lookback
	if floor < start {
		floor = start
	}
	for i := target; i > floor; i-- {
		if i >= len(text) {
			continue
		}
		if isSentenceEnd(text[i-1]) && (i == len(text) || text[i] == ' ' || text[i] == '\n') {
			return i
		}
	}
	return target
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

// Fingerprint returns a stable content hash for a document body, matching
// the teacher's document_store.go/update.go convention of sha256-hashing
// content to decide whether ingestion can skip re-chunking/re-embedding
// entirely.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
