package protocol

import (
	"bytes"
	"testing"
)

const testMaxBytes = 8 // small limit for easy testing

func TestChunkBytesFitsInOne(t *testing.T) {
	chunks := ChunkBytes([]byte("hello"), testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0]) != "hello" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "hello")
	}
}

func TestChunkBytesEmpty(t *testing.T) {
	if chunks := ChunkBytes(nil, testMaxBytes); len(chunks) != 0 {
		t.Errorf("got %d chunks for empty payload, want 0", len(chunks))
	}
}

func TestChunkBytesSplitsAndReassembles(t *testing.T) {
	payload := []byte("the quick brown fox jumps")
	chunks := ChunkBytes(payload, testMaxBytes)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, payload) {
		t.Errorf("reassembled = %q, want %q", got, payload)
	}
}

func TestChunkBytesExactMultiple(t *testing.T) {
	chunks := ChunkBytes(make([]byte, 2*testMaxBytes), testMaxBytes)
	if len(chunks) != 2 {
		t.Errorf("got %d chunks, want 2", len(chunks))
	}
}

func TestChunkBytesDefaultSize(t *testing.T) {
	chunks := ChunkBytes(make([]byte, 45), 0)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != DefaultChunkSize {
		t.Errorf("chunk[0] len = %d, want %d", len(chunks[0]), DefaultChunkSize)
	}
}

func TestChunkBytesDoesNotAliasAcrossAppends(t *testing.T) {
	payload := []byte("abcdefghijkl")
	chunks := ChunkBytes(payload, 4)
	_ = append(chunks[0], 'X')
	if payload[4] != 'e' {
		t.Errorf("append to chunk[0] overwrote payload[4] = %q", payload[4])
	}
}
