package protocol

// DefaultChunkSize is the usable payload of one ATT write at the default
// 23-byte MTU (23 - 3 bytes of ATT header).
const DefaultChunkSize = 20

// ChunkBytes splits payload into pieces of at most maxBytes. The pieces
// share payload's backing array. Returns nil for an empty payload.
func ChunkBytes(payload []byte, maxBytes int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkSize
	}
	if len(payload) <= maxBytes {
		return [][]byte{payload}
	}

	chunks := make([][]byte, 0, (len(payload)+maxBytes-1)/maxBytes)
	for len(payload) > 0 {
		n := min(maxBytes, len(payload))
		chunks = append(chunks, payload[:n:n])
		payload = payload[n:]
	}
	return chunks
}
