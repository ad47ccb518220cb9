// Package chunkstore converts arbitrary byte streams into reference-counted,
// content-addressed chunks, with deduplication across every snapshot of
// every source. The content-defined chunker is hand-rolled: the exact Rabin
// rolling-hash polynomial/modulus/mask scheme here has no equivalent
// third-party Go library in the example corpus, and its parameters are
// load-bearing (they must match the source's chunking exactly to reproduce
// the same chunk boundaries) — see DESIGN.md.
package chunkstore

const (
	// TargetChunkSize is the preferred chunk boundary distance.
	TargetChunkSize = 64 * 1024
	// MinChunkSize is the minimum distance before a boundary may be declared.
	MinChunkSize = 16 * 1024
	// MaxChunkSize is the distance at which a boundary is forced.
	MaxChunkSize = 256 * 1024

	// windowSize is the width of the rolling hash window, in bytes.
	windowSize = 48
	// rabinPrime is the polynomial base for the rolling fingerprint.
	rabinPrime = 3
	// rabinModulus is 2^16 - 1.
	rabinModulus = (1 << 16) - 1
	// boundaryMask tests the low 13 bits of the fingerprint.
	boundaryMask = 0x1FFF
)

// rabinPow is rabinPrime^windowSize mod rabinModulus, used to remove the
// outgoing byte's contribution from the rolling fingerprint: by the time a
// byte has been in the window for windowSize additions, its contribution to
// fp has been multiplied by rabinPrime windowSize times.
var rabinPow = func() uint64 {
	p := uint64(1)
	for i := 0; i < windowSize; i++ {
		p = (p * rabinPrime) % rabinModulus
	}
	return p
}()

// Chunk boundaries: advance a window byte-by-byte across data, declaring a
// boundary at the first offset after MinChunkSize where the low
// boundaryMask bits of the rolling fingerprint are zero, or at MaxChunkSize
// if none is found. ChunkBoundaries returns the offsets (exclusive end of
// each chunk), always ending at len(data).
func ChunkBoundaries(data []byte) []int {
	if len(data) == 0 {
		return nil
	}

	var bounds []int
	start := 0

	for start < len(data) {
		remaining := len(data) - start
		if remaining <= MinChunkSize {
			// Not enough data left to reach the minimum chunk size:
			// the remainder becomes the (possibly short) final chunk.
			bounds = append(bounds, len(data))
			break
		}

		end := findBoundary(data, start)
		bounds = append(bounds, end)
		start = end
	}

	return bounds
}

// findBoundary scans data[start:] for the next chunk boundary using the
// Rabin rolling hash, returning an absolute offset into data.
func findBoundary(data []byte, start int) int {
	limit := start + MaxChunkSize
	if limit > len(data) {
		limit = len(data)
	}
	minOffset := start + MinChunkSize
	if minOffset > limit {
		minOffset = limit
	}

	var fp uint64
	winStart := start

	for i := start; i < limit; i++ {
		fp = (fp*rabinPrime + uint64(data[i])) % rabinModulus

		windowLen := i - winStart + 1
		if windowLen > windowSize {
			outgoing := data[winStart]
			fp = (fp - uint64(outgoing)*rabinPow%rabinModulus + rabinModulus*rabinModulus) % rabinModulus
			winStart++
		}

		offset := i + 1
		if offset >= minOffset && (fp&boundaryMask) == 0 {
			return offset
		}
	}

	return limit
}

// FixedChunkBoundaries is the fallback chunker: equal spans of
// TargetChunkSize.
func FixedChunkBoundaries(data []byte) []int {
	if len(data) == 0 {
		return nil
	}
	var bounds []int
	for offset := TargetChunkSize; offset < len(data); offset += TargetChunkSize {
		bounds = append(bounds, offset)
	}
	bounds = append(bounds, len(data))
	return bounds
}
