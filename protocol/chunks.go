package protocol

import (
	"bytes"
	"fmt"
)

// SplitChunks divides a serialized envelope into frames of at most
// chunkSize payload bytes each, numbered 1..count. A payload that fits
// in one chunk yields a single count-of-1 frame, which encodes without
// chunk headers; callers only split once the payload exceeds the
// threshold, so real chunked messages always carry two or more frames.
func SplitChunks(payload []byte, chunkSize int, version int, contentType string) ([]*Frame, error) {
	if version < VersionChunking {
		return nil, &InvalidMessage{Reason: fmt.Sprintf("protocol version %d does not support chunking", version)}
	}
	if chunkSize < 1 {
		return nil, &InvalidMessage{Reason: "chunk size must be positive"}
	}
	count := (len(payload) + chunkSize - 1) / chunkSize
	if count < 1 {
		count = 1
	}
	frames := make([]*Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, &Frame{
			Version:     version,
			ContentType: contentType,
			ChunkCount:  count,
			ChunkID:     i + 1,
			Payload:     payload[start:end],
		})
	}
	return frames, nil
}

// ChunkAssembler reassembles a chunked envelope from frames arriving in
// order. Any gap, reorder, or chunk-count disagreement fails the whole
// message; the caller discards the response rather than guessing.
type ChunkAssembler struct {
	count       int
	next        int
	contentType string
	buf         bytes.Buffer
}

// Add consumes one frame. It returns true once the final chunk has been
// absorbed.
func (a *ChunkAssembler) Add(f *Frame) (complete bool, err error) {
	if !f.Chunked() {
		return false, &InvalidMessage{Reason: "frame is not chunked"}
	}
	if a.count == 0 {
		if f.ChunkID != 1 {
			return false, &InvalidMessage{Reason: fmt.Sprintf("first chunk has chunk-id %d, want 1", f.ChunkID)}
		}
		a.count = f.ChunkCount
		a.next = 1
		a.contentType = f.ContentType
	}
	switch {
	case f.ChunkCount != a.count:
		return false, &InvalidMessage{
			Reason: fmt.Sprintf("chunk-count changed from %d to %d mid-message", a.count, f.ChunkCount),
		}
	case f.ChunkID != a.next:
		return false, &InvalidMessage{
			Reason: fmt.Sprintf("chunk-id %d arrived out of order, want %d", f.ChunkID, a.next),
		}
	}
	a.buf.Write(f.Payload)
	a.next++
	return a.next > a.count, nil
}

// ContentType returns the content type of the first absorbed chunk.
func (a *ChunkAssembler) ContentType() string { return a.contentType }

// Bytes returns the reassembled envelope bytes. Valid only once Add has
// reported completion.
func (a *ChunkAssembler) Bytes() []byte { return a.buf.Bytes() }
