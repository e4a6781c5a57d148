package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Frame versions. Version 1 frames carry no preamble at all.
const (
	VersionBare     = 1
	VersionHeaders  = 2
	VersionChunking = 3

	MaxVersion = VersionChunking
)

// Frame header names. Headers are case-sensitive lowercase; unknown names
// are ignored on decode.
const (
	HeaderContentType = "content-type"
	HeaderChunkCount  = "chunk-count"
	HeaderChunkID     = "chunk-id"
)

const (
	preamblePrefix    = "pysoa-redis/"
	preambleSeparator = "//"
)

// Frame is one queue message: a versioned preamble plus a payload that is
// either a whole serialized envelope or one chunk of one.
type Frame struct {
	Version     int
	ContentType string
	// ChunkCount and ChunkID are zero for unchunked frames. A chunked
	// frame has ChunkCount >= 1 and ChunkID in [1, ChunkCount].
	ChunkCount int
	ChunkID    int
	Payload    []byte
}

// Chunked reports whether the frame is one chunk of a larger envelope.
func (f *Frame) Chunked() bool { return f.ChunkCount > 1 }

// EncodeFrame renders the frame's wire bytes for its version.
func (f *Frame) EncodeFrame() ([]byte, error) {
	switch {
	case f.Version < VersionBare || f.Version > MaxVersion:
		return nil, &InvalidMessage{Reason: fmt.Sprintf("cannot encode protocol version %d", f.Version)}
	case f.Version == VersionBare:
		if f.Chunked() {
			return nil, &InvalidMessage{Reason: "version 1 frames cannot be chunked"}
		}
		return f.Payload, nil
	case f.Version == VersionHeaders && f.Chunked():
		return nil, &InvalidMessage{Reason: "version 2 frames cannot be chunked"}
	}

	var buf bytes.Buffer
	buf.WriteString(preamblePrefix)
	buf.WriteString(strconv.Itoa(f.Version))
	buf.WriteString(preambleSeparator)
	buf.WriteString(HeaderContentType)
	buf.WriteByte(':')
	buf.WriteString(f.ContentType)
	buf.WriteByte(';')
	if f.Chunked() {
		if f.ChunkID < 1 || f.ChunkID > f.ChunkCount {
			return nil, &InvalidMessage{
				Reason: fmt.Sprintf("chunk-id %d out of range [1, %d]", f.ChunkID, f.ChunkCount),
			}
		}
		fmt.Fprintf(&buf, "%s:%d;%s:%d;", HeaderChunkCount, f.ChunkCount, HeaderChunkID, f.ChunkID)
	}
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// DecodeFrame parses wire bytes into a frame. Bytes without a preamble are
// a version 1 frame whose content type is defaultContentType.
func DecodeFrame(data []byte, defaultContentType string) (*Frame, error) {
	if !bytes.HasPrefix(data, []byte(preamblePrefix)) {
		return &Frame{Version: VersionBare, ContentType: defaultContentType, Payload: data}, nil
	}

	rest := data[len(preamblePrefix):]
	sep := bytes.Index(rest, []byte(preambleSeparator))
	if sep < 1 {
		return nil, &InvalidMessage{Reason: "preamble has no version separator"}
	}
	version, err := strconv.Atoi(string(rest[:sep]))
	if err != nil {
		return nil, &InvalidMessage{Reason: "preamble version is not an integer", Cause: err}
	}
	if version < VersionHeaders {
		return nil, &InvalidMessage{Reason: fmt.Sprintf("preamble version %d cannot carry headers", version)}
	}
	rest = rest[sep+len(preambleSeparator):]

	f := &Frame{Version: version, ContentType: defaultContentType}
	for {
		name, value, remaining, ok := nextHeader(rest)
		if !ok {
			break
		}
		rest = remaining
		switch name {
		case HeaderContentType:
			f.ContentType = value
		case HeaderChunkCount:
			if version < VersionChunking {
				return nil, &InvalidMessage{Reason: fmt.Sprintf("chunk-count header on version %d frame", version)}
			}
			if f.ChunkCount, err = strconv.Atoi(value); err != nil || f.ChunkCount < 1 {
				return nil, &InvalidMessage{Reason: "chunk-count header is not a positive integer", Cause: err}
			}
		case HeaderChunkID:
			if version < VersionChunking {
				return nil, &InvalidMessage{Reason: fmt.Sprintf("chunk-id header on version %d frame", version)}
			}
			if f.ChunkID, err = strconv.Atoi(value); err != nil || f.ChunkID < 1 {
				return nil, &InvalidMessage{Reason: "chunk-id header is not a positive integer", Cause: err}
			}
		}
		// Unknown names fall through untouched for forward compatibility.
	}
	if f.Chunked() && (f.ChunkID < 1 || f.ChunkID > f.ChunkCount) {
		return nil, &InvalidMessage{
			Reason: fmt.Sprintf("chunk-id %d out of range [1, %d]", f.ChunkID, f.ChunkCount),
		}
	}
	f.Payload = rest
	return f, nil
}

// nextHeader tries to consume one "name:value;" pair from the head of the
// buffer. The serialized payload that follows the headers can never start
// with a lowercase letter (msgpack type tags are >= 0x80, JSON opens with
// '{'), so the first byte outside [a-z-] ends the header run.
func nextHeader(data []byte) (name, value string, rest []byte, ok bool) {
	i := 0
	for i < len(data) && (data[i] == '-' || (data[i] >= 'a' && data[i] <= 'z')) {
		i++
	}
	if i == 0 || i >= len(data) || data[i] != ':' {
		return "", "", data, false
	}
	end := bytes.IndexByte(data[i+1:], ';')
	if end < 0 {
		return "", "", data, false
	}
	return string(data[:i]), string(data[i+1 : i+1+end]), data[i+2+end:], true
}
