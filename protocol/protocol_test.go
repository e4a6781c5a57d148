package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gosoa/serializer"
)

func TestEnvelopeRoundTripMsgpack(t *testing.T) {
	s := serializer.NewMsgpackSerializer()
	env := &Envelope{
		RequestID: 42,
		Meta:      map[string]any{MetaReplyTo: "service:math.abc!", MetaExpiry: int64(1700000000)},
		Body:      map[string]any{"actions": []any{map[string]any{"action": "square"}}},
	}

	raw, err := EncodeEnvelope(env, s)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw, s)
	require.NoError(t, err)
	require.Equal(t, int64(42), decoded.RequestID)
	require.Equal(t, "service:math.abc!", decoded.Meta[MetaReplyTo])
	require.NotNil(t, decoded.Body["actions"])
}

func TestEnvelopeNilMapsEncodeAsEmpty(t *testing.T) {
	s := serializer.NewJSONSerializer()
	raw, err := EncodeEnvelope(&Envelope{RequestID: 1}, s)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw, s)
	require.NoError(t, err)
	require.NotNil(t, decoded.Meta)
	require.NotNil(t, decoded.Body)
	require.Empty(t, decoded.Meta)
	require.Empty(t, decoded.Body)
}

func TestDecodeEnvelopeRequiresRequestID(t *testing.T) {
	s := serializer.NewJSONSerializer()
	raw, err := s.Encode(map[string]any{"meta": map[string]any{}, "body": map[string]any{}})
	require.NoError(t, err)

	_, err = DecodeEnvelope(raw, s)
	var invalid *InvalidMessage
	require.ErrorAs(t, err, &invalid)
}

func TestFrameVersion1IsBarePayload(t *testing.T) {
	payload := []byte{0x82, 0x01, 0x02}
	f := &Frame{Version: VersionBare, ContentType: serializer.ContentTypeMsgpack, Payload: payload}

	raw, err := f.EncodeFrame()
	require.NoError(t, err)
	require.Equal(t, payload, raw)

	decoded, err := DecodeFrame(raw, serializer.ContentTypeMsgpack)
	require.NoError(t, err)
	require.Equal(t, VersionBare, decoded.Version)
	require.Equal(t, serializer.ContentTypeMsgpack, decoded.ContentType)
	require.Equal(t, payload, decoded.Payload)
}

func TestFrameVersion2CarriesContentType(t *testing.T) {
	payload := []byte(`{"request_id":1}`)
	f := &Frame{Version: VersionHeaders, ContentType: serializer.ContentTypeJSON, Payload: payload}

	raw, err := f.EncodeFrame()
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte("pysoa-redis/2//content-type:application/json;")))

	// The receiver's default differs; the header must win.
	decoded, err := DecodeFrame(raw, serializer.ContentTypeMsgpack)
	require.NoError(t, err)
	require.Equal(t, VersionHeaders, decoded.Version)
	require.Equal(t, serializer.ContentTypeJSON, decoded.ContentType)
	require.Equal(t, payload, decoded.Payload)
	require.False(t, decoded.Chunked())
}

func TestFrameVersion3ChunkHeadersRoundTrip(t *testing.T) {
	f := &Frame{
		Version:     VersionChunking,
		ContentType: serializer.ContentTypeMsgpack,
		ChunkCount:  3,
		ChunkID:     2,
		Payload:     []byte{0xAA, 0xBB},
	}
	raw, err := f.EncodeFrame()
	require.NoError(t, err)

	decoded, err := DecodeFrame(raw, serializer.ContentTypeMsgpack)
	require.NoError(t, err)
	require.True(t, decoded.Chunked())
	require.Equal(t, 3, decoded.ChunkCount)
	require.Equal(t, 2, decoded.ChunkID)
	require.Equal(t, []byte{0xAA, 0xBB}, decoded.Payload)
}

func TestFrameVersionBoundsRejected(t *testing.T) {
	_, err := (&Frame{Version: 0}).EncodeFrame()
	require.Error(t, err)
	_, err = (&Frame{Version: MaxVersion + 1}).EncodeFrame()
	require.Error(t, err)

	// Chunking is a version 3 capability.
	_, err = (&Frame{Version: VersionBare, ChunkCount: 2, ChunkID: 1}).EncodeFrame()
	require.Error(t, err)
	_, err = (&Frame{Version: VersionHeaders, ChunkCount: 2, ChunkID: 1}).EncodeFrame()
	require.Error(t, err)
}

func TestDecodeFrameRejectsMalformedPreamble(t *testing.T) {
	for _, raw := range []string{
		"pysoa-redis/x//content-type:application/json;{}",
		"pysoa-redis/1//content-type:application/json;{}",
	} {
		_, err := DecodeFrame([]byte(raw), serializer.ContentTypeMsgpack)
		var invalid *InvalidMessage
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidMessage for %q, got %v", raw, err)
		}
	}
}

func TestDecodeFrameIgnoresUnknownHeaders(t *testing.T) {
	raw := []byte("pysoa-redis/3//content-type:application/msgpack;x-future:1;{}")
	decoded, err := DecodeFrame(raw, serializer.ContentTypeJSON)
	require.NoError(t, err)
	require.Equal(t, serializer.ContentTypeMsgpack, decoded.ContentType)
	require.Equal(t, []byte("{}"), decoded.Payload)
}

func TestSplitChunksCoversWholePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 2500)
	frames, err := SplitChunks(payload, 1000, VersionChunking, serializer.ContentTypeMsgpack)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var assembler ChunkAssembler
	for i, f := range frames {
		require.Equal(t, 3, f.ChunkCount)
		require.Equal(t, i+1, f.ChunkID)
		complete, err := assembler.Add(f)
		require.NoError(t, err)
		require.Equal(t, i == len(frames)-1, complete)
	}
	require.Equal(t, payload, assembler.Bytes())
	require.Equal(t, serializer.ContentTypeMsgpack, assembler.ContentType())
}

func TestSplitChunksSurvivesFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("payload-"), 400)
	frames, err := SplitChunks(payload, 512, VersionChunking, serializer.ContentTypeMsgpack)
	require.NoError(t, err)

	var assembler ChunkAssembler
	complete := false
	for _, f := range frames {
		raw, err := f.EncodeFrame()
		require.NoError(t, err)
		decoded, err := DecodeFrame(raw, serializer.ContentTypeMsgpack)
		require.NoError(t, err)
		complete, err = assembler.Add(decoded)
		require.NoError(t, err)
	}
	require.True(t, complete)
	require.Equal(t, payload, assembler.Bytes())
}

func TestChunkAssemblerRejectsGapsAndReorders(t *testing.T) {
	frames, err := SplitChunks(bytes.Repeat([]byte{1}, 30), 10, VersionChunking, serializer.ContentTypeMsgpack)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	t.Run("first chunk must be id 1", func(t *testing.T) {
		var a ChunkAssembler
		_, err := a.Add(frames[1])
		require.Error(t, err)
	})

	t.Run("gap fails the message", func(t *testing.T) {
		var a ChunkAssembler
		_, err := a.Add(frames[0])
		require.NoError(t, err)
		_, err = a.Add(frames[2])
		require.Error(t, err)
	})

	t.Run("chunk count must not change", func(t *testing.T) {
		var a ChunkAssembler
		_, err := a.Add(frames[0])
		require.NoError(t, err)
		bad := *frames[1]
		bad.ChunkCount = 4
		_, err = a.Add(&bad)
		require.Error(t, err)
	})
}

func TestSinglePayloadStillChunksAtVersion3(t *testing.T) {
	frames, err := SplitChunks([]byte("tiny"), 1024, VersionChunking, serializer.ContentTypeJSON)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, 1, frames[0].ChunkCount)
	require.Equal(t, 1, frames[0].ChunkID)
}
