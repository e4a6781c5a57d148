package redisgateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gosoa/protocol"
	"github.com/fairyhunter13/gosoa/serializer"
	"github.com/fairyhunter13/gosoa/transport"
)

func newTestSettings(addr string) *Settings {
	return &Settings{
		BackendType:      BackendStandard,
		Addresses:        []string{addr},
		QueueCapacity:    100,
		QueueFullRetries: 0,
		MessageExpiry:    time.Minute,
		ReceiveTimeout:   time.Second,
		ChunkGapWait:     time.Second,
		ProtocolVersion:  protocol.VersionChunking,
		ContentType:      serializer.ContentTypeMsgpack,
	}
}

func newTestPair(t *testing.T, clientSettings, serverSettings *Settings) (*ClientTransport, *ServerTransport) {
	t.Helper()
	ct, err := NewClientTransport("math", clientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ct.Close() })

	st, err := NewServerTransport("math", serverSettings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return ct, st
}

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestRequestResponseRoundTrip(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	ct, st := newTestPair(t, s, s)
	ctx := context.Background()

	body := map[string]any{"actions": []any{map[string]any{"action": "square", "body": map[string]any{"number": int64(4)}}}}
	require.NoError(t, ct.SendRequestMessage(ctx, 7, map[string]any{}, body, time.Minute))

	requestID, meta, reqBody, err := st.ReceiveRequestMessage(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(7), requestID)
	require.NotEmpty(t, meta[protocol.MetaReplyTo])
	require.NotNil(t, reqBody["actions"])

	respBody := map[string]any{"errors": []any{}, "actions": []any{map[string]any{"action": "square", "body": map[string]any{"square": int64(16)}}}}
	require.NoError(t, st.SendResponseMessage(ctx, requestID, meta, respBody))

	gotID, _, gotBody, err := ct.ReceiveResponseMessage(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(7), gotID)
	require.NotNil(t, gotBody["actions"])
}

func TestReceiveResponseWithoutOutstandingRequests(t *testing.T) {
	mr := startMiniredis(t)
	ct, err := NewClientTransport("math", newTestSettings(mr.Addr()))
	require.NoError(t, err)
	defer ct.Close()

	_, _, _, err = ct.ReceiveResponseMessage(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrNothingOutstanding)
}

func TestReceiveTimesOutEmpty(t *testing.T) {
	mr := startMiniredis(t)
	_, st := newTestPair(t, newTestSettings(mr.Addr()), newTestSettings(mr.Addr()))

	start := time.Now()
	_, _, _, err := st.ReceiveRequestMessage(context.Background(), 150*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrNoMessage)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestQueueFullRefusal(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	s.QueueCapacity = 1
	s.QueueFullRetries = 0
	ct, err := NewClientTransport("math", s)
	require.NoError(t, err)
	defer ct.Close()
	ctx := context.Background()

	require.NoError(t, ct.SendRequestMessage(ctx, 1, nil, map[string]any{}, time.Minute))
	err = ct.SendRequestMessage(ctx, 2, nil, map[string]any{}, time.Minute)

	var failure *transport.SendFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, transport.ReasonQueueFull, failure.Reason)
}

func TestQueueFullRetriesThenSucceeds(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	s.QueueCapacity = 1
	s.QueueFullRetries = 8
	ct, err := NewClientTransport("math", s)
	require.NoError(t, err)
	defer ct.Close()
	ctx := context.Background()

	require.NoError(t, ct.SendRequestMessage(ctx, 1, nil, map[string]any{}, time.Minute))

	// Drain the queue while the second send is retrying.
	go func() {
		time.Sleep(400 * time.Millisecond)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()
		rdb.LPop(context.Background(), IngressKey("math"))
	}()

	require.NoError(t, ct.SendRequestMessage(ctx, 2, nil, map[string]any{}, time.Minute))
}

func TestOversizedRequestRejected(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	s.MaximumMessageSize = 512
	ct, err := NewClientTransport("math", s)
	require.NoError(t, err)
	defer ct.Close()

	big := map[string]any{"blob": strings.Repeat("x", 2048)}
	err = ct.SendRequestMessage(context.Background(), 1, nil, big, time.Minute)

	var tooLarge *transport.TooLarge
	require.ErrorAs(t, err, &tooLarge)
	require.Greater(t, tooLarge.Size, tooLarge.Limit)
}

func TestExpiredRequestDiscarded(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	_, st := newTestPair(t, s, s)

	// Plant a request whose expiry is already past.
	env := &protocol.Envelope{
		RequestID: 9,
		Meta:      map[string]any{protocol.MetaExpiry: time.Now().Add(-time.Minute).Unix()},
		Body:      map[string]any{},
	}
	payload, err := protocol.EncodeEnvelope(env, serializer.Default())
	require.NoError(t, err)
	frame := &protocol.Frame{Version: protocol.VersionChunking, ContentType: serializer.ContentTypeMsgpack, Payload: payload}
	wire, err := frame.EncodeFrame()
	require.NoError(t, err)
	mr.Lpush(IngressKey("math"), string(wire))

	_, _, _, err = st.ReceiveRequestMessage(context.Background(), 200*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrNoMessage)
}

func TestSuppressedRequestCarriesNoReplyTo(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	ct, st := newTestPair(t, s, s)
	ctx := context.Background()

	meta := map[string]any{transport.MetaSuppressResponse: true}
	require.NoError(t, ct.SendRequestMessage(ctx, 3, meta, map[string]any{}, time.Minute))

	_, gotMeta, _, err := st.ReceiveRequestMessage(ctx, time.Second)
	require.NoError(t, err)
	_, hasReplyTo := gotMeta[protocol.MetaReplyTo]
	require.False(t, hasReplyTo)
	_, hasFlag := gotMeta[transport.MetaSuppressResponse]
	require.False(t, hasFlag, "the suppress flag must not travel on the wire")

	// No response slot was allocated on the client side.
	_, _, _, err = ct.ReceiveResponseMessage(ctx, 100*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrNothingOutstanding)
}

func TestChunkedResponseReassembled(t *testing.T) {
	mr := startMiniredis(t)
	clientSettings := newTestSettings(mr.Addr())
	serverSettings := newTestSettings(mr.Addr())
	serverSettings.ChunkMessagesLargerThan = 102400
	ct, st := newTestPair(t, clientSettings, serverSettings)
	ctx := context.Background()

	require.NoError(t, ct.SendRequestMessage(ctx, 11, nil, map[string]any{}, time.Minute))
	requestID, meta, _, err := st.ReceiveRequestMessage(ctx, time.Second)
	require.NoError(t, err)

	blob := strings.Repeat("0123456789abcdef", 16*1024) // 256 KiB, forces several chunks
	require.NoError(t, st.SendResponseMessage(ctx, requestID, meta, map[string]any{"blob": blob}))

	// More than one frame must be on the reply list before the client reads.
	replyTo := meta[protocol.MetaReplyTo].(string)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	frames, err := rdb.LLen(ctx, replyTo).Result()
	require.NoError(t, err)
	require.Greater(t, frames, int64(1))

	gotID, _, gotBody, err := ct.ReceiveResponseMessage(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(11), gotID)
	require.Equal(t, blob, gotBody["blob"])
}

func TestResponseFramedAtRequesterVersion(t *testing.T) {
	mr := startMiniredis(t)
	s := newTestSettings(mr.Addr())
	_, st := newTestPair(t, s, s)
	ctx := context.Background()

	// A bare (version 1) requester: raw envelope bytes, no preamble.
	replyTo := ReplyKey("math", "barev1client")
	env := &protocol.Envelope{
		RequestID: 21,
		Meta: map[string]any{
			protocol.MetaReplyTo: replyTo,
			protocol.MetaExpiry:  time.Now().Add(time.Minute).Unix(),
		},
		Body: map[string]any{},
	}
	payload, err := protocol.EncodeEnvelope(env, serializer.Default())
	require.NoError(t, err)
	mr.Lpush(IngressKey("math"), string(payload))

	requestID, meta, _, err := st.ReceiveRequestMessage(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(21), requestID)

	require.NoError(t, st.SendResponseMessage(ctx, requestID, meta, map[string]any{"ok": true}))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	raw, err := rdb.LPop(ctx, replyTo).Result()
	require.NoError(t, err)
	require.False(t, strings.HasPrefix(raw, "pysoa-redis/"),
		"a version 1 requester must get an unframed response")
}

func TestSendResponseWithoutReplyToFails(t *testing.T) {
	mr := startMiniredis(t)
	_, st := newTestPair(t, newTestSettings(mr.Addr()), newTestSettings(mr.Addr()))

	err := st.SendResponseMessage(context.Background(), 1, map[string]any{}, map[string]any{})
	var failure *transport.SendFailure
	require.ErrorAs(t, err, &failure)
}

func TestReplyKeyPinsToOneConnection(t *testing.T) {
	ring := newHashRing(4)
	key := ReplyKey("math", "abcdef")
	first := ring.index(key)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, ring.index(key))
	}
}

func TestIsQueueFull(t *testing.T) {
	require.True(t, IsQueueFull(errors.New("ERR queue full")))
	require.False(t, IsQueueFull(errors.New("connection refused")))
	require.False(t, IsQueueFull(nil))
}

func TestSettingsValidation(t *testing.T) {
	s := newTestSettings("localhost:6379")
	require.NoError(t, s.Validate())

	t.Run("sentinel requires service names", func(t *testing.T) {
		bad := newTestSettings("localhost:26379")
		bad.BackendType = BackendSentinel
		require.Error(t, bad.Validate())
	})

	t.Run("chunking requires version 3", func(t *testing.T) {
		bad := newTestSettings("localhost:6379")
		bad.ProtocolVersion = protocol.VersionHeaders
		bad.ChunkMessagesLargerThan = 102400
		require.Error(t, bad.Validate())
	})

	t.Run("unknown content type", func(t *testing.T) {
		bad := newTestSettings("localhost:6379")
		bad.ContentType = "application/x-unknown"
		require.Error(t, bad.Validate())
	})
}

func TestNormalizedRoleDefaults(t *testing.T) {
	s := newTestSettings("localhost:6379")
	require.Equal(t, DefaultMaximumMessageSizeClient, s.normalized(false).MaximumMessageSize)
	require.Equal(t, DefaultMaximumMessageSizeServer, s.normalized(true).MaximumMessageSize)

	s.MaximumMessageSize = 12345
	require.Equal(t, 12345, s.normalized(true).MaximumMessageSize)
}
