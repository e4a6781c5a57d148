package redisgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/protocol"
	"github.com/fairyhunter13/gosoa/serializer"
	"github.com/fairyhunter13/gosoa/transport"
)

// core implements the send and receive primitives shared by the client
// and server transports: framing, size policing, chunk handling, the
// queue-full retry loop, and expiry enforcement.
type core struct {
	settings *Settings
	backend  Backend
	ser      serializer.Serializer
	log      *slog.Logger
}

func newCore(s *Settings, server bool) (*core, error) {
	s = s.normalized(server)
	ser, err := serializer.ByContentType(s.ContentType)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(s)
	if err != nil {
		return nil, err
	}
	return &core{
		settings: s,
		backend:  backend,
		ser:      ser,
		log:      slog.Default().With(slog.String("component", "redisgateway")),
	}, nil
}

// sendEnvelope frames and enqueues one envelope. The version is the frame
// version to emit; chunking engages only when allowChunking is set, the
// version supports it, and the configured threshold is crossed.
func (c *core) sendEnvelope(ctx context.Context, queue string, env *protocol.Envelope, version int, allowChunking bool) error {
	payload, err := protocol.EncodeEnvelope(env, c.ser)
	if err != nil {
		return &transport.SendFailure{Reason: transport.ReasonIO, Queue: queue, Cause: err}
	}

	if c.settings.LogMessagesLargerThan > 0 && len(payload) > c.settings.LogMessagesLargerThan {
		observability.OversizedMessagesTotal.WithLabelValues(queue).Inc()
		c.log.Warn("message exceeds size warning threshold",
			slog.String("queue", queue),
			slog.Int("size", len(payload)),
			slog.Int("threshold", c.settings.LogMessagesLargerThan),
		)
	}

	threshold := c.settings.ChunkMessagesLargerThan
	if allowChunking && threshold > 0 && version >= protocol.VersionChunking && len(payload) > threshold {
		return c.sendChunked(ctx, queue, env, payload, version)
	}

	if len(payload) > c.settings.MaximumMessageSize {
		return &transport.TooLarge{Queue: queue, Size: len(payload), Limit: c.settings.MaximumMessageSize}
	}

	frame := &protocol.Frame{Version: version, ContentType: c.ser.ContentType(), Payload: payload}
	wire, err := frame.EncodeFrame()
	if err != nil {
		return &transport.SendFailure{Reason: transport.ReasonIO, Queue: queue, Cause: err}
	}
	return c.push(ctx, queue, wire, envelopeExpiry(env))
}

// sendChunked splits an oversized envelope into ordered chunk frames and
// pushes each. The chunk payload size keeps every framed chunk under the
// configured threshold.
func (c *core) sendChunked(ctx context.Context, queue string, env *protocol.Envelope, payload []byte, version int) error {
	chunkSize := c.settings.ChunkMessagesLargerThan - chunkPayloadSlack
	frames, err := protocol.SplitChunks(payload, chunkSize, version, c.ser.ContentType())
	if err != nil {
		return &transport.SendFailure{Reason: transport.ReasonIO, Queue: queue, Cause: err}
	}
	expiry := envelopeExpiry(env)
	for _, frame := range frames {
		wire, err := frame.EncodeFrame()
		if err != nil {
			return &transport.SendFailure{Reason: transport.ReasonIO, Queue: queue, Cause: err}
		}
		if err := c.push(ctx, queue, wire, expiry); err != nil {
			return err
		}
		observability.ResponseChunksTotal.Inc()
	}
	c.log.Debug("sent chunked message",
		slog.String("queue", queue),
		slog.Int("chunks", len(frames)),
		slog.Int("size", len(payload)),
	)
	return nil
}

// push runs the capacity-checked RPUSH, retrying queue-full refusals with
// backoff up to QueueFullRetries times.
func (c *core) push(ctx context.Context, queue string, wire []byte, queueExpiry time.Duration) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(250*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		),
		uint64(c.settings.QueueFullRetries),
	), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.backend.SendToQueue(ctx, queue, wire, queueExpiry, c.settings.QueueCapacity)
		if err == nil {
			return nil
		}
		if IsQueueFull(err) {
			observability.SendRetriesTotal.WithLabelValues(queue).Inc()
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err == nil {
		observability.MessagesSentTotal.WithLabelValues(queue, "ok").Inc()
		return nil
	}

	observability.MessagesSentTotal.WithLabelValues(queue, "error").Inc()
	switch {
	case IsQueueFull(err):
		return &transport.SendFailure{Reason: transport.ReasonQueueFull, Queue: queue, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &transport.SendTimeout{Queue: queue}
	default:
		return &transport.ConnectionFailure{Cause: fmt.Errorf("op=redisgateway.core.push: queue %s: %w", queue, err)}
	}
}

// receiveEnvelope blocks up to timeout for the next non-expired envelope
// on a queue, reassembling chunked messages transparently. The returned
// envelope's meta carries the frame's protocol version.
func (c *core) receiveEnvelope(ctx context.Context, queue string, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrNoMessage
		}
		raw, err := c.pop(ctx, queue, remaining)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, transport.ErrNoMessage
		}

		frame, err := protocol.DecodeFrame(raw, c.settings.ContentType)
		if err != nil {
			return nil, &transport.ReceiveFailure{Reason: transport.ReasonCorrupt, Queue: queue, Cause: err}
		}
		observability.ProtocolVersionTotal.WithLabelValues(strconv.Itoa(frame.Version)).Inc()

		payload := frame.Payload
		contentType := frame.ContentType
		if frame.Chunked() {
			if payload, contentType, err = c.receiveRemainingChunks(ctx, queue, frame); err != nil {
				return nil, err
			}
		}

		ser := c.ser
		if contentType != ser.ContentType() {
			if ser, err = serializer.ByContentType(contentType); err != nil {
				return nil, &transport.ReceiveFailure{Reason: transport.ReasonCorrupt, Queue: queue, Cause: err}
			}
		}
		env, err := protocol.DecodeEnvelope(payload, ser)
		if err != nil {
			return nil, &transport.ReceiveFailure{Reason: transport.ReasonCorrupt, Queue: queue, Cause: err}
		}

		if expired(env) {
			observability.MessagesExpiredTotal.WithLabelValues(queue).Inc()
			c.log.Debug("discarded expired message",
				slog.String("queue", queue),
				slog.Int64("request_id", env.RequestID),
			)
			continue
		}

		env.Meta[protocol.MetaProtocolVersion] = int64(frame.Version)
		observability.MessagesReceivedTotal.WithLabelValues(queue).Inc()
		return env, nil
	}
}

// receiveRemainingChunks drains the rest of a chunked message from the
// same queue. A gap, reorder, or wait-window overrun discards the whole
// response.
func (c *core) receiveRemainingChunks(ctx context.Context, queue string, first *protocol.Frame) ([]byte, string, error) {
	assembler := &protocol.ChunkAssembler{}
	complete, err := assembler.Add(first)
	if err != nil {
		return nil, "", &transport.ReceiveFailure{Reason: transport.ReasonChunkGap, Queue: queue, Cause: err}
	}
	for !complete {
		raw, err := c.pop(ctx, queue, c.settings.ChunkGapWait)
		if err != nil {
			return nil, "", err
		}
		if raw == nil {
			return nil, "", &transport.ReceiveFailure{
				Reason: transport.ReasonChunkGap,
				Queue:  queue,
				Cause:  fmt.Errorf("no follow-up chunk within %s", c.settings.ChunkGapWait),
			}
		}
		frame, err := protocol.DecodeFrame(raw, c.settings.ContentType)
		if err != nil {
			return nil, "", &transport.ReceiveFailure{Reason: transport.ReasonCorrupt, Queue: queue, Cause: err}
		}
		if complete, err = assembler.Add(frame); err != nil {
			return nil, "", &transport.ReceiveFailure{Reason: transport.ReasonChunkGap, Queue: queue, Cause: err}
		}
	}
	return assembler.Bytes(), assembler.ContentType(), nil
}

// pop runs one BLPOP. A nil result with a nil error means the wait window
// elapsed empty.
func (c *core) pop(ctx context.Context, queue string, wait time.Duration) ([]byte, error) {
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	res, err := c.backend.ForKey(queue).BLPop(ctx, wait, queue).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return nil, transport.ErrNoMessage
	case err != nil:
		return nil, &transport.ConnectionFailure{Cause: fmt.Errorf("op=redisgateway.core.pop: queue %s: %w", queue, err)}
	case len(res) != 2:
		return nil, &transport.ReceiveFailure{
			Reason: transport.ReasonCorrupt,
			Queue:  queue,
			Cause:  fmt.Errorf("BLPOP returned %d values, want 2", len(res)),
		}
	}
	return []byte(res[1]), nil
}

func (c *core) Close() error { return c.backend.Close() }

// envelopeExpiry derives the queue TTL from the envelope's absolute
// expiry, floored at one second so a crashed consumer cannot leak state.
func envelopeExpiry(env *protocol.Envelope) time.Duration {
	if raw, ok := env.Meta[protocol.MetaExpiry]; ok {
		if at, ok := metaInt64(raw); ok {
			until := time.Until(time.Unix(at, 0))
			if until < time.Second {
				until = time.Second
			}
			return until
		}
	}
	return time.Minute
}

func expired(env *protocol.Envelope) bool {
	raw, ok := env.Meta[protocol.MetaExpiry]
	if !ok {
		return false
	}
	at, ok := metaInt64(raw)
	if !ok {
		return false
	}
	return time.Unix(at, 0).Before(time.Now())
}

func metaInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case interface{ Int64() (int64, error) }: // json.Number
		n, err := t.Int64()
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
