package transport

import (
	"fmt"
	"time"
)

// Failure reasons carried by SendFailure and ReceiveFailure.
const (
	ReasonQueueFull = "queue_full"
	ReasonTooLarge  = "too_large"
	ReasonIO        = "io"
	ReasonChunkGap  = "chunk_gap"
	ReasonCorrupt   = "corrupt"
)

// ConnectionFailure reports a broken or unobtainable broker connection.
// Clients surface it; servers log it and keep their loop alive after a
// backoff.
type ConnectionFailure struct {
	Cause error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("transport connection failure: %v", e.Cause)
}

func (e *ConnectionFailure) Unwrap() error { return e.Cause }

// SendFailure reports a message that could not be enqueued.
type SendFailure struct {
	Reason string
	Queue  string
	Cause  error
}

func (e *SendFailure) Error() string {
	msg := fmt.Sprintf("failed to send message to %s: %s", e.Queue, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SendFailure) Unwrap() error { return e.Cause }

// SendTimeout reports a send that could not complete within its deadline.
type SendTimeout struct {
	Queue  string
	Waited time.Duration
}

func (e *SendTimeout) Error() string {
	return fmt.Sprintf("timed out after %s sending message to %s", e.Waited, e.Queue)
}

// ReceiveFailure reports a message that arrived but could not be
// delivered: corruption, a chunk gap, or a broker error mid-receive.
type ReceiveFailure struct {
	Reason string
	Queue  string
	Cause  error
}

func (e *ReceiveFailure) Error() string {
	msg := fmt.Sprintf("failed to receive message from %s: %s", e.Queue, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReceiveFailure) Unwrap() error { return e.Cause }

// ReceiveTimeout reports a blocking receive whose deadline elapsed with a
// response still owed. The request is not retried; the late response, if
// it ever arrives, stays on the queue for the response stream APIs.
type ReceiveTimeout struct {
	Queue  string
	Waited time.Duration
}

func (e *ReceiveTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for a message on %s", e.Waited, e.Queue)
}

// TooLarge reports a serialized message exceeding the configured maximum,
// detected before any broker call.
type TooLarge struct {
	Queue string
	Size  int
	Limit int
}

func (e *TooLarge) Error() string {
	return fmt.Sprintf("message of %d bytes for %s exceeds the %d byte maximum", e.Size, e.Queue, e.Limit)
}
