// Package transport defines the contracts between the client and server
// engines and the message broker, plus the error taxonomy every transport
// implementation maps its failures onto.
package transport

import (
	"context"
	"errors"
	"time"
)

// MetaSuppressResponse in a request's meta marks it as send-and-forget:
// the transport allocates no reply queue and no response slot, and strips
// the key before framing.
const MetaSuppressResponse = "suppress_response"

// ErrNoMessage is the sentinel a receive operation returns when its wait
// window elapses with nothing to deliver. It is not a failure; the caller
// decides whether the empty window matters.
var ErrNoMessage = errors.New("no message available")

// ErrNothingOutstanding is returned by a client transport receive when no
// request is awaiting a response, so blocking on the reply queue would be
// pointless.
var ErrNothingOutstanding = errors.New("no requests are outstanding")

// ClientTransport sends job requests for any number of services and
// receives their responses on a client-unique reply queue per service.
type ClientTransport interface {
	// SendRequestMessage enqueues one framed request envelope. The
	// transport stamps reply_to metadata unless meta marks the request
	// as expecting no response, and sets the message expiry.
	SendRequestMessage(ctx context.Context, requestID int64, meta map[string]any, body map[string]any, messageExpiry time.Duration) error

	// ReceiveResponseMessage blocks up to timeout for the next response
	// on the reply queue. It returns ErrNoMessage when the window
	// elapses and ErrNothingOutstanding when no response is owed.
	ReceiveResponseMessage(ctx context.Context, timeout time.Duration) (requestID int64, meta map[string]any, body map[string]any, err error)

	Close() error
}

// ServerTransport receives job requests for a single service and sends
// responses back to each request's reply queue.
type ServerTransport interface {
	// ReceiveRequestMessage blocks up to timeout for the next request on
	// the service's ingress queue, returning ErrNoMessage on an empty
	// window. Expired messages are discarded internally and never
	// surface.
	ReceiveRequestMessage(ctx context.Context, timeout time.Duration) (requestID int64, meta map[string]any, body map[string]any, err error)

	// SendResponseMessage enqueues a framed response envelope on the
	// reply queue named by the request's meta.
	SendResponseMessage(ctx context.Context, requestID int64, meta map[string]any, body map[string]any) error

	Close() error
}
