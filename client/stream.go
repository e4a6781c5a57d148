package client

import (
	"context"
	"errors"
	"time"

	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// ResponseStream lazily yields the (request id, job response) pairs
// waiting on the client's reply queue for one service, in arrival order.
// It follows the scanner idiom:
//
//	stream, _ := c.GetAllResponses("example", time.Second)
//	for stream.Next(ctx) {
//	    handle(stream.RequestID(), stream.Response())
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Next returns false once a wait window elapses with nothing queued or a
// transport failure occurs; only the failure surfaces through Err.
type ResponseStream struct {
	handler *serviceHandler
	wait    time.Duration

	requestID int64
	response  *soa.JobResponse
	err       error
}

// Next advances to the next queued response, blocking up to the stream's
// wait window.
func (s *ResponseStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	requestID, resp, err := s.handler.receiveAny(ctx, s.wait)
	if err != nil {
		if !errors.Is(err, transport.ErrNoMessage) && !errors.Is(err, transport.ErrNothingOutstanding) {
			s.err = err
		}
		return false
	}
	s.requestID = requestID
	s.response = resp
	return true
}

// RequestID returns the request id of the current response.
func (s *ResponseStream) RequestID() int64 { return s.requestID }

// Response returns the current response.
func (s *ResponseStream) Response() *soa.JobResponse { return s.response }

// Err returns the transport failure that stopped the stream, if any.
func (s *ResponseStream) Err() error { return s.err }
