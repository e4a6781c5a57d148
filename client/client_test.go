package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// fakeTransport is an in-memory loopback: each sent request is answered
// by the configured handler, with delivery order controllable to exercise
// the response router.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(req *soa.JobRequest) *soa.JobResponse
	sent    []sentRecord
	pending []pendingResponse
	lifo    bool
	sendErr error
}

type sentRecord struct {
	requestID int64
	meta      map[string]any
	body      map[string]any
}

type pendingResponse struct {
	requestID int64
	body      map[string]any
}

func (f *fakeTransport) SendRequestMessage(_ context.Context, requestID int64, meta map[string]any, body map[string]any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRecord{requestID: requestID, meta: meta, body: body})
	if f.sendErr != nil {
		return f.sendErr
	}
	if suppress, _ := meta[transport.MetaSuppressResponse].(bool); suppress {
		return nil
	}
	if f.handler == nil {
		return nil
	}
	req, err := soa.JobRequestFromMap(body)
	if err != nil {
		return err
	}
	if resp := f.handler(req); resp != nil {
		f.pending = append(f.pending, pendingResponse{requestID: requestID, body: resp.ToMap()})
	}
	return nil
}

func (f *fakeTransport) ReceiveResponseMessage(_ context.Context, timeout time.Duration) (int64, map[string]any, map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			i := 0
			if f.lifo {
				i = len(f.pending) - 1
			}
			p := f.pending[i]
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			f.mu.Unlock()
			return p.requestID, map[string]any{}, p.body, nil
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil, nil, transport.ErrNoMessage
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fakeTransport) Close() error { return nil }

// deliver plants a response, serving tests that answer out of band.
func (f *fakeTransport) deliver(requestID int64, resp *soa.JobResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pendingResponse{requestID: requestID, body: resp.ToMap()})
}

func (f *fakeTransport) sentRecords() []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRecord(nil), f.sent...)
}

// echoHandler answers every action with its own body.
func echoHandler(req *soa.JobRequest) *soa.JobResponse {
	resp := &soa.JobResponse{Context: req.Context}
	for _, a := range req.Actions {
		resp.Actions = append(resp.Actions, soa.ActionResponse{Action: a.Action, Body: a.Body})
	}
	return resp
}

func newFakeClient(t *testing.T, settings *Settings, handler func(req *soa.JobRequest) *soa.JobResponse) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{handler: handler}
	if settings == nil {
		settings = &Settings{}
	}
	settings.Transport = func(string) (transport.ClientTransport, error) { return ft, nil }
	c, err := New(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

func TestCallActionRoundTrip(t *testing.T) {
	c, ft := newFakeClient(t, nil, echoHandler)

	resp, err := c.CallAction(context.Background(), "math", "echo", map[string]any{"value": int64(5)})
	require.NoError(t, err)
	require.Equal(t, "echo", resp.Action)
	require.Equal(t, int64(5), resp.Body["value"])

	sent := ft.sentRecords()
	require.Len(t, sent, 1)
	wireCtx := sent[0].body["context"].(map[string]any)
	require.NotEmpty(t, wireCtx[soa.ContextCorrelationID], "every job gets a correlation id")
	require.Equal(t, sent[0].requestID, wireCtx[soa.ContextRequestID])
}

func TestCorrelationIDPropagatesFromBaseContext(t *testing.T) {
	c, ft := newFakeClient(t, &Settings{Context: map[string]any{soa.ContextCorrelationID: "fixed"}}, echoHandler)

	_, err := c.CallAction(context.Background(), "math", "echo", nil)
	require.NoError(t, err)

	wireCtx := ft.sentRecords()[0].body["context"].(map[string]any)
	require.Equal(t, "fixed", wireCtx[soa.ContextCorrelationID])
}

func TestSwitchesUnionAcrossLayers(t *testing.T) {
	settings := &Settings{
		Switches: []int{1},
		Context:  map[string]any{soa.ContextSwitches: []any{int64(3)}},
	}
	c, ft := newFakeClient(t, settings, echoHandler)

	_, err := c.CallAction(context.Background(), "math", "echo", nil, WithSwitches(2, 2))
	require.NoError(t, err)

	wireCtx := ft.sentRecords()[0].body["context"].(map[string]any)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, wireCtx[soa.ContextSwitches])
}

func TestDeriveSharesTransportsAndReplacesContext(t *testing.T) {
	c, ft := newFakeClient(t, &Settings{Context: map[string]any{soa.ContextCorrelationID: "parent"}}, echoHandler)

	derived := c.Derive(map[string]any{soa.ContextCorrelationID: "child"}, 9)
	_, err := derived.CallAction(context.Background(), "math", "echo", nil)
	require.NoError(t, err)

	sent := ft.sentRecords()
	require.Len(t, sent, 1, "derived client reuses the parent's transport")
	wireCtx := sent[0].body["context"].(map[string]any)
	require.Equal(t, "child", wireCtx[soa.ContextCorrelationID])
	require.Equal(t, []any{int64(9)}, wireCtx[soa.ContextSwitches])
}

func TestJobErrorsRaisedByDefault(t *testing.T) {
	c, _ := newFakeClient(t, nil, func(req *soa.JobRequest) *soa.JobResponse {
		return &soa.JobResponse{Errors: []soa.Error{{Code: soa.CodeServerError, Message: "boom"}}}
	})

	_, err := c.CallActions(context.Background(), "math", []soa.ActionRequest{{Action: "x"}})
	var jobErr *soa.JobError
	require.ErrorAs(t, err, &jobErr)
	require.Equal(t, soa.CodeServerError, jobErr.Errors[0].Code)

	resp, err := c.CallActions(context.Background(), "math", []soa.ActionRequest{{Action: "x"}}, RaiseJobErrors(false))
	require.NoError(t, err)
	require.True(t, resp.HasErrors())
}

func TestActionErrorsRaisedAlongsideResponse(t *testing.T) {
	c, _ := newFakeClient(t, nil, func(req *soa.JobRequest) *soa.JobResponse {
		return &soa.JobResponse{Actions: []soa.ActionResponse{{
			Action: req.Actions[0].Action,
			Errors: []soa.Error{{Code: soa.CodeInvalid, Field: "number", Message: "bad", IsCallerError: true}},
		}}}
	})

	resp, err := c.CallAction(context.Background(), "math", "square", map[string]any{"number": -1})
	var actionErr *soa.CallActionError
	require.ErrorAs(t, err, &actionErr)
	require.NotNil(t, resp, "the response travels alongside the raised error")
	require.Equal(t, soa.CodeInvalid, resp.Errors[0].Code)

	_, err = c.CallAction(context.Background(), "math", "square", map[string]any{"number": -1}, RaiseActionErrors(false))
	require.NoError(t, err)
}

func TestCallJobsParallelPreservesInputOrder(t *testing.T) {
	c, ft := newFakeClient(t, nil, echoHandler)
	ft.lifo = true // deliver responses newest-first to force reordering

	jobs := []Job{
		{Service: "math", Actions: []soa.ActionRequest{{Action: "a", Body: map[string]any{"i": int64(0)}}}},
		{Service: "math", Actions: []soa.ActionRequest{{Action: "b", Body: map[string]any{"i": int64(1)}}}},
		{Service: "math", Actions: []soa.ActionRequest{{Action: "c", Body: map[string]any{"i": int64(2)}}}},
	}
	responses, err := c.CallJobsParallel(context.Background(), jobs, WithTimeout(2*time.Second))
	require.NoError(t, err)
	require.Len(t, responses, 3)
	for i, resp := range responses {
		require.Equal(t, int64(i), resp.Actions[0].Body["i"])
	}
}

func TestCallActionsParallelOrdering(t *testing.T) {
	c, ft := newFakeClient(t, nil, echoHandler)
	ft.lifo = true

	actions := []soa.ActionRequest{
		{Action: "first", Body: map[string]any{"n": int64(1)}},
		{Action: "second", Body: map[string]any{"n": int64(2)}},
	}
	responses, err := c.CallActionsParallel(context.Background(), "math", actions, WithTimeout(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "first", responses[0].Action)
	require.Equal(t, "second", responses[1].Action)
}

func TestCatchTransportErrorsSynthesizesResponses(t *testing.T) {
	good := &fakeTransport{handler: echoHandler}
	bad := &fakeTransport{sendErr: errors.New("broker unreachable")}
	c, err := New(&Settings{Transport: func(service string) (transport.ClientTransport, error) {
		if service == "down" {
			return bad, nil
		}
		return good, nil
	}})
	require.NoError(t, err)
	defer c.Close()

	jobs := []Job{
		{Service: "up", Actions: []soa.ActionRequest{{Action: "a"}}},
		{Service: "down", Actions: []soa.ActionRequest{{Action: "b"}}},
	}

	// Without the option the whole batch fails.
	_, err = c.CallJobsParallel(context.Background(), jobs)
	require.Error(t, err)

	responses, err := c.CallJobsParallel(context.Background(), jobs, CatchTransportErrors())
	require.NoError(t, err)
	require.Len(t, responses, 2)
	require.False(t, responses[0].HasErrors())
	require.Equal(t, CodeTransportError, responses[1].Errors[0].Code)
}

func TestSuppressResponseAllocatesNoSlot(t *testing.T) {
	c, ft := newFakeClient(t, nil, echoHandler)

	resp, err := c.CallActions(context.Background(), "math", []soa.ActionRequest{{Action: "fire"}}, SuppressResponse())
	require.NoError(t, err)
	require.Nil(t, resp)

	sent := ft.sentRecords()
	require.Len(t, sent, 1)
	require.Equal(t, true, sent[0].meta[transport.MetaSuppressResponse])
	suppressed, _ := sent[0].body["control"].(map[string]any)["suppress_response"].(bool)
	require.True(t, suppressed)
}

func TestFutureTimeoutNotCached(t *testing.T) {
	c, ft := newFakeClient(t, nil, nil) // nothing answers

	future, err := c.CallActionFuture(context.Background(), "math", "slow", nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = future.Result(context.Background())
	var timeout *transport.ReceiveTimeout
	require.ErrorAs(t, err, &timeout)
	require.False(t, future.Done(), "a timeout must not cache an outcome")

	// The response arrives late; the future keeps waiting on request.
	requestID := ft.sentRecords()[0].requestID
	ft.deliver(requestID, &soa.JobResponse{Actions: []soa.ActionResponse{{Action: "slow", Body: map[string]any{"ok": true}}}})

	resp, err := future.ResultWithTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, true, resp.Body["ok"])
	require.True(t, future.Done())

	// Cached now: further calls return the same outcome without waiting.
	again, err := future.Result(context.Background())
	require.NoError(t, err)
	require.Equal(t, resp, again)
}

func TestSendRequestAndResponseStream(t *testing.T) {
	c, _ := newFakeClient(t, nil, echoHandler)
	ctx := context.Background()

	ids := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		id, err := c.SendRequest(ctx, "math", []soa.ActionRequest{{Action: "echo", Body: map[string]any{"i": int64(i)}}})
		require.NoError(t, err)
		ids[id] = true
	}

	stream, err := c.GetAllResponses("math", 200*time.Millisecond)
	require.NoError(t, err)
	got := 0
	for stream.Next(ctx) {
		require.True(t, ids[stream.RequestID()], "stream yields only our request ids")
		require.NotNil(t, stream.Response())
		got++
	}
	require.NoError(t, stream.Err())
	require.Equal(t, 3, got)
}

func TestExpansionsSpliceAndBatch(t *testing.T) {
	books := &fakeTransport{handler: func(req *soa.JobRequest) *soa.JobResponse {
		return &soa.JobResponse{Actions: []soa.ActionResponse{{
			Action: req.Actions[0].Action,
			Body: map[string]any{
				"books": []any{
					map[string]any{TypeKey: "book", "id": "b1", "author_id": "7"},
					map[string]any{TypeKey: "book", "id": "b2", "author_id": "8"},
				},
			},
		}}}
	}}
	authors := &fakeTransport{handler: func(req *soa.JobRequest) *soa.JobResponse {
		ids := req.Actions[0].Body["ids"].([]any)
		out := map[string]any{}
		for _, id := range ids {
			out[id.(string)] = map[string]any{"id": id, "name": "author-" + id.(string)}
		}
		return &soa.JobResponse{Actions: []soa.ActionResponse{{
			Action: req.Actions[0].Action,
			Body:   map[string]any{"authors": out},
		}}}
	}}

	c, err := New(&Settings{
		Transport: func(service string) (transport.ClientTransport, error) {
			if service == "authors" {
				return authors, nil
			}
			return books, nil
		},
		Expansions: &ExpansionConfig{
			Routes: map[string]*Route{
				"author": {Service: "authors", Action: "get_authors", RequestField: "ids", ResponseField: "authors"},
			},
			TypeExpansions: map[string]map[string]*Expansion{
				"book": {
					"author": {Route: "author", SourceField: "author_id", DestinationField: "author"},
				},
			},
		},
	})
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.CallAction(context.Background(), "books", "list", nil,
		WithExpansions(map[string][]string{"book": {"author"}}))
	require.NoError(t, err)

	list := resp.Body["books"].([]any)
	first := list[0].(map[string]any)
	second := list[1].(map[string]any)
	require.Equal(t, "author-7", first["author"].(map[string]any)["name"])
	require.Equal(t, "author-8", second["author"].(map[string]any)["name"])

	// Both ids travel in one batched route call.
	require.Len(t, authors.sentRecords(), 1)
}

func TestExpansionConfigValidation(t *testing.T) {
	bad := &ExpansionConfig{
		Routes: map[string]*Route{
			"r": {Service: "s", Action: "a", RequestField: "ids", ResponseField: "out"},
		},
		TypeExpansions: map[string]map[string]*Expansion{
			"thing": {"x": {Route: "missing", SourceField: "id", DestinationField: "obj"}},
		},
	}
	require.Error(t, bad.Validate())

	bad.TypeExpansions["thing"]["x"].Route = "r"
	require.NoError(t, bad.Validate())
}

func TestNewRequiresTransportFactory(t *testing.T) {
	_, err := New(&Settings{})
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}
