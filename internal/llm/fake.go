package llm

import (
	"context"
	"errors"
	"sync"
)

// FakeClient is a deterministic in-memory Client used by iteration-engine
// tests, mirroring the pack's own pattern of testing against a scripted fake
// transport rather than the network.
type FakeClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     []Request
}

// NewFakeClient returns a client that yields responses in order, one per
// call to Submit; the last entry repeats once exhausted.
func NewFakeClient(responses ...Response) *FakeClient {
	return &FakeClient{responses: responses}
}

// WithErrors makes the i-th call fail with err instead of returning a
// response (nil entries are ignored).
func (f *FakeClient) WithErrors(errs ...error) *FakeClient {
	f.errs = errs
	return f
}

func (f *FakeClient) Submit(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, req)

	if idx < len(f.errs) && f.errs[idx] != nil {
		return Response{}, f.errs[idx]
	}
	if len(f.responses) == 0 {
		return Response{}, errors.New("fake: no scripted response")
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return f.responses[len(f.responses)-1], nil
}

// Calls returns every request Submit has observed, for assertions.
func (f *FakeClient) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}
