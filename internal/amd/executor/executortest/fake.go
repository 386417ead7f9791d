// Package executortest provides a scripted executor.Doer for orchestrator
// tests.
package executortest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/synclog"
)

// Handler answers one request.
type Handler func(req executor.Request) executor.Result

// Fake routes requests by endpoint. Endpoints without a handler fail with an
// API error.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []executor.Request
	logs     synclog.Writer
}

func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// On installs h for endpoint.
func (f *Fake) On(endpoint string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[strings.ToUpper(endpoint)] = h
	return f
}

// WithSyncLog makes the fake open and close a sync log entry around every
// request that carries a SyncLog spec, the way the real executor does.
func (f *Fake) WithSyncLog(w synclog.Writer) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = w
	return f
}

// OK answers endpoint with body decoded from a JSON object literal.
func (f *Fake) OK(endpoint, body string) *Fake {
	return f.On(endpoint, func(executor.Request) executor.Result { return Success(body) })
}

// Fail answers endpoint with err.
func (f *Fake) Fail(endpoint string, err *amd.Error) *Fake {
	return f.On(endpoint, func(executor.Request) executor.Result { return executor.Result{Err: err, Attempts: 1} })
}

func (f *Fake) Execute(_ context.Context, req executor.Request) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[strings.ToUpper(req.Endpoint)]
	logs := f.logs
	f.mu.Unlock()

	var entry *synclog.Entry
	if req.SyncLog != nil && logs != nil {
		entry = synclog.New(*req.SyncLog, req.Endpoint, req.Payload, time.Now())
		if err := logs.Create(context.Background(), entry); err != nil {
			entry = nil
		}
	}

	res := executor.Result{Err: amd.NewAPIError(req.Endpoint, "no handler"), Attempts: 1}
	if h != nil {
		res = h(req)
	}
	switch {
	case entry != nil:
		res.SyncLogID = entry.ID
		var err error
		if res.Success {
			err = entry.Succeed(time.Now(), nil, "")
		} else {
			err = entry.Fail(time.Now(), nil, res.Err.Error())
		}
		if err == nil {
			_ = logs.Finish(context.Background(), entry)
		}
	case req.SyncLog != nil && res.SyncLogID == uuid.Nil:
		res.SyncLogID = uuid.New()
	}
	return res
}

// Calls returns every request seen so far.
func (f *Fake) Calls() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.calls...)
}

// Count returns how many requests hit endpoint.
func (f *Fake) Count(endpoint string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.EqualFold(c.Endpoint, endpoint) {
			n++
		}
	}
	return n
}

// Last returns the most recent request to endpoint.
func (f *Fake) Last(endpoint string) (executor.Request, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.EqualFold(calls[i].Endpoint, endpoint) {
			return calls[i], true
		}
	}
	return executor.Request{}, false
}

// Success builds a successful Result whose Data is the decoded JSON object.
func Success(body string) executor.Result {
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		panic("executortest: invalid body: " + err.Error())
	}
	return executor.Result{
		Success:  true,
		Data:     amd.Doc(doc),
		Response: &amd.Response{Shape: amd.ShapeMessage, Body: amd.Doc(doc), Raw: json.RawMessage(body)},
		Attempts: 1,
	}
}
