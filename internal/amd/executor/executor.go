// Package executor is the single path every vendor call takes: rate-limit
// check, token acquisition, the HTTP round trip, response classification and
// the audit log entry.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/ratelimit"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/amd/synclog"
)

const DefaultMaxRetries = 3

// Request is one vendor call.
type Request struct {
	// Endpoint is the rate-limit key, e.g. SAVECHARGES.
	Endpoint string
	Action   string
	Class    string
	Payload  map[string]any
	// API selects the sub-API base URL; empty means XMLRPC.
	API     session.APIKind
	SyncLog *synclog.Spec
	// NoRetry disables waiting out a rate limit and trying again.
	NoRetry bool
	// MaxRetries overrides the executor default when positive.
	MaxRetries int
}

// NewRequest builds an API-class request whose action is the lower-cased
// endpoint name, which is how every data endpoint is addressed.
func NewRequest(endpoint string, payload map[string]any) Request {
	return Request{
		Endpoint: strings.ToUpper(endpoint),
		Action:   strings.ToLower(endpoint),
		Class:    "api",
		Payload:  payload,
	}
}

// Result is the outcome of Execute. Err is nil exactly when Success is true.
type Result struct {
	Success   bool
	Data      amd.Doc
	Response  *amd.Response
	Err       *amd.Error
	SyncLogID uuid.UUID
	Attempts  int
}

// Error returns Err as an error value, or nil on success.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Message is the vendor-facing failure text, or "" on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	if r.Err.Message != "" {
		return r.Err.Message
	}
	return r.Err.Error()
}

// Doer is what the sync orchestrators depend on.
type Doer interface {
	Execute(ctx context.Context, req Request) Result
}

type Options struct {
	MaxRetries int
	HTTPClient *http.Client
	UserAgent  string
	Now        func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Executor struct {
	tokens  session.TokenSource
	limiter ratelimit.Limiter
	logs    synclog.Writer
	opts    Options
	logger  zerolog.Logger
}

// New builds an Executor. logs may be nil, in which case no audit entries are
// written.
func New(tokens session.TokenSource, limiter ratelimit.Limiter, logs synclog.Writer, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: session.DefaultTimeout}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = amd.DefaultUserAgent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Executor{
		tokens:  tokens,
		limiter: limiter,
		logs:    logs,
		opts:    opts,
		logger:  logger.With().Str("component", "amd.executor").Logger(),
	}
}

// Execute runs req. A rate-limit failure is waited out and retried up to
// MaxRetries times unless NoRetry is set; every other failure is returned
// immediately. Each attempt opens and closes its own sync log entry.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	maxRetries := e.opts.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	var res Result
	for attempt := 0; ; attempt++ {
		res = e.attempt(ctx, req, attempt)
		res.Attempts = attempt + 1
		if res.Success || req.NoRetry || !res.Err.IsRateLimit() || attempt >= maxRetries {
			return res
		}

		wait := time.Duration(res.Err.BackoffSeconds) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		e.logger.Warn().
			Str("endpoint", req.Endpoint).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("wait", wait).
			Msg("rate limited, retrying")
		if err := e.opts.Sleep(ctx, wait); err != nil {
			return res
		}
	}
}

// ExecuteBatch runs reqs in order. It stops at the first failure that is not a
// rate limit and returns the results gathered so far.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []Request) []Result {
	out := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		res := e.Execute(ctx, req)
		out = append(out, res)
		if !res.Success && !res.Err.IsRateLimit() {
			break
		}
	}
	return out
}

func (e *Executor) attempt(ctx context.Context, req Request, attempt int) Result {
	entry := e.open(ctx, req, attempt)
	res := e.call(ctx, req)
	if entry != nil {
		res.SyncLogID = entry.ID
		e.close(ctx, entry, res)
	}
	return res
}

func (e *Executor) call(ctx context.Context, req Request) Result {
	if err := e.limiter.Check(ctx, req.Endpoint); err != nil {
		// Rejected locally: the limiter already started or extended backoff.
		return failed(amd.Wrap(req.Endpoint, err), nil)
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		return e.fail(ctx, req, amd.Wrap(req.Endpoint, err), nil)
	}
	kind := req.API
	if kind == "" {
		kind = session.APIXMLRPC
	}
	url, err := e.tokens.RedirectURL(ctx, kind)
	if err != nil {
		return e.fail(ctx, req, amd.Wrap(req.Endpoint, err), nil)
	}

	msg := amd.NewMessage(req.Action, req.Class, e.opts.Now(), req.Payload)
	raw, err := amd.Post(ctx, e.opts.HTTPClient, req.Endpoint, url, msg, token, e.opts.UserAgent)
	if err != nil {
		var body []byte
		if raw != nil {
			body = raw.Body
		}
		return e.fail(ctx, req, amd.Wrap(req.Endpoint, err), body)
	}

	resp, err := amd.Decode(req.Endpoint, raw.Body)
	if err != nil {
		return e.fail(ctx, req, amd.Wrap(req.Endpoint, err), raw.Body)
	}
	if resp.Failed() {
		res := e.fail(ctx, req, amd.NewAPIError(req.Endpoint, resp.ErrMessage), raw.Body)
		res.Response = resp
		return res
	}

	e.limiter.RecordSuccess(ctx, req.Endpoint)
	return Result{Success: true, Data: resp.Body, Response: resp}
}

func (e *Executor) fail(ctx context.Context, req Request, ae *amd.Error, body []byte) Result {
	if ae.IsAuth() {
		e.tokens.Invalidate()
	}
	e.limiter.RecordFailure(ctx, req.Endpoint, ae.Message, ae.IsRateLimit())
	e.logger.Error().
		Str("endpoint", req.Endpoint).
		Str("kind", ae.Kind.String()).
		Str("code", ae.Code).
		Msg(ae.Message)
	return failed(ae, body)
}

func failed(ae *amd.Error, body []byte) Result {
	res := Result{Err: ae}
	if len(body) > 0 {
		res.Response = &amd.Response{Raw: body}
	}
	return res
}

func (e *Executor) open(ctx context.Context, req Request, attempt int) *synclog.Entry {
	if e.logs == nil || req.SyncLog == nil {
		return nil
	}
	entry := synclog.New(*req.SyncLog, req.Endpoint, req.Payload, e.opts.Now())
	entry.RetryCount = attempt
	if err := e.logs.Create(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("endpoint", req.Endpoint).Msg("failed to write sync log")
		return nil
	}
	return entry
}

func (e *Executor) close(ctx context.Context, entry *synclog.Entry, res Result) {
	now := e.opts.Now()
	var response any
	if res.Response != nil && len(res.Response.Raw) > 0 {
		response = []byte(res.Response.Raw)
	}
	var err error
	if res.Success {
		err = entry.Succeed(now, response, "")
	} else {
		err = entry.Fail(now, response, res.Err.Error())
	}
	if err == nil {
		err = e.logs.Finish(ctx, entry)
	}
	if err != nil {
		e.logger.Warn().Err(err).Stringer("sync_log_id", entry.ID).Msg("failed to close sync log")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for rate limit: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
