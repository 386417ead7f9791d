package amd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultUserAgent identifies this client to the vendor.
	DefaultUserAgent = "amdsync/1.0"
	tokenCookie      = "token"
	maxResponseBytes = 10 << 20
)

// RawResponse is an HTTP response whose body has been fully read.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cookies    []*http.Cookie
}

// CookieToken returns the token cookie set by the server, if any.
func (r *RawResponse) CookieToken() string {
	for _, c := range r.Cookies {
		if c.Name == tokenCookie && c.Value != "" {
			return c.Value
		}
	}
	for _, h := range r.Header.Values("Set-Cookie") {
		for _, part := range strings.Split(h, ";") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, tokenCookie+"="); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

// Post sends body as JSON to url. When token is non-empty it is attached as
// the session cookie. Transport failures and non-2xx statuses are returned as
// *Error values; the response is still returned for non-2xx statuses.
func Post(ctx context.Context, client *http.Client, endpoint, url string, body any, token, userAgent string) (*RawResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Code: CodeValidation, Endpoint: endpoint, Message: fmt.Sprintf("encode request: %v", err), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Code: CodeNetwork, Endpoint: endpoint, Message: fmt.Sprintf("build request: %v", err), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, FromTransport(endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, FromTransport(endpoint, err)
	}

	raw := &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Cookies:    resp.Cookies(),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, FromHTTPStatus(endpoint, resp.StatusCode, errorSnippet(data))
	}
	return raw, nil
}

func errorSnippet(body []byte) string {
	if r, err := Decode("", body); err == nil && r.ErrMessage != "" {
		return r.ErrMessage
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
