package amd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Shape identifies which of the vendor's response envelopes was received.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeMessage is the attribute-style {"ppmdmsg": {...}} envelope.
	ShapeMessage
	// ShapeResults is the nested {"PPMDResults": {"Results": {...}}} envelope.
	ShapeResults
)

func (s Shape) String() string {
	switch s {
	case ShapeMessage:
		return "ppmdmsg"
	case ShapeResults:
		return "PPMDResults"
	default:
		return "unknown"
	}
}

const (
	msgKey     = "ppmdmsg"
	resultsKey = "PPMDResults"
)

// Doc is a decoded JSON object from a vendor response. Accessors never panic
// on missing keys or unexpected types.
type Doc map[string]any

// Get returns the nested object at key, or nil.
func (d Doc) Get(key string) Doc {
	if d == nil {
		return nil
	}
	switch v := d[key].(type) {
	case map[string]any:
		return Doc(v)
	case Doc:
		return v
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return Doc(m)
			}
		}
	}
	return nil
}

// Has reports whether key is present.
func (d Doc) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d[key]
	return ok
}

// Str returns the first non-empty value among keys, rendered as a string.
func (d Doc) Str(keys ...string) string {
	if d == nil {
		return ""
	}
	for _, k := range keys {
		switch v := d[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		case json.Number:
			return v.String()
		case map[string]any:
			// {"#text": "..."} nodes carry their value under #text.
			if s, ok := v["#text"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Float returns the first parsable numeric value among keys.
func (d Doc) Float(keys ...string) float64 {
	for _, k := range keys {
		s := d.Str(k)
		if s == "" {
			continue
		}
		s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

// Int returns the first parsable integer value among keys.
func (d Doc) Int(keys ...string) int {
	return int(d.Float(keys...))
}

// Bool interprets common vendor truthy spellings.
func (d Doc) Bool(keys ...string) bool {
	switch strings.ToLower(d.Str(keys...)) {
	case "1", "true", "y", "yes", "active":
		return true
	}
	return false
}

// List returns the objects at key. The vendor sends a bare object when a
// collection has one member, so both forms are accepted.
func (d Doc) List(key string) []Doc {
	if d == nil {
		return nil
	}
	switch v := d[key].(type) {
	case map[string]any:
		return []Doc{Doc(v)}
	case Doc:
		return []Doc{v}
	case []any:
		out := make([]Doc, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, Doc(m))
			}
		}
		return out
	}
	return nil
}

// Response is the normalized view of either vendor envelope.
type Response struct {
	Shape Shape
	// Body is the content of ppmdmsg, or of PPMDResults.Results.
	Body       Doc
	Status     string
	ErrMessage string
	Raw        json.RawMessage
}

// Failed reports whether the vendor flagged the request as an error.
func (r *Response) Failed() bool {
	return r.ErrMessage != "" || strings.EqualFold(r.Status, "error")
}

// UserContext returns the usercontext node of a login response.
func (r *Response) UserContext() Doc {
	return r.Body.Get("usercontext")
}

// Token extracts a session token carried in the body, if any.
func (r *Response) Token() string {
	if r.Shape == ShapeResults {
		return r.UserContext().Str("#text")
	}
	return r.Body.Str("token", "@token")
}

// Decode parses raw bytes and detects which envelope is present. A body that
// is not JSON or has neither envelope yields a structural error.
func Decode(endpoint string, raw []byte) (*Response, error) {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, NewStructuralError(endpoint, fmt.Sprintf("decode response: %v", err))
	}

	if msg, ok := top[msgKey].(map[string]any); ok {
		body := Doc(msg)
		r := &Response{Shape: ShapeMessage, Body: body, Raw: raw, Status: body.Str("@status")}
		if r.Failed() {
			r.ErrMessage = body.Str("@errormessage", "@message", "errormessage")
			if r.ErrMessage == "" {
				r.ErrMessage = "vendor returned error status"
			}
		}
		if e := body.Get("Error"); e != nil {
			r.Status = "error"
			r.ErrMessage = faultDescription(Doc(e))
		}
		return r, nil
	}

	if res, ok := top[resultsKey].(map[string]any); ok {
		results := Doc(res)
		r := &Response{Shape: ShapeResults, Body: results.Get("Results"), Raw: raw}
		if e := results.Get("Error"); e != nil {
			r.Status = "error"
			r.ErrMessage = faultDescription(e)
		}
		if r.Body == nil && !r.Failed() {
			return nil, NewStructuralError(endpoint, "PPMDResults envelope has no Results")
		}
		return r, nil
	}

	return nil, NewStructuralError(endpoint, "response has no ppmdmsg or PPMDResults envelope")
}

func faultDescription(e Doc) string {
	if msg := e.Get("Fault").Get("detail").Str("description"); msg != "" {
		return msg
	}
	if msg := e.Str("description", "@description", "message"); msg != "" {
		return msg
	}
	return "vendor returned an error"
}

// NewMessage builds a request envelope. Payload keys are copied on top of the
// action, class and timestamp attributes.
func NewMessage(action, class string, at time.Time, payload map[string]any) map[string]any {
	msg := map[string]any{
		"@action":  action,
		"@class":   class,
		"@msgtime": MsgTime(at),
	}
	for k, v := range payload {
		msg[k] = v
	}
	return map[string]any{msgKey: msg}
}
