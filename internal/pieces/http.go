package pieces

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rendis/flowengine/pkg/schema"
)

// HTTPConfig bounds the http_request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD","get","post","put","patch","delete","head"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "body_type": {"type": "string", "enum": ["json", "form", "text"]},
    "extract": {"type": "string"},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean"},
    "auth": {}
  },
  "required": ["url"]
}`

type httpRequestAction struct {
	cfg HTTPConfig
}

// NewHTTPRequestAction builds core.http_request. The auth prop may hold a
// bearer token string or a connection object with token, username/password or
// header_name/header_value fields.
func NewHTTPRequestAction(cfg HTTPConfig) Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &httpRequestAction{cfg: cfg}
}

func (a *httpRequestAction) Name() string { return "http_request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an HTTP request and return status, headers and the decoded body.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
		SecretProps: []string{"headers"},
	}
}

func (a *httpRequestAction) Run(ctx context.Context, rc *RunContext) (any, error) {
	props := rc.Props
	rawURL := stringParam(props, "url", "")
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}
	if q := mapParam(props, "query"); len(q) > 0 {
		values := u.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = values.Encode()
	}

	timeout := a.cfg.DefaultTimeout
	if ts := stringParam(props, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := encodeBody(props["body"], stringParam(props, "body_type", "json"))
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(props, "method", http.MethodGet))
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(props, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}
	applyAuth(req, rc.Auth)

	start := time.Now()
	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request to %s timed out after %s", u.Host, timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read response body").WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status":      resp.StatusCode,
		"headers":     headers,
		"body":        decodeBody(raw, resp.Header.Get("Content-Type")),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if path := stringParam(props, "extract", ""); path != "" && gjson.ValidBytes(raw) {
		result["extracted"] = gjson.GetBytes(raw, path).Value()
	}

	if boolParam(props, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s returned %d", method, u.Host, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": result["body"]})
	}
	return result, nil
}

func encodeBody(raw any, bodyType string) (io.Reader, string, error) {
	if raw == nil {
		return nil, "", nil
	}
	switch bodyType {
	case "form":
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "form body must be an object")
		}
		vals := url.Values{}
		for k, v := range m {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "body is not JSON encodable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

// decodeBody returns JSON bodies as generic values and anything else as text.
// Objects and arrays decode even when the server mislabels the content type.
func decodeBody(raw []byte, contentType string) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	looksJSON := strings.Contains(contentType, "json") || trimmed[0] == '{' || trimmed[0] == '['
	if looksJSON && gjson.ValidBytes(trimmed) {
		return gjson.ParseBytes(trimmed).Value()
	}
	return string(raw)
}

func applyAuth(req *http.Request, auth any) {
	switch v := auth.(type) {
	case string:
		if v != "" {
			req.Header.Set("Authorization", "Bearer "+v)
		}
	case map[string]any:
		switch {
		case stringParam(v, "token", "") != "":
			req.Header.Set("Authorization", "Bearer "+stringParam(v, "token", ""))
		case stringParam(v, "username", "") != "":
			req.SetBasicAuth(stringParam(v, "username", ""), stringParam(v, "password", ""))
		case stringParam(v, "header_name", "") != "":
			req.Header.Set(stringParam(v, "header_name", ""), stringParam(v, "header_value", ""))
		}
	}
}
