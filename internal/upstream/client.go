// Package upstream talks to the tenants' ERP instances over their
// JSON-RPC web API: session authentication, model method calls, and the
// session pool that reuses authenticated handles per tenant.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bridgecore/gateway/internal/payload"
)

// ErrSessionExpired signals the upstream rejected our session token; the
// pool drops the handle and retries once after reauthenticating.
var ErrSessionExpired = errors.New("upstream: session expired")

// ErrAuthRejected signals the upstream refused the tenant's credentials.
var ErrAuthRejected = errors.New("upstream: authentication rejected")

const sessionExpiredCode = 100

// Session is the ephemeral per-tenant handle state.
type Session struct {
	ID  string
	UID int64
}

// Client speaks the upstream's JSON-RPC dialect against one base URL.
type Client struct {
	httpc   *http.Client
	baseURL string
}

// NewClient builds a client for a tenant's upstream. Timeouts come from
// the caller's context, not the transport.
func NewClient(baseURL string) *Client {
	return &Client{
		httpc:   &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Authenticate opens a web session and returns its handle.
func (c *Client) Authenticate(ctx context.Context, db, login, password string) (*Session, error) {
	body, err := c.post(ctx, "/web/session/authenticate", map[string]interface{}{
		"db":       db,
		"login":    login,
		"password": password,
	}, "")
	if err != nil {
		return nil, err
	}

	var result struct {
		UID       json.Number `json:"uid"`
		SessionID string      `json:"session_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		// uid is false (not a number) when credentials are rejected.
		return nil, ErrAuthRejected
	}
	uid, err := result.UID.Int64()
	if err != nil || uid == 0 {
		return nil, ErrAuthRejected
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("upstream: authenticate returned no session id")
	}
	return &Session{ID: result.SessionID, UID: uid}, nil
}

// CallKw invokes model.method with positional args and kwargs under an
// authenticated session.
func (c *Client) CallKw(ctx context.Context, sess *Session, model, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return c.post(ctx, "/web/dataset/call_kw", map[string]interface{}{
		"model":  model,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	}, sess.ID)
}

func (c *Client) post(ctx context.Context, path string, params interface{}, sessionID string) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "call", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("upstream: decode response (status %d): %w", resp.StatusCode, err)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == sessionExpiredCode ||
			strings.Contains(rpcResp.Error.Data.Name, "SessionExpired") {
			return nil, ErrSessionExpired
		}
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Name:    rpcResp.Error.Data.Name,
			Message: firstNonEmpty(rpcResp.Error.Data.Message, rpcResp.Error.Message),
		}
	}
	return rpcResp.Result, nil
}

// RPCError is a structured upstream fault. Its message is logged and
// recorded but never forwarded verbatim to clients.
type RPCError struct {
	Code    int
	Name    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream rpc error %d (%s): %s", e.Code, e.Name, e.Message)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// buildCall maps a gateway operation and its validated payload onto the
// upstream method and argument shape.
func buildCall(op, model string, p payload.Value) (method string, args []interface{}, kwargs map[string]interface{}, err error) {
	get := func(key string) (interface{}, bool) {
		v, ok := p.Get(key)
		if !ok || v.IsNull() {
			return nil, false
		}
		return v.Interface(), true
	}
	kwargs = map[string]interface{}{}
	copyKw := func(keys ...string) {
		for _, k := range keys {
			if v, ok := get(k); ok {
				kwargs[k] = v
			}
		}
	}

	switch op {
	case "search":
		domain, _ := get("domain")
		if domain == nil {
			domain = []interface{}{}
		}
		args = []interface{}{domain}
		copyKw("offset", "limit", "order")
		return op, args, kwargs, nil
	case "search_read":
		copyKw("domain", "fields", "offset", "limit", "order")
		return op, nil, kwargs, nil
	case "read":
		ids, _ := get("ids")
		args = []interface{}{ids}
		copyKw("fields")
		return op, args, kwargs, nil
	case "search_count":
		domain, _ := get("domain")
		if domain == nil {
			domain = []interface{}{}
		}
		return op, []interface{}{domain}, kwargs, nil
	case "fields_get":
		copyKw("attributes")
		return op, nil, kwargs, nil
	case "name_search":
		name, _ := get("name")
		if name == nil {
			name = ""
		}
		args = []interface{}{name}
		copyKw("args", "operator", "limit")
		return op, args, kwargs, nil
	case "name_get":
		ids, _ := get("ids")
		return op, []interface{}{ids}, kwargs, nil
	case "create":
		values, _ := get("values")
		return op, []interface{}{values}, kwargs, nil
	case "write":
		ids, _ := get("ids")
		values, _ := get("values")
		return op, []interface{}{ids, values}, kwargs, nil
	case "unlink":
		ids, _ := get("ids")
		return op, []interface{}{ids}, kwargs, nil
	case "call_kw":
		mv, ok := p.Get("method")
		ms, isStr := mv.StringVal()
		if !ok || !isStr || ms == "" {
			return "", nil, nil, fmt.Errorf("call_kw: method is required")
		}
		if v, ok := get("args"); ok {
			if list, isList := v.([]interface{}); isList {
				args = list
			}
		}
		if v, ok := get("kwargs"); ok {
			if m, isMap := v.(map[string]interface{}); isMap {
				kwargs = m
			}
		}
		return ms, args, kwargs, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported operation %q", op)
	}
}
