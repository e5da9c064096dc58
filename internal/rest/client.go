// Package rest is the client for the chat backend's HTTP API: paginated
// message history, text send, media upload and media URL resolution.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
)

// Endpoint paths, relative to the backend base URL.
const (
	pathMessageList   = "user/chat/message/list"
	pathMessageSend   = "user/chat/message/send"
	pathMediaUpload   = "user/media/upload"
	pathMediaDownload = "user/media/download"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	GetCredential(ctx context.Context, key string) (string, error)
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Path, e.Code, e.Message)
}

// Client talks to the backend API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	logger *zap.Logger
}

// New creates a client for baseURL. A nil hc uses a client with a 30s timeout.
func New(baseURL string, hc *http.Client, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, http: hc, tokens: tokens, logger: logger}, nil
}

// Query selects one page of a conversation's history.
type Query struct {
	ConversationID string
	Page           int
	Limit          int
	Search         string
}

// Page is one page of raw message documents, newest first.
type Page struct {
	Docs        []json.RawMessage
	Page        int
	TotalPages  int
	HasNextPage bool
}

// FetchMessages loads one page of history.
func (c *Client) FetchMessages(ctx context.Context, q Query) (*Page, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("search", q.Search)

	data, err := c.postJSON(ctx, pathMessageList, params, map[string]string{"chatId": q.ConversationID})
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(data)
	p := &Page{
		Page:       int(r.Get("page").Int()),
		TotalPages: int(r.Get("totalPages").Int()),
	}
	if p.Page == 0 {
		p.Page = q.Page
	}
	if v := r.Get("hasNextPage"); v.Exists() {
		p.HasNextPage = v.Bool()
	} else {
		p.HasNextPage = p.Page < p.TotalPages
	}
	docs := r.Get("docs")
	if !docs.Exists() && r.IsArray() {
		docs = r
	}
	for _, d := range docs.Array() {
		p.Docs = append(p.Docs, json.RawMessage(d.Raw))
	}
	c.logger.Debug("fetched messages",
		zap.String("conversation_id", q.ConversationID),
		zap.Int("page", p.Page),
		zap.Int("docs", len(p.Docs)),
		zap.Bool("has_next", p.HasNextPage))
	return p, nil
}

// SendMessage posts a message through the HTTP API instead of the socket.
func (c *Client) SendMessage(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	return c.postJSON(ctx, pathMessageSend, nil, payload)
}

// ResolveDownload exchanges a media id for a downloadable URL.
func (c *Client) ResolveDownload(ctx context.Context, mediaID string) (string, error) {
	data, err := c.postJSON(ctx, pathMediaDownload, nil, map[string]string{"mediaId": mediaID})
	if err != nil {
		return "", err
	}
	r := gjson.ParseBytes(data)
	if r.Type == gjson.String {
		return r.String(), nil
	}
	u := r.Get("url").String()
	if u == "" {
		u = r.Get("downloadUrl").String()
	}
	if u == "" {
		return "", &StatusError{Path: pathMediaDownload, Code: http.StatusOK, Message: "no url in response"}
	}
	return u, nil
}

// Open starts a GET of a media URL. The caller closes the body. size is -1
// when the server does not announce a length.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(rawURL, nil), nil)
	if err != nil {
		return nil, 0, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, 0, &StatusError{Path: rawURL, Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) postJSON(ctx context.Context, path string, params url.Values, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, params), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, path, req)
}

func (c *Client) do(ctx context.Context, path string, req *http.Request) (json.RawMessage, error) {
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return unwrapEnvelope(path, resp.StatusCode, body)
}

// unwrapEnvelope checks the {statusCode, message, data} wrapper and returns data.
func unwrapEnvelope(path string, httpStatus int, body []byte) (json.RawMessage, error) {
	r := gjson.ParseBytes(body)
	code := httpStatus
	if sc := r.Get("statusCode"); sc.Exists() {
		code = int(sc.Int())
	}
	if httpStatus < 200 || httpStatus >= 300 || code < 200 || code >= 300 {
		msg := r.Get("message").String()
		if msg == "" {
			msg = http.StatusText(code)
		}
		return nil, &StatusError{Path: path, Code: code, Message: msg}
	}
	if d := r.Get("data"); d.Exists() {
		return json.RawMessage(d.Raw), nil
	}
	return body, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.GetCredential(ctx, store.KeyAccessToken)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) resolve(path string, params url.Values) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	u := c.base.ResolveReference(ref)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}
