// Package chatsync keeps a chat client's conversations in sync with a chat
// backend.
//
// It maintains a live transport (WebSocket or SSE) with fixed-delay
// reconnects, routes inbound events to the right conversation, reconciles
// optimistic sends with server-confirmed messages, tracks unread counts and
// falls back to polling when no live endpoint is configured.
//
// Example:
//
//	session := chatsync.NewSession(token, "", "17")
//	client := chatsync.NewClient(session, chatsync.WithBaseURL("https://chat.example.com"))
//	cs := chatsync.NewConversationSync(session, client)
//
//	tm := chatsync.NewTransportManager(session, chatsync.TransportConfig{})
//	cs.Attach(tm)
//	tm.Connect(ctx, chatsync.EndpointConfig{URL: "wss://chat.example.com/ws/dm"})
//
//	cs.Open(ctx, chatsync.DMKey("42"))
//	cs.Send(ctx, chatsync.DMKey("42"), "hello", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL   = "http://localhost:8000"
	DefaultChatPath  = "/api/chat"
	DefaultTimeout   = 30 * time.Second
	defaultMaxUpload = 25 << 20
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the REST collaborator ConversationSync reads and writes
// through.
type Backend interface {
	// FetchHistory returns the raw payloads of k's recent messages.
	FetchHistory(ctx context.Context, k Key) ([]json.RawMessage, error)
	// SendMessage writes one message. A nil result with a nil error is a
	// bare success: the write happened but no record came back.
	SendMessage(ctx context.Context, req SendRequest) (json.RawMessage, error)
	// MarkRead marks k as read. Direct conversations are marked per message.
	MarkRead(ctx context.Context, k Key, messageIDs []string) error
	ListChannels(ctx context.Context) ([]Channel, error)
	ListMembers(ctx context.Context) ([]Member, error)
}

// SendRequest is one outgoing message.
type SendRequest struct {
	Key        Key
	Content    string
	Kind       MessageKind
	Attachment *Attachment
	// Nonce is echoed back by backends that support it and lets a live
	// echo confirm the optimistic copy.
	Nonce string
}

// ============================================================================
// Client
// ============================================================================

// Client implements Backend over the chat REST API.
type Client struct {
	session    Session
	baseURL    string
	chatPath   string
	httpClient *http.Client
	logger     *slog.Logger
	maxUpload  int64
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithChatPath sets the path prefix of the chat routes.
func WithChatPath(p string) ClientOption {
	return func(c *Client) { c.chatPath = "/" + strings.Trim(p, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMaxUpload caps attachment size in bytes.
func WithMaxUpload(n int64) ClientOption {
	return func(c *Client) { c.maxUpload = n }
}

// NewClient creates a REST client acting as session.
func NewClient(session Session, opts ...ClientOption) *Client {
	c := &Client{
		session:  session,
		baseURL:  DefaultBaseURL,
		chatPath: DefaultChatPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:    discardLogger(),
		maxUpload: defaultMaxUpload,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, bodyReader, query)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, query map[string]string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)
	return req, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.session.Valid() {
		req.Header.Set("Authorization", c.session.AuthHeader())
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("chat api",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// apiError builds an APIError from a DRF-style error body.
func apiError(status int, data []byte) *APIError {
	e := &APIError{StatusCode: status, Code: strconv.Itoa(status)}
	if msg := gjson.GetBytes(data, "detail").String(); msg != "" {
		e.Message = msg
		return e
	}
	if gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject() {
		var parts []string
		gjson.ParseBytes(data).ForEach(func(k, v gjson.Result) bool {
			parts = append(parts, k.String()+": "+v.String())
			return true
		})
		e.Message = strings.Join(parts, "; ")
		return e
	}
	e.Message = strings.TrimSpace(string(data))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Backend implementation
// ============================================================================

// FetchHistory returns the conversation's messages. Both plain lists and
// paginated {"results": [...]} bodies are accepted.
func (c *Client) FetchHistory(ctx context.Context, k Key) ([]json.RawMessage, error) {
	var (
		path  string
		query map[string]string
	)
	switch k.Kind {
	case KindDM:
		path = c.chatPath + "/direct-messages/"
		query = map[string]string{"member": k.ID}
	case KindChannel:
		path = c.chatPath + "/channels/" + url.PathEscape(k.ID) + "/messages/"
	default:
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", k, err)
	}
	return rawList(data), nil
}

// SendMessage posts a message, as multipart/form-data when it carries an
// attachment.
func (c *Client) SendMessage(ctx context.Context, sr SendRequest) (json.RawMessage, error) {
	fields := map[string]string{
		"content":      sr.Content,
		"message_type": string(sr.Kind),
	}
	if sr.Kind == "" {
		fields["message_type"] = string(MessageText)
	}
	if sr.Nonce != "" {
		fields["client_nonce"] = sr.Nonce
	}

	var path string
	switch sr.Key.Kind {
	case KindDM:
		path = c.chatPath + "/direct-messages/"
		fields["recipient_id"] = sr.Key.ID
	case KindChannel:
		path = c.chatPath + "/messages/"
		fields["channel"] = sr.Key.ID
	default:
		return nil, ErrNoConversation
	}

	var (
		data []byte
		err  error
	)
	if sr.Attachment != nil {
		data, err = c.postMultipart(ctx, path, fields, sr.Attachment)
	} else {
		body := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			body[k] = jsonScalar(k, v)
		}
		data, err = c.doRequest(ctx, http.MethodPost, path, body, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", sr.Key, err)
	}

	r := gjson.ParseBytes(bytes.TrimSpace(data))
	if !r.IsObject() {
		return nil, nil
	}
	if !r.Get("id").Exists() && !r.Get("message.id").Exists() && !r.Get("data.id").Exists() {
		return nil, nil
	}
	return json.RawMessage(r.Raw), nil
}

// MarkRead marks a channel read, or each of messageIDs for a direct
// conversation.
func (c *Client) MarkRead(ctx context.Context, k Key, messageIDs []string) error {
	switch k.Kind {
	case KindChannel:
		_, err := c.doRequest(ctx, http.MethodPost, c.chatPath+"/channels/"+url.PathEscape(k.ID)+"/mark_read/", nil, nil)
		return err
	case KindDM:
		for _, id := range messageIDs {
			if IsTempID(id) {
				continue
			}
			_, err := c.doRequest(ctx, http.MethodPost, c.chatPath+"/direct-messages/"+url.PathEscape(id)+"/mark_read/", nil, nil)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrNoConversation
	}
}

func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.chatPath+"/channels/", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return decodeList[Channel](data)
}

// ListMembers lists the members DM conversations can be opened with.
func (c *Client) ListMembers(ctx context.Context) ([]Member, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/members/", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return decodeList[Member](data)
}

// --------------------------------------------------------------------------
// Private helpers
// --------------------------------------------------------------------------

func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, att *Attachment) ([]byte, error) {
	if c.maxUpload > 0 && int64(len(att.Data)) > c.maxUpload {
		return nil, fmt.Errorf("attachment %s is %d bytes, limit is %d", att.Name, len(att.Data), c.maxUpload)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", att.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := c.newRequest(ctx, http.MethodPost, path, &buf, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

// jsonScalar sends numeric ids as numbers.
func jsonScalar(field, v string) interface{} {
	if field == "recipient_id" || field == "channel" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return v
}

// rawList splits a list body, or the "results" of a paginated body.
func rawList(data []byte) []json.RawMessage {
	r := gjson.ParseBytes(data)
	if !r.IsArray() {
		r = r.Get("results")
	}
	var out []json.RawMessage
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, json.RawMessage(v.Raw))
		return true
	})
	return out
}

func decodeList[T any](data []byte) ([]T, error) {
	items := rawList(data)
	out := make([]T, 0, len(items))
	for _, raw := range items {
		v, err := decodeJSON[T](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// AttachmentFromFile reads a file into an Attachment.
func AttachmentFromFile(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	name := filepath.Base(path)
	return &Attachment{Name: name, MimeType: guessMimeType(name), Data: data}, nil
}

// Kind returns the message kind implied by the attachment's MIME type.
func (a *Attachment) Kind() MessageKind {
	if a == nil {
		return MessageText
	}
	mt := a.MimeType
	if mt == "" {
		mt = guessMimeType(a.Name)
	}
	if strings.HasPrefix(mt, "image/") {
		return MessageImage
	}
	return MessageFile
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
