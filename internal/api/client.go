// Package api is the REST client for conversation history, attachment
// uploads and the call log.
package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"shutterline/internal/models"
)

const (
	MaxUploadSize  = 25 << 20
	defaultTimeout = 30 * time.Second
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTooLarge     = errors.New("attachment too large")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// UploadCache remembers attachments by content hash so identical files are
// uploaded once.
type UploadCache interface {
	GetUpload(hash string) (models.Attachment, error)
	SaveUpload(hash string, att models.Attachment) error
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   UploadCache
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }
func WithUploadCache(c UploadCache) Option { return func(cl *Client) { cl.cache = c } }

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListConversations returns the conversations of the authenticated user.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, "", &out); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// ListMessages returns one page of history, newest page first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (models.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return models.MessagePage{}, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// UploadAttachment uploads a file and returns the attachment reference to
// embed in a message.
func (c *Client) UploadAttachment(ctx context.Context, name string, data []byte) (models.Attachment, error) {
	if len(data) > MaxUploadSize {
		return models.Attachment{}, ErrTooLarge
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if c.cache != nil {
		if att, err := c.cache.GetUpload(hash); err == nil {
			att.Name = name
			return att, nil
		}
	}

	mimeType := DetectType(data)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return models.Attachment{}, err
	}
	if _, err := part.Write(data); err != nil {
		return models.Attachment{}, err
	}
	if err := w.Close(); err != nil {
		return models.Attachment{}, err
	}

	var att models.Attachment
	if err := c.do(ctx, http.MethodPost, "/api/uploads", &body, w.FormDataContentType(), &att); err != nil {
		return models.Attachment{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if att.URL != "" && !strings.Contains(att.URL, "://") {
		att.URL = c.baseURL + "/" + strings.TrimPrefix(att.URL, "/")
	}
	if att.Name == "" {
		att.Name = name
	}
	if att.Type == "" {
		att.Type = mimeType
	}

	if c.cache != nil {
		if err := c.cache.SaveUpload(hash, att); err != nil {
			slog.Warn("caching upload", "hash", hash, "error", err)
		}
	}
	return att, nil
}

// UpsertCallLog creates or updates the chat record of a call.
func (c *Client) UpsertCallLog(ctx context.Context, log models.CallLog) error {
	body, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal call log: %w", err)
	}
	path := "/api/calls/" + url.PathEscape(log.CallID) + "/log"
	if err := c.do(ctx, http.MethodPut, path, bytes.NewReader(body), "application/json", nil); err != nil {
		return fmt.Errorf("failed to upsert call log: %w", err)
	}
	return nil
}

// DetectType sniffs the MIME type of data, falling back to
// application/octet-stream.
func DetectType(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		if len(data) > 0 && isText(data) {
			return "text/plain"
		}
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

func isText(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(http.DetectContentType(head), "text/")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
