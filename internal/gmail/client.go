// Package gmail provides a typed Gmail REST client with lazy credential
// handling, rate limiting and bounded retries.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://gmail.googleapis.com/gmail/v1"
	defaultMaxAttempts = 5
	defaultBackoffUnit = time.Second
	maxBackoff         = 60 * time.Second
	defaultPageSize    = 100
)

// Client implements the API interface against the Gmail REST endpoints.
type Client struct {
	httpClient  *http.Client
	creds       *CredentialSource
	pacer       *Pacer
	logger      *slog.Logger
	baseURL     string
	userID      string
	pageSize    int
	maxAttempts int
	backoffUnit time.Duration

	// injectable for tests
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64

	labelsByName map[string]string // lazily populated label name -> id cache
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPacer replaces the default rate limiter.
func WithPacer(p *Pacer) ClientOption {
	return func(c *Client) { c.pacer = p }
}

// WithBaseURL points the client at a different API root; tests use this
// with httptest servers.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithMaxAttempts bounds the retry budget per remote call. Attempts
// include the first try.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithPageSize sets the list page size.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient builds a client on top of a credential source.
func NewClient(creds *CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		creds:       creds,
		logger:      slog.Default(),
		baseURL:     defaultBaseURL,
		userID:      "me",
		pageSize:    defaultPageSize,
		maxAttempts: defaultMaxAttempts,
		backoffUnit: defaultBackoffUnit,
		sleep:       sleepCtx,
		randFloat:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pacer == nil {
		c.pacer = NewPacer(DefaultUnitsPerSecond)
	}
	return c
}

// request performs one API call with rate limiting, lazy credential
// resolution, a single forced-refresh retry on 401 and bounded backoff
// on transient failures.
func (c *Client) request(ctx context.Context, op Operation, method, path string, body []byte) ([]byte, error) {
	if err := c.pacer.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path
	refreshed := false
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", delay, "path", path)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if refreshed {
				return nil, &AuthError{Reason: "unauthorized after refresh"}
			}
			// Retry exactly once with a forced refresh; does not consume
			// the transient budget.
			refreshed = true
			attempt--
			c.creds.Invalidate()
			continue

		case http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off", "path", path, "attempt", attempt)
			c.pacer.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case http.StatusForbidden:
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off", "path", path, "attempt", attempt)
				c.pacer.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			return nil, fmt.Errorf("forbidden (403): %s", firstLine(respBody))

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, firstLine(respBody))
		}
	}

	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrUnavailable, c.maxAttempts, lastErr)
}

// backoff returns the delay before retry n (n >= 1). Exponential with
// jitter added on top of the base so successive delays never decrease.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.backoffUnit << uint(attempt-1)
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(c.randFloat() * 0.5 * float64(base))
	return base + jitter
}

// isRateLimitError checks whether a 403 body is actually a quota error;
// Gmail reports those as 403 with a rateLimitExceeded reason.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Wire-level JSON shapes, used only for unmarshaling.

type listMessagesResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	NextPageToken      string `json:"nextPageToken"`
	ResultSizeEstimate int64  `json:"resultSizeEstimate"`
}

type rawMessageResponse struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
	Snippet  string   `json:"snippet"`
	Raw      string   `json:"raw"` // base64url, typically unpadded
}

type labelResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listLabelsResponse struct {
	Labels []labelResponse `json:"labels"`
}

// ListMessages returns one page of message references matching the
// query. Pass the returned NextPageToken to resume; an empty token means
// the listing is exhausted.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string) (*MessageList, error) {
	params := url.Values{}
	params.Set("maxResults", fmt.Sprint(c.pageSize))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpMessagesList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message list: %w", err)
	}

	list := &MessageList{
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		list.Messages = append(list.Messages, MessageRef{ID: m.ID, ThreadID: m.ThreadID})
	}
	return list, nil
}

// GetMessage fetches one message in raw form and parses its MIME
// payload. Returns an error matching ErrNotFound when the id no longer
// exists.
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, url.PathEscape(id))
	data, err := c.request(ctx, OpMessagesGet, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	raw, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}

	msg, err := parseRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("parse MIME for %s: %w", resp.ID, err)
	}
	msg.ID = resp.ID
	msg.ThreadID = resp.ThreadID
	msg.Labels = resp.LabelIDs
	msg.Snippet = resp.Snippet
	return msg, nil
}

// sendRaw submits an RFC 5322 message. threadID, when non-empty, threads
// the send into an existing conversation.
func (c *Client) sendRaw(ctx context.Context, raw []byte, threadID string) error {
	payload := struct {
		Raw      string `json:"raw"`
		ThreadID string `json:"threadId,omitempty"`
	}{
		Raw:      base64.RawURLEncoding.EncodeToString(raw),
		ThreadID: threadID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal send body: %w", err)
	}
	path := fmt.Sprintf("/users/%s/messages/send", c.userID)
	_, err = c.request(ctx, OpMessagesSend, http.MethodPost, path, body)
	return err
}

// modifyLabels adds and removes label ids on one message.
func (c *Client) modifyLabels(ctx context.Context, id string, add, remove []string) error {
	payload := struct {
		AddLabelIDs    []string `json:"addLabelIds,omitempty"`
		RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
	}{AddLabelIDs: add, RemoveLabelIDs: remove}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal modify body: %w", err)
	}
	path := fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, url.PathEscape(id))
	_, err = c.request(ctx, OpMessagesModify, http.MethodPost, path, body)
	return err
}

// ensureLabel resolves a label name to its id, creating the label when
// it does not exist yet. Results are cached for the client's lifetime.
func (c *Client) ensureLabel(ctx context.Context, name string) (string, error) {
	if id, ok := c.labelsByName[name]; ok {
		return id, nil
	}

	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsList, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse labels: %w", err)
	}
	if c.labelsByName == nil {
		c.labelsByName = make(map[string]string)
	}
	for _, l := range resp.Labels {
		c.labelsByName[l.Name] = l.ID
	}
	if id, ok := c.labelsByName[name]; ok {
		return id, nil
	}

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("marshal label body: %w", err)
	}
	data, err = c.request(ctx, OpLabelCreate, http.MethodPost, path, body)
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	var created labelResponse
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("parse created label: %w", err)
	}
	c.labelsByName[name] = created.ID
	return created.ID, nil
}

// decodeBase64URL tolerates both padded and unpadded base64url input.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Ensure Client implements the API interface.
var _ API = (*Client)(nil)
