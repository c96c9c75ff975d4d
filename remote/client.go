package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// HTTPError is a non-2xx response from the authority, carrying the
// machine-readable reason when the server provided one.
type HTTPError struct {
	StatusCode int
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote: http %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("remote: http %d", e.StatusCode)
}

// Permanent reports whether the rejection must not be retried. 408 and 429
// are delivery hiccups; everything else in the 4xx range is a decision.
func (e *HTTPError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TokenSource supplies the bearer token attached to authority requests.
// Session management itself lives outside this subsystem.
type TokenSource func() string

// Client talks to the remote authority: full-collection fetches for
// initial load and resync, and per-mutation delivery.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(baseURL string, token TokenSource, httpClient *http.Client, logger *log.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient, logger: logger}
}

// CollectionPath returns the resource path for a kind's full collection.
func CollectionPath(kind domain.Kind) string {
	return "/api/" + string(kind) + "s"
}

// EntityPath returns the per-entity resource path.
func EntityPath(kind domain.Kind, id string) string {
	return CollectionPath(kind) + "/" + id
}

// FetchAll returns the authoritative array of entities for a kind.
func (c *Client) FetchAll(ctx context.Context, kind domain.Kind) ([]domain.Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+CollectionPath(kind), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var entities []domain.Entity
	if err := sonic.Unmarshal(body, &entities); err != nil {
		return nil, fmt.Errorf("remote: decode %s collection: %w", kind, err)
	}
	return entities, nil
}

// Send delivers one queued mutation. For creates the response body carries
// the authoritative entity, including the permanent id.
func (c *Client) Send(ctx context.Context, m domain.PendingMutation) (*domain.Entity, error) {
	var body io.Reader
	if len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, c.baseURL+m.Path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", m.ID)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := responseError(resp)
		c.logger.WithError(err).WithFields(log.Fields{
			"method": m.Method, "path": m.Path,
		}).Debug("mutation delivery rejected")
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var e domain.Entity
	if err := sonic.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("remote: decode entity response: %w", err)
	}
	return &e, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	reason := ""
	var parsed struct {
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(data, &parsed); err == nil {
		reason = parsed.Error
	}
	if reason == "" {
		reason = strings.TrimSpace(string(data))
	}
	return &HTTPError{StatusCode: resp.StatusCode, Reason: reason}
}
