package flowstatesdk

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
)

// Client is a minimal Flowstate HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Item represents a work item on the board (partial).
type Item struct {
	ID          string   `json:"id"`
	TemplateKey string   `json:"template_key"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Constraints []string `json:"constraints"`
	Readiness   string   `json:"readiness"`
	Fragile     bool     `json:"fragile"`
	Stage       string   `json:"stage"`
}

type Stage struct {
	ID        string `json:"id"`
	WipLimit  int    `json:"wip_limit"`
	OverLimit bool   `json:"over_limit"`
	Items     []Item `json:"items"`
}

type Board struct {
	Day    int     `json:"day"`
	Phase  string  `json:"phase"`
	Stages []Stage `json:"stages"`
}

// Find returns the first item built from templateKey.
func (b Board) Find(templateKey string) (Item, bool) {
	for _, st := range b.Stages {
		for _, it := range st.Items {
			if it.TemplateKey == templateKey {
				return it, true
			}
		}
	}
	return Item{}, false
}

type Resources struct {
	Funds     int `json:"funds"`
	Materials int `json:"materials"`
}

type Session struct {
	ID        string    `json:"id"`
	Chapter   string    `json:"chapter"`
	Day       int       `json:"day"`
	Phase     string    `json:"phase"`
	Allowed   []string  `json:"allowed"`
	Resources Resources `json:"resources"`
	Morale    int       `json:"morale"`
}

type Transition struct {
	Item      Item      `json:"item"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Resources Resources `json:"resources"`
}

type Proposal struct {
	Sound   []string `json:"sound"`
	Risky   []string `json:"risky"`
	Blocked []string `json:"blocked"`
}

type Commitment struct {
	Day      int               `json:"day"`
	Promised []string          `json:"promised"`
	Outcomes map[string]string `json:"outcomes"`
	PPC      int               `json:"ppc"`
}

type AdvanceResult struct {
	ClosedDay    int               `json:"closed_day"`
	Day          int               `json:"day"`
	Phase        string            `json:"phase"`
	WindowClosed bool              `json:"window_closed"`
	Resolved     map[string]string `json:"resolved"`
	Script       []string          `json:"script"`
}

type Metrics struct {
	PPC    int `json:"ppc"`
	Morale int `json:"morale"`
}

// Event represents a log entry.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	Day     int            `json:"day"`
	Type    string         `json:"type"`
	ItemID  string         `json:"item_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "session", nil, &resp)
	return resp, err
}

// Reset starts a new session; an empty chapter keeps the current one.
func (c *Client) Reset(ctx context.Context, chapter string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/reset", map[string]any{"chapter": chapter}, &resp)
	return resp, err
}

func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "board", nil, &resp)
	return resp, err
}

// Move pulls an item to an adjacent stage.
func (c *Client) Move(ctx context.Context, itemID, to string) (Transition, error) {
	var resp Transition
	endpoint := fmt.Sprintf("items/%s/move", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"to": to}, &resp)
	return resp, err
}

func (c *Client) SetWipLimit(ctx context.Context, stage string, limit int) (Stage, error) {
	var resp Stage
	endpoint := fmt.Sprintf("stages/%s/wip", url.PathEscape(stage))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"limit": limit}, &resp)
	return resp, err
}

func (c *Client) Propose(ctx context.Context, ids []string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "commitment/propose", map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) Commit(ctx context.Context, ids []string) (Commitment, error) {
	var resp Commitment
	err := c.do(ctx, http.MethodPost, "commitment", map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) Advance(ctx context.Context) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, "advance", nil, &resp)
	return resp, err
}

func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "metrics", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing starting after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
