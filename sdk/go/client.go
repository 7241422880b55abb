package giglinesdk

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
)

// Client is a minimal Gigline HTTP API client.
type Client struct {
	BaseURL      string
	SessionToken string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Gig represents the API gig model.
type Gig struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	PaymentAmount  float64 `json:"payment_amount"`
	ClientAddress  string  `json:"client_address"`
	WorkerAddress  *string `json:"worker_address,omitempty"`
	Status         string  `json:"status"`
	LedgerStatus   string  `json:"ledger_status"`
	ContractID     *string `json:"contract_id,omitempty"`
	ContractResult *string `json:"contract_result,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// Contract is the ledger outcome attached to a freshly created gig.
type Contract struct {
	JobID  string `json:"job_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// CreatedGig pairs a gig with its ledger mirror outcome.
type CreatedGig struct {
	Gig           Gig       `json:"gig"`
	Contract      *Contract `json:"contract,omitempty"`
	ContractError *string   `json:"contract_error,omitempty"`
}

// CompletedGig pairs a completed gig with the complete_job outcome.
type CompletedGig struct {
	Gig      Gig       `json:"gig"`
	Contract *Contract `json:"contract,omitempty"`
}

// MyGigs groups gigs by the role an address played.
type MyGigs struct {
	Posted   []Gig `json:"posted"`
	Accepted []Gig `json:"accepted"`
}

// User represents a marketplace profile.
type User struct {
	Address    string `json:"address"`
	Reputation int64  `json:"reputation"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// GigPage is one page of the gig listing. NextCursor is taken from the
// X-Next-Cursor response header and is empty on the final page or when
// no limit was requested.
type GigPage struct {
	Items      []Gig
	NextCursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateGigOptions are the fields accepted by CreateGig. WorkerAddress
// pre-names a worker; the gig still opens and must be accepted.
type CreateGigOptions struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	PaymentAmount float64 `json:"payment_amount"`
	ClientAddress string  `json:"client_address,omitempty"`
	WorkerAddress string  `json:"worker_address,omitempty"`
}

func (c *Client) CreateGig(ctx context.Context, opts CreateGigOptions) (CreatedGig, error) {
	var out CreatedGig
	err := c.do(ctx, http.MethodPost, "gigs", opts, &out)
	return out, err
}

func (c *Client) ListGigs(ctx context.Context, status string, limit int, cursor string) (GigPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "gigs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var items []Gig
	header, err := c.doHeader(ctx, http.MethodGet, endpoint, nil, &items)
	if err != nil {
		return GigPage{}, err
	}
	return GigPage{Items: items, NextCursor: header.Get("X-Next-Cursor")}, nil
}

func (c *Client) GetGig(ctx context.Context, id string) (Gig, error) {
	var out Gig
	err := c.do(ctx, http.MethodGet, "gigs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) AcceptGig(ctx context.Context, id, workerAddress string) (Gig, error) {
	var out Gig
	err := c.do(ctx, http.MethodPost, "gigs/"+url.PathEscape(id)+"/accept", map[string]any{
		"worker_address": workerAddress,
	}, &out)
	return out, err
}

func (c *Client) CompleteGig(ctx context.Context, id, callerAddress, sourceSecret string) (CompletedGig, error) {
	body := map[string]any{}
	if callerAddress != "" {
		body["caller_address"] = callerAddress
	}
	if sourceSecret != "" {
		body["source_secret"] = sourceSecret
	}
	var out CompletedGig
	err := c.do(ctx, http.MethodPost, "gigs/"+url.PathEscape(id)+"/complete", body, &out)
	return out, err
}

func (c *Client) MyGigs(ctx context.Context, address string) (MyGigs, error) {
	var out MyGigs
	err := c.do(ctx, http.MethodGet, "gigs/my-gigs?address="+url.QueryEscape(address), nil, &out)
	return out, err
}

func (c *Client) User(ctx context.Context, address string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(address), nil, &out)
	return out, err
}

func (c *Client) Reputation(ctx context.Context, address string) (int64, error) {
	var out struct {
		Reputation int64 `json:"reputation"`
	}
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(address)+"/reputation", nil, &out)
	return out.Reputation, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// OpenSession mints a wallet session token and stores it on the client.
func (c *Client) OpenSession(ctx context.Context, address string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/session", map[string]any{"address": address}, &out)
	if err != nil {
		return "", err
	}
	c.SessionToken = out.Token
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doHeader(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doHeader(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
