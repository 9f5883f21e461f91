package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Jobline HTTP API client.
type Client struct {
	BaseURL     string
	ShopID      string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers
	// only honor it with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, shopID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ShopID:  shopID,
		Timeout: 10 * time.Second,
	}
}

type Vehicle struct {
	Plate string `json:"plate"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
}

type Customer struct {
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Email   string  `json:"email,omitempty"`
	Vehicle Vehicle `json:"vehicle"`
}

// Item is the API job item model (partial).
type Item struct {
	ID                string          `json:"id"`
	Description       string          `json:"description"`
	LaborCategory     string          `json:"labor_category"`
	EstimatedManHours decimal.Decimal `json:"estimated_man_hours"`
	WorkersAllowed    int             `json:"number_of_workers_allowed"`
	EstimatedPrice    decimal.Decimal `json:"estimated_price"`
	Status            string          `json:"status"`
}

// Job is the API job model (partial).
type Job struct {
	ID             string          `json:"id"`
	ShopID         string          `json:"shop_id"`
	JobCardNumber  string          `json:"job_card_number"`
	Customer       Customer        `json:"customer"`
	Status         string          `json:"status"`
	Items          []Item          `json:"items"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	ActualTotal    decimal.Decimal `json:"actual_total"`
	Version        int64           `json:"version"`
}

// NewItem describes an item when opening a job.
type NewItem struct {
	Description       string `json:"description"`
	Priority          string `json:"priority,omitempty"`
	LaborCategory     string `json:"labor_category"`
	EstimatedManHours string `json:"estimated_man_hours"`
	WorkersAllowed    int    `json:"number_of_workers_allowed"`
}

type Assignment struct {
	ID         string          `json:"id"`
	WorkerID   string          `json:"worker_id,omitempty"`
	MachineID  string          `json:"machine_id,omitempty"`
	HourlyRate decimal.Decimal `json:"hourly_rate"`
}

type Timer struct {
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	RunningSince  *time.Time `json:"running_since,omitempty"`
	AccumulatedMS int64      `json:"accumulated_ms"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ShopID     string         `json:"shop_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

type ActorProfile struct {
	ShopID      string   `json:"shop_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError is a non-2xx response. Code carries the error envelope code,
// e.g. capacity_exceeded or job_locked.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateJob(ctx context.Context, customer Customer, items []NewItem, notes string) (Job, error) {
	body := map[string]any{
		"customer": map[string]any{
			"name":  customer.Name,
			"phone": customer.Phone,
			"email": customer.Email,
			"plate": customer.Vehicle.Plate,
			"make":  customer.Vehicle.Make,
			"model": customer.Vehicle.Model,
		},
		"items": items,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.shopPath("jobs"), body, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, jobPath(jobID, ""), nil, &resp)
	return resp, err
}

func (c *Client) VerifyJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "verify"), nil, &resp)
	return resp, err
}

func (c *Client) AssignWorker(ctx context.Context, jobID, itemID, workerID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, itemPath(jobID, itemID, "workers"), map[string]any{"worker_id": workerID}, &resp)
	return resp, err
}

func (c *Client) AssignMachine(ctx context.Context, jobID, itemID, machineID, estimatedHours string) (Assignment, error) {
	body := map[string]any{"machine_id": machineID}
	if estimatedHours != "" {
		body["estimated_hours"] = estimatedHours
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, itemPath(jobID, itemID, "machines"), body, &resp)
	return resp, err
}

// Timer applies action ("start", "pause" or "stop") to an assignment timer.
func (c *Client) Timer(ctx context.Context, jobID, itemID, assignmentID, action string) (Timer, error) {
	var resp Timer
	endpoint := itemPath(jobID, itemID, fmt.Sprintf("assignments/%s/%s", url.PathEscape(assignmentID), url.PathEscape(action)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) SupervisorApprove(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "supervisor-approve"), nil, &resp)
	return resp, err
}

func (c *Client) QAMarkGood(ctx context.Context, jobID, itemID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, itemPath(jobID, itemID, "qa/good"), nil, &resp)
	return resp, err
}

func (c *Client) QAMarkNeedsWork(ctx context.Context, jobID, itemID, notes string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, itemPath(jobID, itemID, "qa/needs-work"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.shopPath("events")
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Permissions(ctx context.Context) (ActorProfile, error) {
	var resp ActorProfile
	err := c.do(ctx, http.MethodGet, c.shopPath("me/permissions"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) shopPath(p string) string {
	return fmt.Sprintf("v0/shops/%s/%s", url.PathEscape(c.ShopID), strings.TrimLeft(p, "/"))
}

func jobPath(jobID, p string) string {
	if p == "" {
		return "v0/jobs/" + url.PathEscape(jobID)
	}
	return fmt.Sprintf("v0/jobs/%s/%s", url.PathEscape(jobID), p)
}

func itemPath(jobID, itemID, p string) string {
	return jobPath(jobID, fmt.Sprintf("items/%s/%s", url.PathEscape(itemID), p))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
