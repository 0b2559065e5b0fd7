package reconstruct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/align"
)

// ErrDisabled is returned when no reconstruction URL is configured.
var ErrDisabled = errors.New("reconstruction service not configured")

// Request asks the reconstruction service to start a 4D capture using the
// current fusion state.
type Request struct {
	ID        string       `json:"id"`
	Time      time.Time    `json:"time"`
	Mode      string       `json:"mode"`
	Style     string       `json:"style"`
	Alignment align.Params `json:"alignment"`
}

// Result records the outcome of the most recent trigger.
type Result struct {
	ID       string    `json:"id"`
	OK       bool      `json:"ok"`
	Status   int       `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// Client talks to the reconstruction service.
type Client struct {
	apiURL string
	apiKey string
	http   *http.Client

	wg   sync.WaitGroup
	mu   sync.Mutex
	last *Result
}

// NewClient creates a client. An empty apiURL disables it.
func NewClient(apiURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a service URL is configured.
func (c *Client) Enabled() bool {
	return c.apiURL != ""
}

// Trigger sends req in the background and returns its ID at once. The
// outcome is logged and available from Last. A missing ID is filled in.
func (c *Client) Trigger(req Request) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := Result{ID: req.ID}
		status, err := c.Send(context.Background(), req)
		res.Status = status
		res.Finished = time.Now()
		if err != nil {
			res.Error = err.Error()
			log.Warn().Err(err).Str("id", req.ID).Msg("reconstruction trigger failed")
		} else {
			res.OK = true
			log.Info().Str("id", req.ID).Int("status", status).Msg("reconstruction triggered")
		}
		c.mu.Lock()
		c.last = &res
		c.mu.Unlock()
	}()
	return req.ID, nil
}

// Send posts req to <url>/trigger and returns the HTTP status. Any non-2xx
// status is an error.
func (c *Client) Send(ctx context.Context, req Request) (int, error) {
	if !c.Enabled() {
		return 0, ErrDisabled
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/trigger", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("submit trigger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("service error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Last returns the most recent trigger outcome, or nil if none finished.
func (c *Client) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	r := *c.last
	return &r
}

// Wait blocks until every background trigger has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}
