// Package client is a Go client for the agentd gateway.
//
// Example:
//
//	c := client.New("http://127.0.0.1:8420", client.WithToken(os.Getenv("AGENTD_TOKEN")))
//	exec, err := c.Execute(ctx, client.ExecuteRequest{Task: "summarize README.md"})
//	if err != nil {
//	    return err
//	}
//	task, err := c.Wait(ctx, exec.TaskID, client.WaitOptions{Ceiling: 2 * time.Minute})
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// ErrWaitTimeout is returned by Wait when the task did not reach a terminal
// status within the ceiling. The task itself keeps running.
var ErrWaitTimeout = errors.New("agentd: wait ceiling exceeded")

// ErrStreamEnded is returned by Stream when the connection closed before the
// final event.
var ErrStreamEnded = errors.New("agentd: stream ended before final event")

// maxLine bounds one NDJSON event.
const maxLine = 4 << 20

// Client talks to one agentd gateway.
type Client struct {
	base      string
	token     string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimSuffix(baseURL, "/"),
		userAgent: "agentd-client",
		http:      http.DefaultClient,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("agentd: encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// do sends a JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLine))
	if err != nil {
		return fmt.Errorf("agentd: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return apiError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("agentd: decode %s %s: %w", method, path, err)
	}
	return nil
}

// apiError builds an APIError from an error body. Bodies that are not JSON
// become the message verbatim.
func apiError(resp *http.Response, data []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode}
	if gjson.ValidBytes(data) {
		body := gjson.ParseBytes(data)
		e.Message = body.Get("error").String()
		e.Code = body.Get("code").String()
		if ms := body.Get("retryAfterMs").Int(); ms > 0 {
			e.RetryAfter = time.Duration(ms) * time.Millisecond
		}
	} else {
		e.Message = strings.TrimSpace(string(data))
	}
	if e.RetryAfter == 0 {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			e.RetryAfter = time.Duration(s) * time.Second
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Route asks which agent would handle a task, without running it.
func (c *Client) Route(ctx context.Context, req RouteRequest) (*Routing, error) {
	var out Routing
	if err := c.do(ctx, http.MethodPost, "/route", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute submits a task. It returns once the task is accepted.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	var out Execution
	if err := c.do(ctx, http.MethodPost, "/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task fetches a task snapshot.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a task and returns its terminal snapshot. Cancelling a
// finished task returns it unchanged.
func (c *Client) Cancel(ctx context.Context, taskID string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents lists registered agents in registry order.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// InvokeTool runs one tool directly. A tool that ran and failed yields a
// result with Success false and a nil error; rejected calls (unknown tool,
// permission, validation, rate limit) yield an *APIError.
func (c *Client) InvokeTool(ctx context.Context, tool string, input json.RawMessage) (*ToolResult, error) {
	var out ToolResult
	if err := c.do(ctx, http.MethodPost, "/tool", ToolCall{Tool: tool, Input: input}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvokeBatch runs several tool calls in one request.
func (c *Client) InvokeBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	var out BatchResponse
	if err := c.do(ctx, http.MethodPost, "/tools/batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports gateway liveness. It needs no token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream reads a task's events and calls fn for each, in order. It returns
// nil after the final event, fn's error if fn fails, or ErrStreamEnded if
// the server closed the stream early.
func (c *Client) Stream(ctx context.Context, taskID string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxLine))
		return apiError(resp, data)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := parseEvent(line)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Final {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("agentd: read stream: %w", err)
	}
	return ErrStreamEnded
}

func parseEvent(line []byte) (Event, error) {
	if !gjson.ValidBytes(line) {
		return Event{}, fmt.Errorf("agentd: malformed stream line %q", truncate(line, 80))
	}
	r := gjson.ParseBytes(line)
	return Event{
		Seq:    r.Get("seq").Uint(),
		Type:   r.Get("type").String(),
		TaskID: r.Get("taskId").String(),
		Status: r.Get("status").String(),
		Progress: Progress{
			Current: int(r.Get("progress.current").Int()),
			Total:   int(r.Get("progress.total").Int()),
			Message: r.Get("progress.message").String(),
		},
		Delta:   r.Get("delta").String(),
		Tool:    r.Get("toolCall.name").String(),
		Result:  r.Get("result").String(),
		Error:   r.Get("error").String(),
		Reason:  r.Get("reason").String(),
		Warning: r.Get("warning").String(),
		Final:   r.Get("final").Bool(),
		Raw:     append(json.RawMessage(nil), line...),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// WaitOptions bound Wait.
type WaitOptions struct {
	// PollInterval is the delay between snapshot polls. Default 1s.
	PollInterval time.Duration
	// Ceiling is the longest Wait blocks. Default 5m.
	Ceiling time.Duration
	// OnEvent, when set, receives every streamed event.
	OnEvent func(Event)
}

func (o *WaitOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 5 * time.Minute
	}
}

var errFound = errors.New("terminal snapshot found")

// Wait blocks until the task is terminal and returns its snapshot. The event
// stream and a polling loop run together and the first to see a terminal
// status wins, so a dropped stream only delays the answer. When the ceiling
// passes first Wait returns ErrWaitTimeout and leaves the task running.
func (c *Client) Wait(ctx context.Context, taskID string, opts WaitOptions) (*Task, error) {
	opts.defaults()
	waitCtx, cancel := context.WithTimeout(ctx, opts.Ceiling)
	defer cancel()

	var (
		once  sync.Once
		final *Task
	)
	found := func(t *Task) error {
		once.Do(func() { final = t })
		return errFound
	}

	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error {
		err := c.Stream(gctx, taskID, func(ev Event) error {
			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
			if !ev.Final {
				return nil
			}
			t, err := c.Task(gctx, taskID)
			if err != nil || !t.Terminal() {
				t = &Task{ID: taskID, Status: ev.Status, Result: ev.Result, Error: ev.Error, Reason: ev.Reason, Warning: ev.Warning}
			}
			return found(t)
		})
		if errors.Is(err, errFound) {
			return err
		}
		if err != nil && gctx.Err() == nil {
			c.logger.Debug("task stream failed, relying on polling", "task_id", taskID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			t, err := c.Task(gctx, taskID)
			switch {
			case err == nil && t.Terminal():
				return found(t)
			case IsNotFound(err):
				return err
			case err != nil && gctx.Err() == nil:
				c.logger.Debug("task poll failed", "task_id", taskID, "error", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()

	if final != nil {
		return final, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitCtx.Err() != nil {
		return nil, fmt.Errorf("%w: task %s after %s", ErrWaitTimeout, taskID, opts.Ceiling)
	}
	return nil, err
}
