package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/tasksync/internal/task"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 30 * time.Second

const maxErrorBody = 512

var ErrUnauthenticated = errors.New("not logged in")

// StatusError is any non-2xx reply. The body is kept for display only;
// the server has no structured error format.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
}

// Unauthorized reports whether the server rejected the credential, which
// callers treat as "log in again".
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client calls the REST side of the task server. Calls are independent;
// none of them touch the duplex channel.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// WithToken returns a copy that authenticates every request with the
// bearer token through an oauth2 transport.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   base,
	}
	clone.http = &hc
	return &clone
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Token() string { return c.token }

func (c *Client) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	return c.do(ctx, "register", http.MethodPost, "/auth/register", body, nil, false)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", body, &resp, false); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login: empty token in response")
	}
	return resp.Token, nil
}

func (c *Client) CurrentUser(ctx context.Context) (task.User, error) {
	var resp struct {
		User task.User `json:"user"`
	}
	if err := c.do(ctx, "current user", http.MethodPost, "/api/users/user", nil, &resp, true); err != nil {
		return task.User{}, err
	}
	return resp.User, nil
}

func (c *Client) Users(ctx context.Context) ([]task.User, error) {
	var resp struct {
		Users []task.User `json:"users"`
	}
	if err := c.do(ctx, "list users", http.MethodGet, "/api/users", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) Suggest(ctx context.Context, prompt string) ([]string, error) {
	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.do(ctx, "suggest", http.MethodPost, "/api/tasks/suggest", map[string]string{"prompt": prompt}, &resp, true); err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}

func (c *Client) Breakdown(ctx context.Context, prompt string) ([]string, error) {
	var resp struct {
		Breakdown []string `json:"breakdown"`
	}
	if err := c.do(ctx, "breakdown", http.MethodPost, "/api/tasks/breakdown", map[string]string{"prompt": prompt}, &resp, true); err != nil {
		return nil, err
	}
	return resp.Breakdown, nil
}

// Prioritize asks the server to order tasks. The endpoint path keeps the
// server's spelling.
func (c *Client) Prioritize(ctx context.Context, tasks []task.Task) ([]task.Task, error) {
	var resp struct {
		PrioritizedTasks []task.Task `json:"prioritized_tasks"`
	}
	body := struct {
		Tasks []task.Task `json:"Tasks"`
	}{Tasks: tasks}
	if err := c.do(ctx, "prioritize", http.MethodPost, "/api/tasks/priotize", body, &resp, true); err != nil {
		return nil, err
	}
	return resp.PrioritizedTasks, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, auth bool) error {
	if auth && c.token == "" {
		return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
