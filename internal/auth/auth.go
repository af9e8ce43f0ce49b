package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrLoginFailed = errors.New("login failed")
	ErrNoBaseURL   = errors.New("auth: api base url not configured")
)

// Result is the body of a successful login.
type Result struct {
	AccessToken string `json:"access_token"`
	UserName    string `json:"user_name"`
	TokenType   string `json:"token_type,omitempty"`
}

// Error carries the backend's explanation of a rejected login.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string { return e.Detail }

func (e *Error) Is(target error) bool { return target == ErrLoginFailed }

// Client talks to the backend's REST authentication endpoint.
type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Login exchanges email and password for a bearer credential. Credentials
// are sent form-encoded to {base}/auth/login.
func (c *Client) Login(ctx context.Context, email, password string) (Result, error) {
	if c.base == "" {
		return Result{}, ErrNoBaseURL
	}
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrLoginFailed, err)
	}

	if resp.StatusCode >= 300 {
		return Result{}, &Error{StatusCode: resp.StatusCode, Detail: detail(body)}
	}
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrLoginFailed, err)
	}
	if r.AccessToken == "" {
		return Result{}, &Error{StatusCode: resp.StatusCode, Detail: "Login failed"}
	}
	return r, nil
}

// detail pulls a human readable reason out of an error body. It accepts a
// plain string detail or a validation list of {msg} objects.
func detail(body []byte) string {
	d := gjson.GetBytes(body, "detail")
	switch {
	case d.Type == gjson.String && d.String() != "":
		return d.String()
	case d.IsArray():
		var msgs []string
		for _, m := range d.Get("#.msg").Array() {
			msgs = append(msgs, m.String())
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return "Login failed"
}
