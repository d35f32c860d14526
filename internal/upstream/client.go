// Package upstream is the single OpenAI-compatible HTTP client used for both
// inference nodes and the cloud provider. Targets differ only in base URL,
// bearer token, extra headers and timeout.
package upstream

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

// Options configures a Client.
type Options struct {
	// BearerToken is sent as "Authorization: Bearer <token>" when non-empty.
	// Local nodes need none; the cloud provider does.
	BearerToken string

	// ExtraHeaders are added to every request (e.g. OpenRouter attribution).
	ExtraHeaders map[string]string

	// Timeout is the per-request deadline. A tighter context deadline wins.
	Timeout time.Duration
}

// Result is a raw upstream response.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports whether the response status is 2xx.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client is a pooled fasthttp client for one destination family. Safe for
// concurrent use.
type Client struct {
	http *fasthttp.Client
	opts Options
}

// New returns a client. Pool sizing follows fasthttp defaults; local models
// hold connections for the full generation so streaming never starves the
// pool in practice.
func New(opts Options) *Client {
	return &Client{
		http: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        10 * time.Second,
		},
		opts: opts,
	}
}

// Post sends a JSON POST to the absolute URL and returns the raw response.
// The body is forwarded verbatim; the response body is copied out so it
// survives fasthttp's buffer reuse.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*Result, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	c.setCommonHeaders(req)
	req.SetBody(body)

	if err := c.do(ctx, req, resp); err != nil {
		return nil, err
	}
	return resultOf(resp), nil
}

// Get sends a GET to the absolute URL.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	c.setCommonHeaders(req)

	if err := c.do(ctx, req, resp); err != nil {
		return nil, err
	}
	return resultOf(resp), nil
}

func (c *Client) setCommonHeaders(req *fasthttp.Request) {
	if c.opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}
	for k, v := range c.opts.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.http.DoDeadline(req, resp, deadline)
}

func resultOf(resp *fasthttp.Response) *Result {
	return &Result{
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        append([]byte(nil), resp.Body()...),
	}
}
