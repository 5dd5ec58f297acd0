// Package fetch is the generic network read path. Every GET passes through the
// configured request transforms, and successful bodies are kept in the
// read-through cache keyed by URL.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/convsync/internal/cache"
)

const maxBody = 4 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// TokenSource supplies the credential attached to outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource with a fixed value.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Transform mutates a request before it is sent.
type Transform func(req *http.Request) error

// Bearer sets the Authorization header from ts. An empty token leaves the
// request unauthenticated.
func Bearer(ts TokenSource) Transform {
	return func(req *http.Request) error {
		tok, err := ts.Token(req.Context())
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		return nil
	}
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSharedTimeout bounds a request shared by concurrent callers.
func WithSharedTimeout(d time.Duration) Option {
	return func(c *Client) { c.sharedTimeout = d }
}

// WithTransform adds a request transform. Transforms run in the order added.
func WithTransform(t Transform) Option {
	return func(c *Client) { c.transforms = append(c.transforms, t) }
}

// Client performs cached, collapsed GET requests.
type Client struct {
	http          *http.Client
	cache         *cache.Cache
	transforms    []Transform
	logger        *zap.Logger
	group         singleflight.Group
	sharedTimeout time.Duration
}

type result struct {
	body  []byte
	fresh cache.Freshness
}

// New returns a client reading through c. A nil c gets a private in-memory
// cache.
func New(c *cache.Cache, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := &Client{
		http:          &http.Client{Timeout: 10 * time.Second},
		cache:         c,
		logger:        logger,
		sharedTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.cache == nil {
		cl.cache = cache.New(nil, logger)
	}
	return cl
}

// Get returns the body at url. Concurrent calls for the same url share one
// request. The shared request runs detached from any single caller's
// cancellation and is bounded by the client's shared timeout instead; a
// caller whose ctx ends stops waiting without affecting the others.
func (c *Client) Get(ctx context.Context, url string) ([]byte, cache.Freshness, error) {
	ch := c.group.DoChan(url, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout)
		defer cancel()
		body, fresh, err := cache.Fetch(sctx, c.cache, url, func(ctx context.Context) ([]byte, error) {
			return c.live(ctx, url)
		})
		return result{body: body, fresh: fresh}, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, cache.Freshness{}, res.Err
		}
		r := res.Val.(result)
		return r.body, r.fresh, nil
	case <-ctx.Done():
		return nil, cache.Freshness{}, ctx.Err()
	}
}

func (c *Client) live(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for _, t := range c.transforms {
		if err := t(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	c.logger.Debug("fetched", zap.String("url", url), zap.Int("bytes", len(body)))
	return body, nil
}

// GetJSON decodes the body at url into T.
func GetJSON[T any](ctx context.Context, c *Client, url string) (T, cache.Freshness, error) {
	var v T
	body, fresh, err := c.Get(ctx, url)
	if err != nil {
		return v, fresh, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fresh, fmt.Errorf("decode %s: %w", url, err)
	}
	return v, fresh, nil
}
