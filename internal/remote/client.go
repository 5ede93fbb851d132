package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fusecache/fusecache/internal/circuit"
	"github.com/fusecache/fusecache/pkg/ferrors"
	"github.com/fusecache/fusecache/pkg/retry"
)

// Info mirrors the JSON body returned by GET /api/info/{p}.
type Info struct {
	Size      int64 `json:"size"`
	Timestamp int64 `json:"timestamp"`
	IsDir     bool  `json:"is_dir"`
}

// Config configures a Client.
type Config struct {
	// BaseURL is the remote object store's base URL, e.g.
	// "https://store.example.com". Required.
	BaseURL string

	// GetTimeout bounds every GET request. Defaults to 30s per
	// spec.md §5.
	GetTimeout time.Duration

	// PutTimeout bounds every PUT/POST/DELETE request. Defaults to 60s.
	PutTimeout time.Duration

	// HTTPClient is the underlying transport. A zero value uses
	// http.DefaultClient.
	HTTPClient *http.Client

	// Retry configures the retryer used for transient failures. A
	// zero value uses retry.DefaultConfig().
	Retry retry.Config

	// Breaker configures the circuit breaker guarding this base URL.
	// A zero value is filled in by circuit.NewCircuitBreaker's own
	// defaults (1 half-open request, 60s interval and timeout).
	Breaker circuit.Config
}

// Client is the HTTP client for the remote object store.
type Client struct {
	baseURL    string
	http       *http.Client
	getTimeout time.Duration
	putTimeout time.Duration
	retryer    *retry.Retryer
	breaker    *circuit.CircuitBreaker
}

// New creates a Client bound to cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	getTimeout := cfg.GetTimeout
	if getTimeout <= 0 {
		getTimeout = 30 * time.Second
	}
	putTimeout := cfg.PutTimeout
	if putTimeout <= 0 {
		putTimeout = 60 * time.Second
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       httpClient,
		getTimeout: getTimeout,
		putTimeout: putTimeout,
		retryer:    retry.New(retryCfg),
		breaker:    circuit.NewCircuitBreaker("remote:"+cfg.BaseURL, cfg.Breaker),
	}, nil
}

// Stat issues GET /api/info/{p}.
func (c *Client) Stat(ctx context.Context, path string) (Info, error) {
	var info Info
	err := c.do(ctx, c.getTimeout, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/info/"+encodePath(path), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp.StatusCode, path)
		}
		return json.NewDecoder(resp.Body).Decode(&info)
	})
	return info, err
}

// List issues GET /api/list/{p}.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := c.do(ctx, c.getTimeout, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/list/"+encodePath(path), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp.StatusCode, path)
		}
		return json.NewDecoder(resp.Body).Decode(&names)
	})
	return names, err
}

// Fetch issues GET /api/data/{p} with a byte-range header and returns
// exactly length bytes, or an integrity error.
func (c *Client) Fetch(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	var data []byte
	err := c.do(ctx, c.getTimeout, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/data/"+encodePath(path), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return classifyStatus(resp.StatusCode, path)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransportErr(err)
		}
		if int64(len(body)) != length {
			return ferrors.New(ferrors.ErrCodeIntegrity, "remote: short read").
				WithComponent("remote").WithOperation("Fetch").WithPath(path)
		}
		data = body
		return nil
	})
	return data, err
}

// Run is one contiguous dirty byte range to flush.
type Run struct {
	Offset int64
	Data   []byte
}

// Flush issues one PUT per run. Success iff every run succeeds; the
// first failing run aborts the remaining ones.
func (c *Client) Flush(ctx context.Context, path string, runs []Run) error {
	for _, run := range runs {
		if err := c.flushOne(ctx, path, run); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) flushOne(ctx context.Context, path string, run Run) error {
	return c.do(ctx, c.putTimeout, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPut, "/api/data/"+encodePath(path), bytes.NewReader(run.Data))
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(run.Data))
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", run.Offset, run.Offset+int64(len(run.Data))-1))

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return classifyStatus(resp.StatusCode, path)
		}
		return nil
	})
}

// Create issues POST /api/create/{p}?directory={bool}.
func (c *Client) Create(ctx context.Context, path string, isDir bool) error {
	return c.do(ctx, c.putTimeout, func(ctx context.Context) error {
		target := fmt.Sprintf("/api/create/%s?directory=%t", encodePath(path), isDir)
		req, err := c.newRequest(ctx, http.MethodPost, target, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return classifyStatus(resp.StatusCode, path)
		}
		return nil
	})
}

// Rename issues POST /api/rename with a JSON body.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.do(ctx, c.putTimeout, func(ctx context.Context) error {
		body, err := json.Marshal(struct {
			OldPath string `json:"old_path"`
			NewPath string `json:"new_path"`
		}{oldPath, newPath})
		if err != nil {
			return err
		}
		req, err := c.newRequest(ctx, http.MethodPost, "/api/rename", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return classifyStatus(resp.StatusCode, oldPath)
		}
		return nil
	})
}

// Delete issues DELETE /api/delete/{p}.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, c.putTimeout, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodDelete, "/api/delete/"+encodePath(path), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
			return classifyStatus(resp.StatusCode, path)
		}
		return nil
	})
}

// do runs fn through the circuit breaker and the retryer, with a
// per-call deadline of timeout.
func (c *Client) do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.retryer.DoWithContext(ctx, fn)
	})
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+target, body)
	if err != nil {
		return nil, fmt.Errorf("remote: building request: %w", err)
	}
	return req, nil
}

func encodePath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusNotFound:
		return ferrors.New(ferrors.ErrCodeNotFound, "remote: not found").WithPath(path)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ferrors.New(ferrors.ErrCodePermissionDenied, "remote: access denied").WithPath(path)
	case status >= 500:
		return ferrors.New(ferrors.ErrCodeRemoteTransient, fmt.Sprintf("remote: server error %d", status)).WithPath(path)
	default:
		return ferrors.New(ferrors.ErrCodeRemoteFatal, fmt.Sprintf("remote: unexpected status %d", status)).WithPath(path)
	}
}

// classifyTransportErr turns a network-level failure (timeout,
// connection refused, DNS failure) into a retryable remote-transient
// error.
func classifyTransportErr(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ferrors.New(ferrors.ErrCodeRemoteTransient, "remote: request timed out").WithCause(err)
	}
	return ferrors.New(ferrors.ErrCodeRemoteTransient, "remote: transport error").WithCause(err)
}

