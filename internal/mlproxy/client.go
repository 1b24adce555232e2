// Package mlproxy talks to the processing services that run the external
// discriminant histogram and firings filter processors, either over HTTP
// (Client) or by launching a local processor binary (Local).
package mlproxy

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// FilterProcessor is the processor that applies an EventFilter to firings.
const FilterProcessor = "mv_firings_filter"

// maxReplyBytes caps JSON replies from the proxy. Artifacts are streamed to
// disk instead.
const maxReplyBytes = 1 << 20

// Output names used when asking a processor for its artifact.
const (
	outputName       = "output"
	filterOutputName = "firings_out"
)

// Client runs processors on a remote processing proxy.
//
//	POST {endpoint}/upload?name=<file>   body: file bytes   -> {"path": "..."}
//	POST {endpoint}/run                  body: runRequest   -> runResponse
//	GET  <artifact URL>                                     -> artifact bytes
type Client struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

type runRequest struct {
	Processor string            `json:"processor"`
	Inputs    map[string]string `json:"inputs"`
	Outputs   []string          `json:"outputs"`
}

type runResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Outputs map[string]string `json:"outputs"`
}

type uploadResponse struct {
	Path string `json:"path"`
}

// NewClient creates a client for the proxy at endpoint. requestsPerSecond
// caps call rate; zero or negative disables the limit.
func NewClient(endpoint string, requestsPerSecond float64) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{}, // no timeout: runs end by context cancellation
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Endpoint returns the proxy base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Locate returns a location the proxy can read. Remote handles pass
// through; local files are uploaded.
func (c *Client) Locate(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", fmt.Errorf("locate: empty handle")
	}
	if isURL(handle) {
		return handle, nil
	}

	data, err := os.ReadFile(handle)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", handle, err)
	}

	q := url.Values{"name": {filepath.Base(handle)}}
	body, err := c.do(ctx, http.MethodPost, c.endpoint+"/upload?"+q.Encode(), "application/octet-stream", data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", handle, err)
	}

	var up uploadResponse
	if err := json.Unmarshal(body, &up); err != nil {
		return "", fmt.Errorf("upload %s: parse response: %w", handle, err)
	}
	if up.Path == "" {
		return "", fmt.Errorf("upload %s: proxy returned no path", handle)
	}
	return up.Path, nil
}

// Filter runs the firings filter processor. A disabled filter returns the
// firings location unchanged without contacting the proxy.
func (c *Client) Filter(ctx context.Context, firings string, f discrim.EventFilter) (string, error) {
	if !f.Enabled {
		return firings, nil
	}
	return c.run(ctx, FilterProcessor, FilterParams(firings, f), filterOutputName)
}

// Run executes processor with params and returns its artifact location.
func (c *Client) Run(ctx context.Context, processor string, params map[string]string) (string, error) {
	return c.run(ctx, processor, params, outputName)
}

func (c *Client) run(ctx context.Context, processor string, params map[string]string, output string) (string, error) {
	payload, err := json.Marshal(runRequest{
		Processor: processor,
		Inputs:    params,
		Outputs:   []string{output},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.endpoint+"/run", "application/json", payload)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", processor, err)
	}

	var resp runResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("run %s: parse response: %w", processor, err)
	}
	if !resp.Success {
		return "", fmt.Errorf("run %s: %s", processor, resp.Error)
	}
	loc := resp.Outputs[output]
	if loc == "" {
		return "", fmt.Errorf("run %s: no %q output", processor, output)
	}
	return loc, nil
}

// Fetch makes location readable locally. URLs are downloaded into dir under
// a name derived from the URL; anything else is treated as a shared path.
func (c *Client) Fetch(ctx context.Context, location, dir string) (string, error) {
	if !isURL(location) {
		if _, err := os.Stat(location); err != nil {
			return "", fmt.Errorf("fetch %s: %w", location, err)
		}
		return location, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("fetch: create staging dir: %w", err)
	}
	resp, err := c.send(ctx, http.MethodGet, location, "", nil)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()

	sum := sha1.Sum([]byte(location))
	path := filepath.Join(dir, "artifact_"+hex.EncodeToString(sum[:8])+".mda")
	if err := writeAtomic(path, resp.Body); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: download cancelled: %w", location, ctx.Err())
		}
		return "", fmt.Errorf("fetch: write %s: %w", path, err)
	}
	return path, nil
}

// writeAtomic streams r into a sibling temp file and renames it over path,
// so path never holds a partial download.
func writeAtomic(path string, r io.Reader) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

// do performs one rate-limited request and returns the body of a 200 reply,
// up to maxReplyBytes.
func (c *Client) do(ctx context.Context, method, target, contentType string, payload []byte) ([]byte, error) {
	resp, err := c.send(ctx, method, target, contentType, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxReplyBytes {
		return nil, fmt.Errorf("response larger than %d bytes", maxReplyBytes)
	}
	return body, nil
}

// send performs one rate-limited request. It returns the response of a 200
// reply with its body unread; the caller closes it.
func (c *Client) send(ctx context.Context, method, target, contentType string, payload []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("proxy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// FilterParams builds the firings filter processor's parameter map.
func FilterParams(firings string, f discrim.EventFilter) map[string]string {
	return map[string]string{
		"firings":                 firings,
		"use_event_filter":        "true",
		"min_detectability_score": formatFloat(f.MinDetectability),
		"max_outlier_score":       formatFloat(f.MaxOutlierScore),
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
