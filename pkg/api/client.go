package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/playdeck/agent/internal/httputil"
)

var (
	// ErrNotJSON means the server answered with a content type other than
	// application/json.
	ErrNotJSON = errors.New("response is not JSON")
	// ErrConfigNotFound means the server has no config for the identity.
	ErrConfigNotFound = errors.New("config not found for host")
)

const (
	versionPath     = "/api/agent/version"
	configByMACPath = "/api/agents/config-by-mac"
	defaultUpdate   = "/updates/agent.zip"

	maxJSONBody = 4 << 20
)

// VersionManifest is the server's answer to a version query. Checksum is
// a hex SHA-256 of the archive; Size is its length in bytes.
type VersionManifest struct {
	Version   string `json:"version"`
	UpdateURL string `json:"updateUrl,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

type Client struct {
	baseURL        string
	userAgent      string
	httpClient     *http.Client
	downloadClient *http.Client
	retry          httputil.RetryPolicy
}

type Options struct {
	AgentVersion    string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	Retry           *httputil.RetryPolicy
	// Transport replaces the default round tripper, mostly for tests.
	Transport http.RoundTripper
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Minute
	}
	retry := httputil.DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	ua := "playdeck-agent"
	if opts.AgentVersion != "" {
		ua += "/" + opts.AgentVersion
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		userAgent:      ua,
		httpClient:     &http.Client{Timeout: opts.RequestTimeout, Transport: opts.Transport},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout, Transport: opts.Transport},
		retry:          retry,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// AgentVersion fetches the latest published agent version.
func (c *Client) AgentVersion(ctx context.Context) (*VersionManifest, error) {
	resp, err := httputil.Do(ctx, c.httpClient, httputil.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + versionPath,
		Header: c.headers("application/json"),
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("version request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("version request", resp)
	}
	if err := requireJSON(resp); err != nil {
		return nil, err
	}

	var m VersionManifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode version response: %w", err)
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, errors.New("version response has no version")
	}
	return &m, nil
}

// ConfigByMAC asks the server for the config document registered for mac
// and returns it undecoded.
func (c *Client) ConfigByMAC(ctx context.Context, mac string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"mac": mac})
	if err != nil {
		return nil, err
	}
	h := c.headers("application/json")
	h.Set("Content-Type", "application/json")

	resp, err := httputil.Do(ctx, c.httpClient, httputil.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + configByMACPath,
		Body:   body,
		Header: h,
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("config request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ErrConfigNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("config request", resp)
	}
	if err := requireJSON(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("read config response: %w", err)
	}
	return data, nil
}

// UpdateURL resolves the archive location for m. Relative URLs are taken
// against the server; an empty one means the default archive path.
func (c *Client) UpdateURL(m *VersionManifest) (string, error) {
	if m == nil || strings.TrimSpace(m.UpdateURL) == "" {
		return c.baseURL + defaultUpdate, nil
	}
	ref, err := url.Parse(strings.TrimSpace(m.UpdateURL))
	if err != nil {
		return "", fmt.Errorf("parse updateUrl: %w", err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("updateUrl scheme %q not supported", ref.Scheme)
		}
		return ref.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// OpenDownload starts a GET for the update archive. The caller must close
// the body. ContentLength is -1 when the server did not send one.
func (c *Client) OpenDownload(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("download request", resp)
	}
	return resp, nil
}

func (c *Client) headers(accept string) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	h.Set("User-Agent", c.userAgent)
	return h
}

func requireJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
		return fmt.Errorf("%w: content type %q", ErrNotJSON, ct)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
}
