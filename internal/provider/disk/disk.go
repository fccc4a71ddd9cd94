// Package disk talks to the public-resources API of the cloud disk that
// hosts source videos.
package disk

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/bytedance/sonic"
)

const (
	defaultMetaTimeout   = 10 * time.Second
	defaultStreamTimeout = 60 * time.Second
	defaultContentType   = "video/mp4"
	component            = "disk"
)

// Resource is the metadata of a public disk resource.
type Resource struct {
	Type     string
	MimeType string
	Name     string
	Size     int64
	// Duration is the declared media duration. Zero when the disk does not
	// report one.
	Duration time.Duration
}

// IsVideo reports whether the resource is a single video file.
func (r Resource) IsVideo() bool {
	return r.Type == "file" && strings.HasPrefix(r.MimeType, "video/")
}

type resourceResponse struct {
	Type          string `json:"type"`
	MimeType      string `json:"mime_type"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	VideoMetadata *struct {
		Duration int64 `json:"duration"`
	} `json:"video_metadata"`
}

type linkResponse struct {
	Href string `json:"href"`
}

// Client wraps the public resources endpoints.
type Client struct {
	baseURL string
	meta    *http.Client
	stream  *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the client used for metadata calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.meta = client
		}
	}
}

// WithStreamClient overrides the client used to download file bodies.
func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.stream = client
		}
	}
}

// NewClient builds a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		meta:    &http.Client{Timeout: defaultMetaTimeout},
		stream: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: defaultStreamTimeout,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resource fetches the metadata of the resource published at publicURL.
func (c *Client) Resource(ctx context.Context, publicURL string) (Resource, error) {
	var body resourceResponse
	if err := c.getJSON(ctx, "/v1/disk/public/resources", publicURL, &body); err != nil {
		return Resource{}, apperr.Wrap(apperr.ErrExternalService, component, "resource", err)
	}
	res := Resource{
		Type:     body.Type,
		MimeType: body.MimeType,
		Name:     body.Name,
		Size:     body.Size,
	}
	if body.VideoMetadata != nil && body.VideoMetadata.Duration > 0 {
		res.Duration = time.Duration(body.VideoMetadata.Duration) * time.Millisecond
	}
	return res, nil
}

// DownloadLink resolves a direct download URL for publicURL.
func (c *Client) DownloadLink(ctx context.Context, publicURL string) (string, error) {
	var body linkResponse
	if err := c.getJSON(ctx, "/v1/disk/public/resources/download", publicURL, &body); err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "download link", err)
	}
	if body.Href == "" {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "download link", fmt.Errorf("empty href"))
	}
	return body.Href, nil
}

// Open starts streaming the file at href. The caller closes the body. The
// content type defaults to video/mp4 when the server omits it.
func (c *Client) Open(ctx context.Context, href string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ErrExternalService, component, "open", err)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ErrExternalService, component, "open", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp)
		resp.Body.Close()
		return nil, "", apperr.Wrap(apperr.ErrExternalService, component, "open", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	return resp.Body, ct, nil
}

func (c *Client) getJSON(ctx context.Context, path, publicURL string, out any) error {
	endpoint := c.baseURL + path + "?public_key=" + url.QueryEscape(publicURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.meta.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}
