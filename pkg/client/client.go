// Package client talks to a running srkstore gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objects"
	"github.com/serverlessresearch/srkstore/pkg/repositories"
)

// APIError is a non-success response from the gateway.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the gateway at baseURL. token is sent as a bearer
// token; httpClient may be nil.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/v1/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string, want int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, u)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env struct {
			Response []string `json:"response"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			apiErr.Messages = env.Response
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, u string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, u, nil, "", http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "Failed to decode response")
}

func (c *Client) discard(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) CreateRepository(ctx context.Context, name string) error {
	body, err := json.Marshal(repositories.CreateRequest{Name: name})
	if err != nil {
		return err
	}
	return c.discard(c.do(ctx, http.MethodPost, c.baseURL+"/v1/repositories", bytes.NewReader(body), "application/json", http.StatusCreated))
}

func (c *Client) GetRepository(ctx context.Context, name string) (*repositories.Repository, error) {
	var repo repositories.Repository
	if err := c.doJSON(ctx, c.url("repositories", name), &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (c *Client) DeleteRepository(ctx context.Context, name string) error {
	return c.discard(c.do(ctx, http.MethodDelete, c.url("repositories", name), nil, "", http.StatusNoContent))
}

func (c *Client) GetObjectInfo(ctx context.Context, repository, name string) (*objects.Info, error) {
	var info objects.Info
	if err := c.doJSON(ctx, c.url("objects", repository, name), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Upload streams body as the "object" field of a multipart form.
func (c *Client) Upload(ctx context.Context, repository, filename string, body io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("object", filename)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := c.do(ctx, http.MethodPost, c.url("objects", "upload", repository), pr, mw.FormDataContentType(), http.StatusCreated)
	pr.Close()
	return c.discard(resp, err)
}

// Download writes the object to w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, repository, name string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("objects", "download", repository, name), nil, "", http.StatusOK)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, errors.Wrapf(err, "Failed to download %s/%s", repository, name)
	}
	return n, nil
}

func (c *Client) DeleteObject(ctx context.Context, repository, name string) error {
	return c.discard(c.do(ctx, http.MethodDelete, c.url("objects", repository, name), nil, "", http.StatusNoContent))
}
