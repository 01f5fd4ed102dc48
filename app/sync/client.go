package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ykarpov/readersync/app/store"
)

// Client wraps access to the remote reader service: base URL, user agent and
// the persisted auth token. Jobs share one Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	store      *store.Store
}

func NewClient(httpClient *http.Client, baseURL, userAgent string, st *store.Store) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userAgent:  userAgent,
		store:      st,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs an authenticated GET and returns the response body stream.
// The caller closes it.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, networkErr(err, "failed to create request for %s", path)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkErr(err, "failed to fetch %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, networkErr(nil, "HTTP %d from %s", resp.StatusCode, path)
	}

	return resp.Body, nil
}

// GetBytes performs an authenticated GET and reads the whole body.
func (c *Client) GetBytes(ctx context.Context, path string, query url.Values) ([]byte, error) {
	body, err := c.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, networkErr(err, "failed to read response from %s", path)
	}
	return data, nil
}

// PostForm performs an authenticated form POST and reads the whole body.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, networkErr(err, "failed to create request for %s", path)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkErr(err, "failed to post %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, networkErr(nil, "HTTP %d from %s", resp.StatusCode, path)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkErr(err, "failed to read response from %s", path)
	}
	return data, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if token, err := c.store.GetSetting(store.SettingAuthToken); err == nil && token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("GoogleLogin auth=%s", token))
	}
}
