package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"

	"billing-pipeline/domain"
)

// Client dials the notification stream endpoint and backfills over the
// since endpoint of the same API. The bearer token rides in a query
// parameter on the stream URL because EventSource cannot set headers.
type Client struct {
	// BaseURL is the API root, e.g. "http://localhost:8080".
	BaseURL string
	// Token is the bearer token identifying the recipient.
	Token string
	// HTTPClient defaults to http.DefaultClient. Stream requests must not
	// carry a client-side timeout or the long-lived connection is cut.
	HTTPClient *http.Client
}

var _ Dialer = (*Client)(nil)
var _ Backfiller = (*Client)(nil)

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Dial opens the server-sent events stream.
func (c *Client) Dial(ctx context.Context) (io.ReadCloser, error) {
	u := c.BaseURL + "/api/notifications/stream?token=" + url.QueryEscape(c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// FetchSince returns notifications created after id, oldest first.
func (c *Client) FetchSince(ctx context.Context, id int64) ([]domain.Notification, error) {
	u := c.BaseURL + "/api/notifications/since/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("since endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out []domain.Notification
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
