// Package client speaks the reference backend's HTTP and websocket surface.
// Its Client satisfies the stream engine's fetcher contract so an engine can
// run against a remote topic.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/stream"
	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
)

// ErrNotFound indicates the server knows nothing about the requested record.
var ErrNotFound = errors.New("client: not found")

var errMissingBaseURL = errors.New("client: base url is required")

const defaultRequestTimeout = 10 * time.Second

// Config describes how to reach the backend.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues the stream engine's window, batch and single-post queries
// over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New constructs a backend client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger}, nil
}

// FetchWindow retrieves the filtered stream index, gap table and a chunk of
// posts around the boundary.
func (c *Client) FetchWindow(ctx context.Context, topicID int64, params map[string]string, boundary topic.PostID, direction stream.WindowDirection) (stream.WindowResult, error) {
	query := url.Values{}
	for key, value := range params {
		query.Set(key, value)
	}
	if boundary != 0 {
		query.Set("post_id", strconv.FormatInt(int64(boundary), 10))
	}
	if direction != "" {
		query.Set("direction", string(direction))
	}

	var result stream.WindowResult
	endpoint := fmt.Sprintf("%s/topics/%d/stream", c.baseURL, topicID)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return stream.WindowResult{}, err
	}
	return result, nil
}

// FetchByIDs retrieves post bodies for the requested identifiers. Identifiers
// the server no longer serves are absent from the result.
func (c *Client) FetchByIDs(ctx context.Context, topicID int64, ids []topic.PostID) ([]*topic.Post, error) {
	if len(ids) == 0 {
		return []*topic.Post{}, nil
	}
	fragments := make([]string, 0, len(ids))
	for _, id := range ids {
		fragments = append(fragments, strconv.FormatInt(int64(id), 10))
	}
	endpoint := fmt.Sprintf("%s/topics/%d/posts?ids=%s", c.baseURL, topicID, strings.Join(fragments, ","))

	var payload struct {
		Posts []*topic.Post `json:"posts"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Posts, nil
}

// FetchPost retrieves a single post.
func (c *Client) FetchPost(ctx context.Context, id topic.PostID) (*topic.Post, error) {
	var post topic.Post
	endpoint := fmt.Sprintf("%s/posts/%d", c.baseURL, id)
	if err := c.getJSON(ctx, endpoint, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// CreatePostRequest describes a post submission.
type CreatePostRequest struct {
	Username          string `json:"username"`
	Raw               string `json:"raw"`
	ReplyToPostNumber int    `json:"reply_to_post_number,omitempty"`
	StageKey          string `json:"stage_key,omitempty"`
}

// CreatePost submits a new post and returns the server's saved record,
// carrying the assigned identifier and post number.
func (c *Client) CreatePost(ctx context.Context, topicID int64, request CreatePostRequest) (*topic.Post, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/topics/%d/posts", c.baseURL, topicID)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	var created topic.Post
	if err := c.do(httpRequest, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, target interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(request, target)
}

func (c *Client) do(request *http.Request, target interface{}) error {
	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, response.Body)
		response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode >= 400:
		c.logger.Warn("backend request failed",
			zap.String("url", request.URL.String()),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("client: unexpected status %d from %s", response.StatusCode, request.URL.Path)
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}
