package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"stridenotes/services/activitycache/internal/metrics"
	"stridenotes/services/activitycache/internal/store"
)

const DefaultBaseURL = "https://www.strava.com/api/v3"

const listPageSize = 100

// Athlete is the minimal profile payload used as a connectivity probe.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// ListParams bounds one page of the activity list endpoint. All fields are
// optional; zero values are omitted from the request.
type ListParams struct {
	After   time.Time
	Before  time.Time
	Page    int
	PerPage int
}

// Client issues authenticated calls against the remote activity API and
// translates HTTP failures into the typed errors in this package. A nil
// token source means no credential is available and Authenticated reports
// false; callers must not issue calls in that state.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	limiter *rate.Limiter
}

func NewClient(baseURL string, tokens oauth2.TokenSource, limiter *rate.Limiter) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		limiter: limiter,
	}
}

func (c *Client) Authenticated() bool {
	return c != nil && c.tokens != nil
}

// GetAthlete fetches the authenticated profile, used as a lightweight probe.
func (c *Client) GetAthlete(ctx context.Context) (Athlete, error) {
	body, err := c.get(ctx, "/athlete", "/athlete", nil)
	if err != nil {
		return Athlete{}, err
	}

	athlete := Athlete{}
	if err := json.Unmarshal(body, &athlete); err != nil {
		return Athlete{}, fmt.Errorf("decode athlete: %w", err)
	}
	return athlete, nil
}

// ListActivities fetches one page of summary records.
func (c *Client) ListActivities(ctx context.Context, params ListParams) ([]store.Activity, error) {
	query := url.Values{}
	if !params.After.IsZero() {
		query.Set("after", strconv.FormatInt(params.After.Unix(), 10))
	}
	if !params.Before.IsZero() {
		query.Set("before", strconv.FormatInt(params.Before.Unix(), 10))
	}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(params.PerPage))
	}

	body, err := c.get(ctx, "/athlete/activities", "/athlete/activities", query)
	if err != nil {
		return nil, err
	}

	activities := []store.Activity{}
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fmt.Errorf("decode activity list: %w", err)
	}
	return activities, nil
}

// ListActivitiesRange walks the paginated list endpoint until the window
// [after, before] is exhausted.
func (c *Client) ListActivitiesRange(ctx context.Context, after, before time.Time) ([]store.Activity, error) {
	all := make([]store.Activity, 0)
	for page := 1; ; page++ {
		batch, err := c.ListActivities(ctx, ListParams{
			After:   after,
			Before:  before,
			Page:    page,
			PerPage: listPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

// GetActivity fetches the detail record for one id, note included if any.
func (c *Client) GetActivity(ctx context.Context, id int64) (store.Activity, error) {
	activity, _, err := c.GetActivityRaw(ctx, id)
	return activity, err
}

// GetActivityRaw also returns the raw response body for archiving.
func (c *Client) GetActivityRaw(ctx context.Context, id int64) (store.Activity, json.RawMessage, error) {
	body, err := c.get(ctx, fmt.Sprintf("/activities/%d", id), "/activities/{id}", nil)
	if err != nil {
		return store.Activity{}, nil, err
	}

	activity := store.Activity{}
	if err := json.Unmarshal(body, &activity); err != nil {
		return store.Activity{}, nil, fmt.Errorf("decode activity %d: %w", id, err)
	}
	activity.HasDetail = true
	return activity, json.RawMessage(body), nil
}

// get issues one GET; label is the stable endpoint name used for metrics.
func (c *Client) get(ctx context.Context, path, label string, query url.Values) ([]byte, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthorized
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRemoteCall(label, "network_error", start)
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		metrics.ObserveRemoteCall(label, "unauthorized", start)
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveRemoteCall(label, "rate_limited", start)
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.ObserveRemoteCall(label, "error", start)
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: label}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveRemoteCall(label, "network_error", start)
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	metrics.ObserveRemoteCall(label, "ok", start)
	return body, nil
}
