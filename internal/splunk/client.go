// Package splunk binds the connector capability contract to a Splunk-style
// search backend: ad-hoc queries run through the search-job REST lifecycle,
// indicators are pushed as lookup table files, and detections persist as
// saved scheduled searches.
package splunk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"threatflow/internal/connector"
)

const (
	// jobPollInterval is the fixed delay between search job status polls.
	jobPollInterval = time.Second

	// jobWaitCeiling is the hard limit on how long a search job may run
	// before the wait is abandoned with ErrJobTimeout.
	jobWaitCeiling = 300 * time.Second
)

// ErrJobTimeout is returned when a search job does not reach a terminal
// state within the wait ceiling.
var ErrJobTimeout = fmt.Errorf("splunk: search job wait exceeded %s", jobWaitCeiling)

// Client is a minimal Splunk REST API client covering the search-job
// lifecycle, lookup uploads, and saved search management.
type Client struct {
	baseURL    string
	auth       connector.AuthConfig
	httpClient *http.Client
}

// NewClient creates a Splunk REST client.
func NewClient(baseURL string, auth connector.AuthConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ServerInfo holds backend identity returned by the server info endpoint.
type ServerInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
}

// GetServerInfo fetches backend version information; used as the
// connection test.
func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/services/server/info?output_mode=json", nil, "")
	if err != nil {
		return nil, fmt.Errorf("server info request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Entry []struct {
			Content ServerInfo `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode server info: %w", err)
	}
	if len(result.Entry) == 0 {
		return &ServerInfo{}, nil
	}
	return &result.Entry[0].Content, nil
}

// SubmitSearchJob submits an ad-hoc search and returns the job SID.
func (c *Client) SubmitSearchJob(ctx context.Context, query string, earliest, latest time.Time) (string, error) {
	form := url.Values{}
	form.Set("search", ensureSearchPrefix(query))
	form.Set("output_mode", "json")
	if !earliest.IsZero() {
		form.Set("earliest_time", earliest.UTC().Format(time.RFC3339))
	}
	if !latest.IsZero() {
		form.Set("latest_time", latest.UTC().Format(time.RFC3339))
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/search/jobs",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", fmt.Errorf("failed to submit search job: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode job submission response: %w", err)
	}
	if result.SID == "" {
		return "", fmt.Errorf("search job submission returned no SID")
	}
	return result.SID, nil
}

// JobState is the dispatch state of a search job.
type JobState string

const (
	JobDone    JobState = "DONE"
	JobFailed  JobState = "FAILED"
	JobRunning JobState = "RUNNING"
)

// GetJobState fetches the current dispatch state of a search job.
func (c *Client) GetJobState(ctx context.Context, sid string) (JobState, error) {
	path := fmt.Sprintf("/services/search/jobs/%s?output_mode=json", url.PathEscape(sid))
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to get job state: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Entry []struct {
			Content struct {
				DispatchState string `json:"dispatchState"`
				IsDone        bool   `json:"isDone"`
				IsFailed      bool   `json:"isFailed"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode job state response: %w", err)
	}
	if len(result.Entry) == 0 {
		return JobRunning, nil
	}

	content := result.Entry[0].Content
	switch {
	case content.IsFailed || content.DispatchState == string(JobFailed):
		return JobFailed, nil
	case content.IsDone || content.DispatchState == string(JobDone):
		return JobDone, nil
	default:
		return JobRunning, nil
	}
}

// WaitForJob polls the job at a fixed interval until it reaches a terminal
// state or the wait ceiling elapses.
func (c *Client) WaitForJob(ctx context.Context, sid string) error {
	deadline := time.Now().Add(jobWaitCeiling)
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		state, err := c.GetJobState(ctx, sid)
		if err != nil {
			return err
		}

		switch state {
		case JobDone:
			return nil
		case JobFailed:
			return fmt.Errorf("search job %s failed", sid)
		}

		if time.Now().After(deadline) {
			return ErrJobTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetJobResults fetches up to count result rows of a finished job.
func (c *Client) GetJobResults(ctx context.Context, sid string, count int) ([]map[string]any, error) {
	path := fmt.Sprintf("/services/search/jobs/%s/results?output_mode=json&count=%d",
		url.PathEscape(sid), count)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get job results: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode job results: %w", err)
	}
	return result.Results, nil
}

// DeleteJob removes a finished search job from the backend.
func (c *Client) DeleteJob(ctx context.Context, sid string) error {
	path := fmt.Sprintf("/services/search/jobs/%s", url.PathEscape(sid))
	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	resp.Body.Close()
	return nil
}

// UploadLookup uploads CSV content as a lookup table file.
func (c *Client) UploadLookup(ctx context.Context, name, csvContent string) error {
	form := url.Values{}
	form.Set("name", name)
	form.Set("eai:data", csvContent)
	form.Set("output_mode", "json")

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/data/lookup-table-files",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("failed to upload lookup %s: %w", name, err)
	}
	resp.Body.Close()
	return nil
}

// SavedSearch configures a saved, optionally scheduled, search.
type SavedSearch struct {
	Name         string
	Query        string
	CronSchedule string
	EmailTo      string
}

// CreateSavedSearch persists a saved search and returns its name, which is
// the backend's identifier for saved searches.
func (c *Client) CreateSavedSearch(ctx context.Context, search SavedSearch) (string, error) {
	form := url.Values{}
	form.Set("name", search.Name)
	form.Set("search", ensureSearchPrefix(search.Query))
	form.Set("output_mode", "json")
	if search.CronSchedule != "" {
		form.Set("is_scheduled", "1")
		form.Set("cron_schedule", search.CronSchedule)
	}
	if search.EmailTo != "" {
		form.Set("actions", "email")
		form.Set("action.email.to", search.EmailTo)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/saved/searches",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", fmt.Errorf("failed to create saved search %s: %w", search.Name, err)
	}
	resp.Body.Close()
	return search.Name, nil
}

// UpdateNotableStatus transitions a notable event to a new status code.
func (c *Client) UpdateNotableStatus(ctx context.Context, eventID, statusCode, comment string) error {
	form := url.Values{}
	form.Set("ruleUIDs", eventID)
	form.Set("status", statusCode)
	form.Set("output_mode", "json")
	if comment != "" {
		form.Set("comment", comment)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/notable_update",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("failed to update notable %s: %w", eventID, err)
	}
	resp.Body.Close()
	return nil
}

// doRequest performs an authenticated request against the Splunk API.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

// applyAuth sets the authentication header for the configured auth type.
func (c *Client) applyAuth(req *http.Request) {
	creds := c.auth.Credentials
	switch c.auth.Type {
	case connector.AuthBasic:
		req.SetBasicAuth(creds["username"], creds["password"])
	case connector.AuthToken:
		req.Header.Set("Authorization", "Splunk "+creds["token"])
	case connector.AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+creds["token"])
	case connector.AuthAPIKey:
		req.Header.Set("Authorization", "Bearer "+creds["api_key"])
	}
}

// ensureSearchPrefix prepends the search command when the query does not
// already start with a generating command.
func ensureSearchPrefix(query string) string {
	trimmed := strings.TrimSpace(query)
	if strings.HasPrefix(trimmed, "search ") || strings.HasPrefix(trimmed, "|") {
		return trimmed
	}
	return "search " + trimmed
}
