package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/submission"
)

const (
	// RunJobPath is the endpoint of the grading host
	RunJobPath = "/run-job"

	// PayloadField is the form field carrying the JSON submission
	PayloadField = "payload"

	maxErrorBody = 4 << 10
)

var _ Dispatcher = &Client{}

// Client posts submissions to a grading host
type Client struct {
	Host       string // e.g. http://grader:5050
	Token      string // optional bearer token
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Run serializes sub, posts it to {Host}/run-job and decodes the result.
// Options are neither validated nor applied locally.
func (c *Client) Run(ctx context.Context, sub *submission.Submission) (*result.Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	payload, err := sub.JSON()
	if err != nil {
		return nil, err
	}
	form := url.Values{PayloadField: {string(payload)}}

	u := strings.TrimSuffix(c.Host, "/") + RunJobPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("run-job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	logger.Debug("running remotely", zap.String("host", c.Host), zap.Int("payload", len(payload)))
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run-job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("run-job: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("run-job: read response: %w", err)
	}
	logger.Debug("remote result", zap.ByteString("body", b))
	return result.FromJSON(b)
}
