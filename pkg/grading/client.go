// Package grading is the HTTP client for the grading/admin service that
// receives flag notices and final submissions.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/internal/version"
)

var (
	// ErrNotConfigured is returned when endpoint or API key is missing.
	ErrNotConfigured = errors.New("grading client not configured")
	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("invalid grading payload")
)

// Client handles communication with the grading service
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger

	submission *jsonschema.Schema
	flag       *jsonschema.Schema
}

// Config for the grading client
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewClient creates a new grading API client
func NewClient(cfg Config, log *logrus.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	submission, err := compile("submission.schema.json", submissionSchema)
	if err != nil {
		return nil, err
	}
	flag, err := compile("flag.schema.json", flagSchema)
	if err != nil {
		return nil, err
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:        log,
		submission: submission,
		flag:       flag,
	}, nil
}

func compile(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

func (c *Client) configured() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// ReportFlag tells the admin service that a session was flagged.
func (c *Client) ReportFlag(ctx context.Context, n types.FlagNotice) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	return c.sendJSON(ctx, c.endpoint+"/api/v1/flags", c.flag, n)
}

// DeliverSubmission hands the final alert log and flag status to the
// grading service.
func (c *Client) DeliverSubmission(ctx context.Context, s types.Submission) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	return c.sendJSON(ctx, c.endpoint+"/api/v1/submissions", c.submission, s)
}

// sendJSON validates and posts a JSON payload to the API
func (c *Client) sendJSON(ctx context.Context, url string, schema *jsonschema.Schema, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
	}).Debug("Successfully sent to grading service")

	return nil
}

// HealthCheck checks if the grading service is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.configured() {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}
